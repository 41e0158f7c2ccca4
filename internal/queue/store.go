package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrNotFound indicates the mutation does not exist in the local store.
	ErrNotFound = errors.New("queue: mutation not found")
	// ErrCorrelationNotFound indicates no remote identifier is recorded for the local id.
	ErrCorrelationNotFound = errors.New("queue: correlation not found")
)

// StoreConfig wires the durable mutation store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store owns the pending-mutation and identifier-correlation tables. Every
// method is atomic with respect to a single record; callers never touch the
// tables directly.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Enqueue persists a new PENDING mutation and returns it. A durable write
// failure propagates to the caller: silently continuing would lose the
// mutation with no record anywhere.
func (s *Store) Enqueue(ctx context.Context, draft Draft) (PendingMutation, error) {
	if err := draft.validate(); err != nil {
		return PendingMutation{}, err
	}
	localID, err := s.idProvider.NewID()
	if err != nil {
		return PendingMutation{}, fmt.Errorf("queue: generate local id: %w", err)
	}

	mutation := PendingMutation{
		LocalID:          localID,
		Kind:             draft.Kind,
		PayloadJSON:      draft.PayloadJSON,
		State:            StatePending,
		ApprovalState:    ApprovalNormal,
		DependsOnLocalID: draft.DependsOnLocalID,
		VisitRemoteID:    draft.VisitRemoteID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
		ViolationsJSON:   draft.ViolationsJSON,
		Justification:    draft.Justification,
		ApprovalSynced:   true,
	}

	if err := s.db.WithContext(ctx).Create(&mutation).Error; err != nil {
		s.logger.Error("mutation enqueue failed", zap.String("local_id", localID), zap.Error(err))
		return PendingMutation{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	return mutation, nil
}

// Get loads a single mutation by its local id.
func (s *Store) Get(ctx context.Context, localID string) (PendingMutation, error) {
	var mutation PendingMutation
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Take(&mutation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingMutation{}, ErrNotFound
	}
	if err != nil {
		return PendingMutation{}, fmt.Errorf("queue: get: %w", err)
	}
	return mutation, nil
}

// ListPending returns PENDING mutations, oldest first, optionally filtered by kind.
// Approval gating is the orchestrator's concern, so gated rows are included.
func (s *Store) ListPending(ctx context.Context, kinds ...MutationKind) ([]PendingMutation, error) {
	query := s.db.WithContext(ctx).Where("state = ?", StatePending)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	var mutations []PendingMutation
	if err := query.Order("created_at_s ASC, local_id ASC").Find(&mutations).Error; err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	return mutations, nil
}

// ListAll returns every mutation record, oldest first.
func (s *Store) ListAll(ctx context.Context) ([]PendingMutation, error) {
	var mutations []PendingMutation
	if err := s.db.WithContext(ctx).Order("created_at_s ASC, local_id ASC").Find(&mutations).Error; err != nil {
		return nil, fmt.Errorf("queue: list all: %w", err)
	}
	return mutations, nil
}

// ListUnsyncedApprovals returns mutations whose approval request was created
// offline and has not yet been registered remotely.
func (s *Store) ListUnsyncedApprovals(ctx context.Context) ([]PendingMutation, error) {
	var mutations []PendingMutation
	err := s.db.WithContext(ctx).
		Where("approval_state = ? AND approval_synced = ?", ApprovalAwaiting, false).
		Order("created_at_s ASC, local_id ASC").
		Find(&mutations).Error
	if err != nil {
		return nil, fmt.Errorf("queue: list unsynced approvals: %w", err)
	}
	return mutations, nil
}

// CountByState returns the number of mutations in the given state.
func (s *Store) CountByState(ctx context.Context, state MutationState) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&PendingMutation{}).Where("state = ?", state).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: count: %w", err)
	}
	return count, nil
}

// MarkSubmitting transitions PENDING→SUBMITTING, bumping the attempt counter
// and stamping the attempt time. The guarded WHERE clause makes the claim
// exclusive: it returns false when another pass already holds the mutation or
// the mutation is no longer PENDING.
func (s *Store) MarkSubmitting(ctx context.Context, localID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&PendingMutation{}).
		Where("local_id = ? AND state = ?", localID, StatePending).
		Updates(map[string]interface{}{
			"state":             StateSubmitting,
			"attempt_count":     gorm.Expr("attempt_count + 1"),
			"last_attempt_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("queue: mark submitting: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// MarkSucceeded transitions SUBMITTING→SUCCEEDED and records the remote identifier.
func (s *Store) MarkSucceeded(ctx context.Context, localID, remoteID string) error {
	return s.transition(ctx, localID, StateSubmitting, map[string]interface{}{
		"state":         StateSucceeded,
		"remote_id":     remoteID,
		"error_kind":    "",
		"error_message": "",
	})
}

// MarkFailed transitions SUBMITTING→FAILED and stores the terminal error.
func (s *Store) MarkFailed(ctx context.Context, localID string, kind ErrorKind, message string) error {
	return s.transition(ctx, localID, StateSubmitting, map[string]interface{}{
		"state":         StateFailed,
		"error_kind":    kind,
		"error_message": message,
	})
}

// RollbackToPending returns a SUBMITTING mutation to PENDING after a
// transport failure so the next drain pass retries it.
func (s *Store) RollbackToPending(ctx context.Context, localID string) error {
	return s.transition(ctx, localID, StateSubmitting, map[string]interface{}{
		"state": StatePending,
	})
}

// ResetForRetry returns a FAILED mutation to PENDING with a fresh attempt
// budget. Only explicit user action reaches this path.
func (s *Store) ResetForRetry(ctx context.Context, localID string) error {
	return s.transition(ctx, localID, StateFailed, map[string]interface{}{
		"state":             StatePending,
		"attempt_count":     0,
		"last_attempt_at_s": 0,
		"error_kind":        "",
		"error_message":     "",
	})
}

// SetApprovalState updates only the approval sub-state.
func (s *Store) SetApprovalState(ctx context.Context, localID string, state ApprovalState) error {
	return s.update(ctx, localID, map[string]interface{}{"approval_state": state})
}

// MarkApprovalUnsynced flags the approval request as created offline.
func (s *Store) MarkApprovalUnsynced(ctx context.Context, localID string) error {
	return s.update(ctx, localID, map[string]interface{}{
		"approval_state":  ApprovalAwaiting,
		"approval_synced": false,
	})
}

// MarkApprovalSynced records the remote approval registration.
func (s *Store) MarkApprovalSynced(ctx context.Context, localID, approvalRemoteID string, state ApprovalState) error {
	return s.update(ctx, localID, map[string]interface{}{
		"approval_state":     state,
		"approval_synced":    true,
		"approval_remote_id": approvalRemoteID,
	})
}

// SetVisitRemoteID persists the resolved remote visit identifier on a check-out.
func (s *Store) SetVisitRemoteID(ctx context.Context, localID, visitRemoteID string) error {
	return s.update(ctx, localID, map[string]interface{}{"visit_remote_id": visitRemoteID})
}

// Delete removes a mutation record.
func (s *Store) Delete(ctx context.Context, localID string) error {
	result := s.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&PendingMutation{})
	if result.Error != nil {
		return fmt.Errorf("queue: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverInFlight reverts every SUBMITTING row to PENDING. Run once at
// startup: a crash mid-submission must never leave SUBMITTING as a resting
// state.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&PendingMutation{}).
		Where("state = ?", StateSubmitting).
		Update("state", StatePending)
	if result.Error != nil {
		return 0, fmt.Errorf("queue: recover in-flight: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Warn("recovered in-flight mutations after restart", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// PutCorrelation records the remote identifier assigned to a local visit id.
func (s *Store) PutCorrelation(ctx context.Context, localID, remoteID string) error {
	entry := IdentifierCorrelation{
		LocalID:          localID,
		RemoteID:         remoteID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return fmt.Errorf("queue: put correlation: %w", err)
	}
	return nil
}

// GetCorrelation resolves a local visit id to its remote identifier.
func (s *Store) GetCorrelation(ctx context.Context, localID string) (string, error) {
	var entry IdentifierCorrelation
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrCorrelationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("queue: get correlation: %w", err)
	}
	return entry.RemoteID, nil
}

// DeleteCorrelation removes a consumed correlation entry.
func (s *Store) DeleteCorrelation(ctx context.Context, localID string) error {
	if err := s.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&IdentifierCorrelation{}).Error; err != nil {
		return fmt.Errorf("queue: delete correlation: %w", err)
	}
	return nil
}

// CountCorrelations returns the number of live correlation entries.
func (s *Store) CountCorrelations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&IdentifierCorrelation{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("queue: count correlations: %w", err)
	}
	return count, nil
}

func (s *Store) transition(ctx context.Context, localID string, from MutationState, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&PendingMutation{}).
		Where("local_id = ? AND state = ?", localID, from).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("queue: transition from %s: %w", from, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: transition from %s: %w", from, ErrNotFound)
	}
	return nil
}

func (s *Store) update(ctx context.Context, localID string, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&PendingMutation{}).
		Where("local_id = ?", localID).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("queue: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
