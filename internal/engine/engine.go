package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/audit"
	"github.com/vendalink/fieldsync/internal/connectivity"
	"github.com/vendalink/fieldsync/internal/notify"
	"github.com/vendalink/fieldsync/internal/queue"
	"github.com/vendalink/fieldsync/internal/remote"
)

var (
	errMissingStore  = errors.New("mutation store is required")
	errMissingClient = errors.New("submission client is required")
	errMissingSignal = errors.New("connectivity signal is required")
	noOpLogger       = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew      = "engine.new"
	opCreate   = "engine.create_mutation"
	opDrain    = "engine.drain"
	opRetryOne = "engine.retry_one"
	opProcess  = "engine.process_mutation"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Submitter sends one mutation to the remote system of record.
type Submitter interface {
	Submit(ctx context.Context, mutation queue.PendingMutation) remote.Outcome
}

// ApprovalCoordinator gates orders behind the approval workflow.
type ApprovalCoordinator interface {
	RequestApproval(ctx context.Context, mutation queue.PendingMutation) (queue.ApprovalState, error)
	SyncPending(ctx context.Context) error
}

// OrchestratorConfig wires the sync orchestrator.
type OrchestratorConfig struct {
	Store            *queue.Store
	Client           Submitter
	Approvals        ApprovalCoordinator
	Signal           *connectivity.Signal
	Audit            audit.Sink
	Notifier         notify.Notifier
	Logger           *zap.Logger
	Clock            func() time.Time
	RetryMinInterval time.Duration
}

// Orchestrator is the reconciliation core: it accepts device-created
// mutations, attempts immediate submission, and drains the durable queue when
// connectivity allows. All submission paths serialize on one drain lock, so a
// mutation is never in flight twice.
type Orchestrator struct {
	store            *queue.Store
	client           Submitter
	approvals        ApprovalCoordinator
	signal           *connectivity.Signal
	audit            audit.Sink
	notifier         notify.Notifier
	logger           *zap.Logger
	clock            func() time.Time
	retryMinInterval time.Duration

	drainMu  sync.Mutex
	draining atomic.Bool

	watchCancel func()
	wg          sync.WaitGroup
}

// NewOrchestrator validates the configuration and returns an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.Client == nil {
		return nil, newServiceError(opNew, "missing_client", errMissingClient)
	}
	if cfg.Signal == nil {
		return nil, newServiceError(opNew, "missing_signal", errMissingSignal)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = discardNotifier{}
	}
	return &Orchestrator{
		store:            cfg.Store,
		client:           cfg.Client,
		approvals:        cfg.Approvals,
		signal:           cfg.Signal,
		audit:            cfg.Audit,
		notifier:         notifier,
		logger:           logger,
		clock:            clock,
		retryMinInterval: cfg.RetryMinInterval,
	}, nil
}

// Start subscribes to connectivity edges; an offline→online transition
// triggers a full drain.
func (o *Orchestrator) Start() {
	edges, cancel := o.signal.Subscribe()
	o.watchCancel = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for edge := range edges {
			if edge != connectivity.EdgeOnline {
				continue
			}
			o.logger.Info("connectivity restored, draining queue")
			if err := o.Drain(context.Background()); err != nil {
				o.logger.Error("drain after reconnect failed", zap.Error(err))
			}
		}
	}()
}

// Stop detaches the connectivity watcher and waits for it to exit. A drain
// pass already in flight finishes its current mutation first.
func (o *Orchestrator) Stop() {
	if o.watchCancel != nil {
		o.watchCancel()
	}
	o.wg.Wait()
}

// CreateMutation persists a new mutation and, when possible, submits it
// immediately. Orders carrying rule violations route through the approval
// workflow first and are excluded from submission until approved.
func (o *Orchestrator) CreateMutation(ctx context.Context, draft queue.Draft, violations []string) (queue.PendingMutation, error) {
	if len(violations) > 0 {
		if draft.Kind != queue.KindOrder {
			return queue.PendingMutation{}, newServiceError(opCreate, "violations_on_non_order", queue.ErrInvalidKind)
		}
		encoded, err := json.Marshal(violations)
		if err != nil {
			return queue.PendingMutation{}, newServiceError(opCreate, "encode_violations", err)
		}
		draft.ViolationsJSON = string(encoded)
	}

	mutation, err := o.store.Enqueue(ctx, draft)
	if err != nil {
		// Durable write failed and nothing was attempted remotely: this is
		// the one error that must reach the user loudly.
		return queue.PendingMutation{}, newServiceError(opCreate, "enqueue_failed", err)
	}

	if len(violations) > 0 && o.approvals != nil {
		state, approvalErr := o.approvals.RequestApproval(ctx, mutation)
		if approvalErr != nil {
			return queue.PendingMutation{}, newServiceError(opCreate, "approval_request_failed", approvalErr)
		}
		o.recordAudit(ctx, mutation, audit.StatusPendingApproval, "", "awaiting approval decision")
		if state != queue.ApprovalApproved {
			return o.store.Get(ctx, mutation.LocalID)
		}
	}

	if o.signal.IsOnline() {
		o.drainMu.Lock()
		o.processOne(ctx, mutation.LocalID)
		o.drainMu.Unlock()
	}

	return o.store.Get(ctx, mutation.LocalID)
}

// Drain runs one full reconciliation pass: approvals first, then all
// check-ins, then orders, then check-outs. Concurrent triggers collapse into
// the running pass.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if !o.drainMu.TryLock() {
		o.logger.Debug("drain already in progress, skipping trigger")
		return nil
	}
	defer o.drainMu.Unlock()

	if !o.signal.IsOnline() {
		return nil
	}

	o.draining.Store(true)
	defer o.draining.Store(false)

	if o.approvals != nil {
		if err := o.approvals.SyncPending(ctx); err != nil {
			o.logger.Error("approval sync failed", zap.Error(err))
		}
	}

	pending, err := o.store.ListPending(ctx)
	if err != nil {
		return newServiceError(opDrain, "list_pending", err)
	}

	now := o.clock().UTC()
	for _, mutation := range drainOrder(pending) {
		// An online→offline edge interrupts the pass between mutations; the
		// one in flight always resolves first.
		if !o.signal.IsOnline() {
			o.logger.Info("connectivity lost, interrupting drain pass")
			break
		}
		if mutation.RequiresApproval() {
			continue
		}
		if o.retryMinInterval > 0 && mutation.AttemptCount > 0 {
			sinceLast := now.Sub(time.Unix(mutation.LastAttemptAtS, 0))
			if sinceLast < o.retryMinInterval {
				continue
			}
		}
		o.processOne(ctx, mutation.LocalID)
	}
	return nil
}

// RetryOne resets a FAILED mutation and processes it immediately. The user
// is the only caller; the drain lock serializes it against full passes.
func (o *Orchestrator) RetryOne(ctx context.Context, localID string) (queue.PendingMutation, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	mutation, err := o.store.Get(ctx, localID)
	if err != nil {
		return queue.PendingMutation{}, newServiceError(opRetryOne, "load_failed", err)
	}
	if mutation.RequiresApproval() {
		return queue.PendingMutation{}, newServiceError(opRetryOne, "approval_gated",
			fmt.Errorf("mutation %s is %s", localID, mutation.ApprovalState))
	}

	switch mutation.State {
	case queue.StateFailed:
		if err := o.store.ResetForRetry(ctx, localID); err != nil {
			return queue.PendingMutation{}, newServiceError(opRetryOne, "reset_failed", err)
		}
	case queue.StatePending:
		// Already queued; fall through to an immediate attempt.
	default:
		return queue.PendingMutation{}, newServiceError(opRetryOne, "not_retryable",
			fmt.Errorf("mutation %s is %s", localID, mutation.State))
	}

	if o.signal.IsOnline() {
		o.processOne(ctx, localID)
	}
	return o.store.Get(ctx, localID)
}

// Status summarizes the engine for the device UI.
type Status struct {
	Online       bool  `json:"online"`
	Draining     bool  `json:"draining"`
	Pending      int64 `json:"pending"`
	Failed       int64 `json:"failed"`
	Correlations int64 `json:"correlations"`
}

// CurrentStatus reports the advisory connectivity state and queue depths.
func (o *Orchestrator) CurrentStatus(ctx context.Context) (Status, error) {
	pending, err := o.store.CountByState(ctx, queue.StatePending)
	if err != nil {
		return Status{}, err
	}
	failed, err := o.store.CountByState(ctx, queue.StateFailed)
	if err != nil {
		return Status{}, err
	}
	correlations, err := o.store.CountCorrelations(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Online:       o.signal.IsOnline(),
		Draining:     o.draining.Load(),
		Pending:      pending,
		Failed:       failed,
		Correlations: correlations,
	}, nil
}

// drainOrder sequences a pass: every check-in strictly before any check-out,
// orders in between. Independent aggregates carry no relative ordering
// guarantee, so within each group creation order is kept only for
// determinism.
func drainOrder(pending []queue.PendingMutation) []queue.PendingMutation {
	ordered := make([]queue.PendingMutation, 0, len(pending))
	for _, kind := range []queue.MutationKind{queue.KindVisitCheckIn, queue.KindOrder, queue.KindVisitCheckOut} {
		for _, mutation := range pending {
			if mutation.Kind == kind {
				ordered = append(ordered, mutation)
			}
		}
	}
	return ordered
}

// processOne submits a single mutation and applies the outcome. The caller
// must hold the drain lock. Errors are contained here: one mutation's
// processing never aborts the pass for the ones behind it.
func (o *Orchestrator) processOne(ctx context.Context, localID string) {
	mutation, err := o.store.Get(ctx, localID)
	if err != nil {
		o.logError(opProcess, "load_failed", err, localID)
		return
	}
	if mutation.State != queue.StatePending || mutation.RequiresApproval() {
		return
	}

	if mutation.Kind == queue.KindVisitCheckOut {
		resolved, ok := o.resolveVisitID(ctx, &mutation)
		if !ok {
			// Dependency unresolved: a normal skip, never an error.
			o.logger.Debug("check-out dependency unresolved, skipping",
				zap.String("local_id", localID),
				zap.String("depends_on", mutation.DependsOnLocalID))
			return
		}
		mutation.VisitRemoteID = resolved
	}

	claimed, err := o.store.MarkSubmitting(ctx, localID)
	if err != nil {
		o.logError(opProcess, "claim_failed", err, localID)
		return
	}
	if !claimed {
		return
	}

	// Reload for the bumped attempt counter; the audit record carries it.
	if refreshed, refreshErr := o.store.Get(ctx, localID); refreshErr == nil {
		refreshed.VisitRemoteID = mutation.VisitRemoteID
		mutation = refreshed
	}

	outcome := o.client.Submit(ctx, mutation)
	o.applyOutcome(ctx, mutation, outcome)
}

// resolveVisitID produces the remote visit identifier a check-out must carry:
// either the one it was created with, or the correlation written when its
// check-in succeeded. The resolved value is persisted before submission so a
// crash cannot lose it.
func (o *Orchestrator) resolveVisitID(ctx context.Context, mutation *queue.PendingMutation) (string, bool) {
	if mutation.VisitRemoteID != "" {
		return mutation.VisitRemoteID, true
	}

	remoteID, err := o.store.GetCorrelation(ctx, mutation.DependsOnLocalID)
	if errors.Is(err, queue.ErrCorrelationNotFound) {
		return "", false
	}
	if err != nil {
		o.logError(opProcess, "correlation_lookup_failed", err, mutation.LocalID)
		return "", false
	}

	if err := o.store.SetVisitRemoteID(ctx, mutation.LocalID, remoteID); err != nil {
		o.logError(opProcess, "correlation_persist_failed", err, mutation.LocalID)
		return "", false
	}
	return remoteID, true
}

func (o *Orchestrator) applyOutcome(ctx context.Context, mutation queue.PendingMutation, outcome remote.Outcome) {
	switch outcome.Status {
	case remote.StatusSuccess:
		if err := o.store.MarkSucceeded(ctx, mutation.LocalID, outcome.RemoteID); err != nil {
			o.logError(opProcess, "mark_succeeded_failed", err, mutation.LocalID)
			return
		}
		if mutation.Kind == queue.KindVisitCheckIn {
			if err := o.store.PutCorrelation(ctx, mutation.LocalID, outcome.RemoteID); err != nil {
				o.logError(opProcess, "correlation_write_failed", err, mutation.LocalID)
			}
		}
		if mutation.Kind == queue.KindVisitCheckOut && mutation.DependsOnLocalID != "" {
			if err := o.store.DeleteCorrelation(ctx, mutation.DependsOnLocalID); err != nil {
				o.logError(opProcess, "correlation_delete_failed", err, mutation.LocalID)
			}
		}
		o.recordAudit(ctx, mutation, audit.StatusSuccess, outcome.RemoteID, "")
		o.notifier.Notify(notify.Event{
			Severity:    notify.SeverityInfo,
			Title:       successTitle(mutation.Kind),
			Description: fmt.Sprintf("Remote id %s assigned.", outcome.RemoteID),
		})

	case remote.StatusValidationFailure:
		if err := o.store.MarkFailed(ctx, mutation.LocalID, queue.ErrorKindValidation, outcome.Message); err != nil {
			o.logError(opProcess, "mark_failed_failed", err, mutation.LocalID)
			return
		}
		o.recordAudit(ctx, mutation, audit.StatusError, "", outcome.Message)
		o.notifier.Notify(notify.Event{
			Severity:    notify.SeverityError,
			Title:       failureTitle(mutation.Kind),
			Description: outcome.Message,
		})

	case remote.StatusTransportFailure:
		// Expected transient condition: back to PENDING, no ERROR audit.
		if err := o.store.RollbackToPending(ctx, mutation.LocalID); err != nil {
			o.logError(opProcess, "rollback_failed", err, mutation.LocalID)
			return
		}
		o.logger.Info("submission deferred on transport failure",
			zap.String("local_id", mutation.LocalID),
			zap.String("detail", outcome.Message))
		o.notifier.Notify(notify.Event{
			Severity:    notify.SeverityInfo,
			Title:       "Submission postponed",
			Description: "The remote system is unreachable; the action will retry automatically.",
		})
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, mutation queue.PendingMutation, status audit.Status, remoteID, detail string) {
	if o.audit == nil {
		return
	}
	record := audit.Record{
		LocalID:      mutation.LocalID,
		Kind:         mutation.Kind,
		PayloadJSON:  mutation.PayloadJSON,
		Status:       status,
		RemoteID:     remoteID,
		AttemptCount: mutation.AttemptCount,
		Detail:       detail,
	}
	if err := o.audit.Record(ctx, record); err != nil {
		// Audit is best effort; the sink already logged the detail.
		o.logger.Debug("audit record not delivered", zap.String("local_id", mutation.LocalID))
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, localID string) {
	o.logger.Error("engine error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("local_id", localID),
		zap.Error(err))
}

func successTitle(kind queue.MutationKind) string {
	switch kind {
	case queue.KindOrder:
		return "Order submitted"
	case queue.KindVisitCheckIn:
		return "Visit check-in synced"
	case queue.KindVisitCheckOut:
		return "Visit check-out synced"
	}
	return "Action synced"
}

func failureTitle(kind queue.MutationKind) string {
	switch kind {
	case queue.KindOrder:
		return "Order rejected"
	case queue.KindVisitCheckIn:
		return "Visit check-in rejected"
	case queue.KindVisitCheckOut:
		return "Visit check-out rejected"
	}
	return "Action rejected"
}

type discardNotifier struct{}

func (discardNotifier) Notify(notify.Event) {}
