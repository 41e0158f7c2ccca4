package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/notify"
	"github.com/vendalink/fieldsync/internal/queue"
	"github.com/vendalink/fieldsync/internal/remote"
)

var (
	errMissingStore    = errors.New("mutation store is required")
	errMissingRegistry = errors.New("approval registry is required")
	// ErrNotAwaitingApproval indicates a resolution event for a mutation that
	// is not parked in the approval workflow.
	ErrNotAwaitingApproval = errors.New("approval: mutation is not awaiting approval")
)

// Registry registers approval requests with the remote registry endpoint.
type Registry interface {
	RegisterApproval(ctx context.Context, request remote.ApprovalRequest) remote.Outcome
}

// Connectivity reports the advisory online state.
type Connectivity interface {
	IsOnline() bool
}

// CoordinatorConfig wires the approval workflow coordinator.
type CoordinatorConfig struct {
	Store        *queue.Store
	Registry     Registry
	Connectivity Connectivity
	Notifier     notify.Notifier
	DeviceID     string
	Logger       *zap.Logger
}

// Coordinator decides whether an order may proceed to submission and keeps
// offline-created approval requests flowing to the remote registry.
type Coordinator struct {
	store        *queue.Store
	registry     Registry
	connectivity Connectivity
	notifier     notify.Notifier
	deviceID     string
	logger       *zap.Logger
}

// NewCoordinator validates the configuration and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Coordinator{
		store:        cfg.Store,
		registry:     cfg.Registry,
		connectivity: cfg.Connectivity,
		notifier:     notifier,
		deviceID:     cfg.DeviceID,
		logger:       logger,
	}, nil
}

// RequestApproval parks the order behind the approval workflow and, when the
// device is online, registers the request remotely right away. The returned
// state is the approval sub-state after the attempt.
func (c *Coordinator) RequestApproval(ctx context.Context, mutation queue.PendingMutation) (queue.ApprovalState, error) {
	if c.connectivity == nil || !c.connectivity.IsOnline() {
		if err := c.store.MarkApprovalUnsynced(ctx, mutation.LocalID); err != nil {
			return "", err
		}
		c.notifier.Notify(notify.Event{
			Severity:    notify.SeverityWarning,
			Title:       "Order awaiting approval",
			Description: "The approval request will be sent when connectivity returns.",
		})
		return queue.ApprovalAwaiting, nil
	}

	if err := c.store.MarkApprovalUnsynced(ctx, mutation.LocalID); err != nil {
		return "", err
	}
	return c.register(ctx, mutation)
}

// SyncPending pushes approval requests that were created while offline. It
// runs before ordinary mutations drain. A registration that fails on
// transport stays queued for the next pass; that degradation is deliberate
// and surfaced only as a low-urgency notice.
func (c *Coordinator) SyncPending(ctx context.Context) error {
	pending, err := c.store.ListUnsyncedApprovals(ctx)
	if err != nil {
		return err
	}

	for _, mutation := range pending {
		state, registerErr := c.register(ctx, mutation)
		if registerErr != nil {
			c.logger.Error("approval sync failed",
				zap.String("local_id", mutation.LocalID), zap.Error(registerErr))
			continue
		}
		if state == queue.ApprovalAwaiting && !c.isSynced(ctx, mutation.LocalID) {
			// Registry unreachable; later passes will pick the rest up.
			return nil
		}
	}
	return nil
}

// Resolve applies a human approval decision observed locally or via sync.
func (c *Coordinator) Resolve(ctx context.Context, localID string, approved bool, reason string) error {
	mutation, err := c.store.Get(ctx, localID)
	if err != nil {
		return err
	}
	if mutation.ApprovalState != queue.ApprovalAwaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, localID, mutation.ApprovalState)
	}

	if approved {
		if err := c.store.SetApprovalState(ctx, localID, queue.ApprovalApproved); err != nil {
			return err
		}
		c.notifier.Notify(notify.Event{
			Severity:    notify.SeverityInfo,
			Title:       "Order approved",
			Description: "The order is queued for submission.",
		})
		return nil
	}

	if err := c.store.SetApprovalState(ctx, localID, queue.ApprovalRejected); err != nil {
		return err
	}
	description := "The approval request was rejected."
	if reason != "" {
		description = reason
	}
	c.notifier.Notify(notify.Event{
		Severity:    notify.SeverityError,
		Title:       "Order rejected",
		Description: description,
	})
	return nil
}

func (c *Coordinator) register(ctx context.Context, mutation queue.PendingMutation) (queue.ApprovalState, error) {
	outcome := c.registry.RegisterApproval(ctx, remote.ApprovalRequest{
		OrderPayload:  json.RawMessage(mutation.PayloadJSON),
		Violations:    decodeViolations(mutation.ViolationsJSON, c.logger),
		Justification: mutation.Justification,
		DeviceID:      c.deviceID,
	})

	switch outcome.Status {
	case remote.StatusSuccess:
		state := queue.ApprovalAwaiting
		if outcome.Extra["status"] == remote.ApprovalStatusAutoApproved {
			state = queue.ApprovalApproved
		}
		if err := c.store.MarkApprovalSynced(ctx, mutation.LocalID, outcome.RemoteID, state); err != nil {
			return "", err
		}
		if state == queue.ApprovalAwaiting {
			c.notifier.Notify(notify.Event{
				Severity:    notify.SeverityWarning,
				Title:       "Order awaiting approval",
				Description: "The approval request was registered and awaits a decision.",
			})
		}
		return state, nil

	case remote.StatusValidationFailure:
		if err := c.store.MarkApprovalSynced(ctx, mutation.LocalID, "", queue.ApprovalRejected); err != nil {
			return "", err
		}
		c.notifier.Notify(notify.Event{
			Severity:    notify.SeverityError,
			Title:       "Approval request rejected",
			Description: outcome.Message,
		})
		return queue.ApprovalRejected, nil

	default:
		// Transport failure: request stays unsynced for the next pass.
		c.logger.Warn("approval registration unreachable",
			zap.String("local_id", mutation.LocalID), zap.String("detail", outcome.Message))
		return queue.ApprovalAwaiting, nil
	}
}

func (c *Coordinator) isSynced(ctx context.Context, localID string) bool {
	mutation, err := c.store.Get(ctx, localID)
	if err != nil {
		return false
	}
	return mutation.ApprovalSynced
}

func decodeViolations(encoded string, logger *zap.Logger) []string {
	if encoded == "" {
		return nil
	}
	var violations []string
	if err := json.Unmarshal([]byte(encoded), &violations); err != nil {
		logger.Warn("stored violations not decodable", zap.Error(err))
		return nil
	}
	return violations
}

type noopNotifier struct{}

func (noopNotifier) Notify(notify.Event) {}
