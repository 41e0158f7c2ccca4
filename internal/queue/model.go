package queue

import (
	"errors"
	"fmt"
	"strings"
)

// MutationKind enumerates the business actions the engine can carry.
type MutationKind string

const (
	// KindOrder is a sales order created on the device.
	KindOrder MutationKind = "ORDER"
	// KindVisitCheckIn opens a customer visit.
	KindVisitCheckIn MutationKind = "VISIT_CHECKIN"
	// KindVisitCheckOut closes a customer visit opened by a check-in.
	KindVisitCheckOut MutationKind = "VISIT_CHECKOUT"
)

// MutationState tracks delivery progress towards the remote system.
type MutationState string

const (
	// StatePending means the mutation is queued and eligible for submission.
	StatePending MutationState = "PENDING"
	// StateSubmitting means a drain pass currently holds the mutation in flight.
	StateSubmitting MutationState = "SUBMITTING"
	// StateSucceeded means the remote system accepted the mutation.
	StateSucceeded MutationState = "SUCCEEDED"
	// StateFailed means the remote system rejected the mutation content.
	StateFailed MutationState = "FAILED"
)

// ApprovalState is the authorization sub-state, orthogonal to MutationState.
type ApprovalState string

const (
	// ApprovalNormal means no approval workflow applies.
	ApprovalNormal ApprovalState = "NORMAL"
	// ApprovalAwaiting blocks submission until a human decision arrives.
	ApprovalAwaiting ApprovalState = "AWAITING_APPROVAL"
	// ApprovalApproved re-enables submission.
	ApprovalApproved ApprovalState = "APPROVED"
	// ApprovalRejected permanently blocks submission.
	ApprovalRejected ApprovalState = "REJECTED"
)

// ErrorKind classifies the terminal failure stored with a FAILED mutation.
type ErrorKind string

const (
	// ErrorKindValidation marks a rejection that a retry with the same payload cannot fix.
	ErrorKindValidation ErrorKind = "VALIDATION"
	// ErrorKindTransport marks an infrastructure failure worth retrying.
	ErrorKindTransport ErrorKind = "TRANSPORT"
)

var (
	// ErrInvalidKind indicates an unknown mutation kind.
	ErrInvalidKind = errors.New("queue: invalid mutation kind")
	// ErrEmptyPayload indicates a mutation without a payload body.
	ErrEmptyPayload = errors.New("queue: payload is required")
	// ErrMissingDependency indicates a check-out with neither a remote visit id nor a check-in reference.
	ErrMissingDependency = errors.New("queue: check-out requires a visit reference")
)

// NewMutationKind validates raw input and returns a MutationKind.
func NewMutationKind(rawInput string) (MutationKind, error) {
	kind := MutationKind(strings.ToUpper(strings.TrimSpace(rawInput)))
	switch kind {
	case KindOrder, KindVisitCheckIn, KindVisitCheckOut:
		return kind, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, rawInput)
}

// PendingMutation is one not-yet-confirmed business action persisted on the device.
type PendingMutation struct {
	LocalID          string        `gorm:"column:local_id;primaryKey;size:190;not null"`
	Kind             MutationKind  `gorm:"column:kind;size:32;not null;index:idx_mutations_state_kind,priority:2"`
	PayloadJSON      string        `gorm:"column:payload_json;type:text;not null"`
	State            MutationState `gorm:"column:state;size:32;not null;index:idx_mutations_state_kind,priority:1"`
	ApprovalState    ApprovalState `gorm:"column:approval_state;size:32;not null;default:'NORMAL'"`
	DependsOnLocalID string        `gorm:"column:depends_on_local_id;size:190;not null;default:''"`
	VisitRemoteID    string        `gorm:"column:visit_remote_id;size:190;not null;default:''"`
	RemoteID         string        `gorm:"column:remote_id;size:190;not null;default:''"`
	AttemptCount     int           `gorm:"column:attempt_count;not null;default:0"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null"`
	LastAttemptAtS   int64         `gorm:"column:last_attempt_at_s;not null;default:0"`
	ErrorKind        ErrorKind     `gorm:"column:error_kind;size:32;not null;default:''"`
	ErrorMessage     string        `gorm:"column:error_message;type:text;not null;default:''"`
	ViolationsJSON   string        `gorm:"column:violations_json;type:text;not null;default:''"`
	Justification    string        `gorm:"column:justification;type:text;not null;default:''"`
	ApprovalRemoteID string        `gorm:"column:approval_remote_id;size:190;not null;default:''"`
	ApprovalSynced   bool          `gorm:"column:approval_synced;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// RequiresApproval reports whether the mutation is gated by the approval workflow.
func (m PendingMutation) RequiresApproval() bool {
	return m.ApprovalState == ApprovalAwaiting || m.ApprovalState == ApprovalRejected
}

// IdentifierCorrelation maps a device-local visit identifier to the remote-assigned one.
type IdentifierCorrelation struct {
	LocalID          string `gorm:"column:local_id;primaryKey;size:190;not null"`
	RemoteID         string `gorm:"column:remote_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IdentifierCorrelation) TableName() string {
	return "identifier_correlations"
}

// Draft is the input supplied when a mutation is created on the device.
type Draft struct {
	Kind             MutationKind
	PayloadJSON      string
	DependsOnLocalID string
	VisitRemoteID    string
	ViolationsJSON   string
	Justification    string
}

func (d Draft) validate() error {
	if _, err := NewMutationKind(string(d.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(d.PayloadJSON) == "" {
		return ErrEmptyPayload
	}
	if d.Kind == KindVisitCheckOut && d.DependsOnLocalID == "" && d.VisitRemoteID == "" {
		return ErrMissingDependency
	}
	return nil
}
