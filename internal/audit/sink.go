package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vendalink/fieldsync/internal/queue"
)

// Status is the audited result of one submission attempt.
type Status string

const (
	// StatusSuccess records an accepted submission.
	StatusSuccess Status = "SUCCESS"
	// StatusError records a terminal rejection.
	StatusError Status = "ERROR"
	// StatusPendingApproval records an order parked behind the approval workflow.
	StatusPendingApproval Status = "PENDING_APPROVAL"
)

// Record is one entry in the durable submission log, written per attempt and
// independent of the local queue.
type Record struct {
	DeviceID          string             `json:"deviceId"`
	LocalID           string             `json:"localId"`
	Kind              queue.MutationKind `json:"kind"`
	PayloadJSON       string             `json:"payload"`
	Status            Status             `json:"status"`
	RemoteID          string             `json:"remoteId,omitempty"`
	AttemptCount      int                `json:"attemptCount"`
	Detail            string             `json:"detail,omitempty"`
	RecordedAtSeconds int64              `json:"recordedAtS"`
}

// Sink receives one record per submission attempt.
type Sink interface {
	Record(ctx context.Context, record Record) error
}

// RemoteWriter is the transport half of the remote sink; the submission
// client satisfies it.
type RemoteWriter interface {
	RecordAudit(ctx context.Context, record interface{}) error
}

// RemoteSink ships records to the write-only remote audit endpoint. Delivery
// failures are reported to the caller, who treats them as non-fatal: the
// audit trail supports later reconciliation, it never gates a drain pass.
type RemoteSink struct {
	writer   RemoteWriter
	deviceID string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewRemoteSink constructs a RemoteSink for this device.
func NewRemoteSink(writer RemoteWriter, deviceID string, clock func() time.Time, logger *zap.Logger) *RemoteSink {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteSink{writer: writer, deviceID: deviceID, clock: clock, logger: logger}
}

// Record stamps the device context onto the record and delivers it.
func (s *RemoteSink) Record(ctx context.Context, record Record) error {
	record.DeviceID = s.deviceID
	record.RecordedAtSeconds = s.clock().UTC().Unix()

	if err := s.writer.RecordAudit(ctx, record); err != nil {
		s.logger.Warn("audit record delivery failed",
			zap.String("local_id", record.LocalID),
			zap.String("status", string(record.Status)),
			zap.Error(err))
		return err
	}
	return nil
}
