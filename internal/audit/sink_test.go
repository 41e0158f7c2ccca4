package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vendalink/fieldsync/internal/queue"
)

type fakeWriter struct {
	records []Record
	err     error
}

func (w *fakeWriter) RecordAudit(_ context.Context, record interface{}) error {
	if w.err != nil {
		return w.err
	}
	w.records = append(w.records, record.(Record))
	return nil
}

func TestRemoteSinkStampsDeviceContext(t *testing.T) {
	writer := &fakeWriter{}
	clock := func() time.Time { return time.Unix(1700000000, 0) }
	sink := NewRemoteSink(writer, "device-42", clock, nil)

	err := sink.Record(context.Background(), Record{
		LocalID:      "local-1",
		Kind:         queue.KindOrder,
		PayloadJSON:  `{"codParc":500}`,
		Status:       StatusSuccess,
		RemoteID:     "ORD-1001",
		AttemptCount: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(writer.records) != 1 {
		t.Fatalf("expected one delivered record, got %d", len(writer.records))
	}
	record := writer.records[0]
	if record.DeviceID != "device-42" {
		t.Fatalf("expected device context, got %q", record.DeviceID)
	}
	if record.RecordedAtSeconds != 1700000000 {
		t.Fatalf("expected clock-stamped record, got %d", record.RecordedAtSeconds)
	}
	if record.Status != StatusSuccess || record.RemoteID != "ORD-1001" {
		t.Fatalf("unexpected record: %#v", record)
	}
}

func TestRemoteSinkPropagatesDeliveryFailure(t *testing.T) {
	writer := &fakeWriter{err: errors.New("audit endpoint down")}
	sink := NewRemoteSink(writer, "device-42", nil, nil)

	if err := sink.Record(context.Background(), Record{LocalID: "local-1"}); err == nil {
		t.Fatalf("expected delivery failure to propagate")
	}
}
