package notify

import (
	"sync/atomic"

	"go.uber.org/zap"
)

// Severity grades a user-facing event.
type Severity string

const (
	// SeverityInfo is a low-urgency notice ("will retry").
	SeverityInfo Severity = "info"
	// SeverityWarning marks conditions needing eventual attention ("awaiting approval").
	SeverityWarning Severity = "warning"
	// SeverityError marks terminal failures with a manual retry action.
	SeverityError Severity = "error"
)

// Event is one user-facing notification.
type Event struct {
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// Notifier receives user-facing events. Implementations must never block the
// caller.
type Notifier interface {
	Notify(event Event)
}

// Buffered queues events for the UI to poll; when the buffer is full the
// event is dropped and counted rather than stalling the orchestrator.
type Buffered struct {
	events  chan Event
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBuffered returns a Buffered notifier with the given capacity.
func NewBuffered(capacity int, logger *zap.Logger) *Buffered {
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffered{events: make(chan Event, capacity), logger: logger}
}

// Notify enqueues the event without blocking.
func (b *Buffered) Notify(event Event) {
	select {
	case b.events <- event:
	default:
		dropped := b.dropped.Add(1)
		b.logger.Warn("notification dropped", zap.String("title", event.Title), zap.Int64("dropped_total", dropped))
	}
}

// Events exposes the queue for the consuming surface.
func (b *Buffered) Events() <-chan Event {
	return b.events
}

// Dropped reports how many events were discarded due to a full buffer.
func (b *Buffered) Dropped() int64 {
	return b.dropped.Load()
}

// Drain removes and returns all currently queued events without blocking.
func (b *Buffered) Drain() []Event {
	var drained []Event
	for {
		select {
		case event := <-b.events:
			drained = append(drained, event)
		default:
			return drained
		}
	}
}
