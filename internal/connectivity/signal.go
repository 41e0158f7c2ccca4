package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// Edge is a connectivity transition event.
type Edge int

const (
	// EdgeOnline fires on an offline→online transition.
	EdgeOnline Edge = iota
	// EdgeOffline fires on an online→offline transition.
	EdgeOffline
)

// Signal exposes the current online/offline state and its transition edges.
// The state is advisory: a submission attempt remains the ground truth. It is
// safe for concurrent use.
type Signal struct {
	logger *zap.Logger

	mu          sync.Mutex
	online      bool
	subscribers map[int]chan Edge
	nextID      int
}

// NewSignal returns a Signal starting in the given state.
func NewSignal(online bool, logger *zap.Logger) *Signal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Signal{
		logger:      logger,
		online:      online,
		subscribers: map[int]chan Edge{},
	}
}

// IsOnline reports the current advisory state.
func (s *Signal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set records a new observation, emitting an edge to every subscriber only
// when the state actually changes. A subscriber that is not draining its
// channel misses the edge rather than blocking the caller.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == online {
		return
	}
	s.online = online

	edge := EdgeOffline
	if online {
		edge = EdgeOnline
	}
	s.logger.Info("connectivity changed", zap.Bool("online", online))

	for id, subscriber := range s.subscribers {
		select {
		case subscriber <- edge:
		default:
			s.logger.Debug("connectivity edge dropped", zap.Int("subscriber", id))
		}
	}
}

// Subscribe registers for transition edges. The returned cancel func must be
// called to release the subscription.
func (s *Signal) Subscribe() (<-chan Edge, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	channel := make(chan Edge, 4)
	s.subscribers[id] = channel

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(channel)
		}
	}
	return channel, cancel
}
