package engine

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers periodic drain passes as a safety net for transport
// failures that never produce a connectivity edge.
type Scheduler struct {
	orchestrator *Orchestrator
	schedule     string
	logger       *zap.Logger
	cron         *cron.Cron
}

// NewScheduler wires a cron-driven drain trigger. An empty schedule disables it.
func NewScheduler(orchestrator *Orchestrator, schedule string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		orchestrator: orchestrator,
		schedule:     schedule,
		logger:       logger,
		cron:         cron.New(),
	}
}

// Start registers the drain job and begins the cron loop.
func (s *Scheduler) Start() error {
	if s.schedule == "" {
		s.logger.Info("drain scheduler disabled")
		return nil
	}

	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.orchestrator.Drain(context.Background()); err != nil {
			s.logger.Error("scheduled drain failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("drain scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop halts the cron loop; a running drain finishes its current mutation.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
