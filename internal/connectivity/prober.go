package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeFunc answers whether the remote system is currently reachable.
type ProbeFunc func(ctx context.Context) bool

// Prober feeds the Signal from a periodic reachability probe.
type Prober struct {
	signal   *Signal
	probe    ProbeFunc
	interval time.Duration
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProber wires a probe against a signal. Interval values at or below zero
// fall back to thirty seconds.
func NewProber(signal *Signal, probe ProbeFunc, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{signal: signal, probe: probe, interval: interval, logger: logger}
}

// Start begins probing until Stop is called. The first probe runs
// immediately so the agent learns its state at startup rather than one
// interval later.
func (p *Prober) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.signal.Set(p.probe(ctx))

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.signal.Set(p.probe(ctx))
			case <-ctx.Done():
				return
			}
		}
	}()
	p.logger.Info("connectivity prober started", zap.Duration("interval", p.interval))
}

// Stop terminates probing and waits for the probe loop to exit.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
