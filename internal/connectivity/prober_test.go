package connectivity

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestProberFeedsSignal(t *testing.T) {
	signal := NewSignal(false, nil)
	edges, cancel := signal.Subscribe()
	defer cancel()

	var reachable atomic.Bool
	reachable.Store(true)
	probe := func(context.Context) bool { return reachable.Load() }

	prober := NewProber(signal, probe, 10*time.Millisecond, nil)
	prober.Start()
	defer prober.Stop()

	if edge := receiveEdge(t, edges); edge != EdgeOnline {
		t.Fatalf("expected online edge from first probe, got %v", edge)
	}

	reachable.Store(false)
	if edge := receiveEdge(t, edges); edge != EdgeOffline {
		t.Fatalf("expected offline edge after probe failure, got %v", edge)
	}
}

func TestProberStopTerminatesLoop(t *testing.T) {
	signal := NewSignal(false, nil)
	var calls atomic.Int64
	probe := func(context.Context) bool {
		calls.Add(1)
		return false
	}

	prober := NewProber(signal, probe, 5*time.Millisecond, nil)
	prober.Start()
	time.Sleep(20 * time.Millisecond)
	prober.Stop()

	settled := calls.Load()
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != settled {
		t.Fatalf("expected no probes after Stop")
	}
}
