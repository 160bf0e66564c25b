package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerSkipsOverlappingTicks(t *testing.T) {
	s := NewScheduler()

	var started, concurrent atomic.Int32
	s.Add("slow", 10*time.Millisecond, func(ctx context.Context) {
		if started.Add(1) > 1 {
			concurrent.Add(1)
		}
		time.Sleep(100 * time.Millisecond)
		started.Add(-1)
	})

	s.Start(context.Background())
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if concurrent.Load() != 0 {
		t.Errorf("%d overlapping runs of the same task", concurrent.Load())
	}
}

func TestSchedulerCancelsAsUnit(t *testing.T) {
	s := NewScheduler()

	var ticks atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		s.Add(name, 10*time.Millisecond, func(ctx context.Context) {
			ticks.Add(1)
		})
	}

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if ticks.Load() == 0 {
		t.Fatal("no task ever ticked")
	}

	// No orphaned timers after Stop.
	before := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if after := ticks.Load(); after != before {
		t.Errorf("tasks still ticking after Stop: %d -> %d", before, after)
	}
}

func TestSchedulerStopsOnParentCancel(t *testing.T) {
	s := NewScheduler()

	var ticks atomic.Int32
	s.Add("t", 10*time.Millisecond, func(ctx context.Context) {
		ticks.Add(1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(35 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)

	before := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if after := ticks.Load(); after != before {
		t.Errorf("tasks still ticking after parent cancel: %d -> %d", before, after)
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	s := NewScheduler()
	s.Add("t", time.Hour, func(ctx context.Context) {})
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	if s.Running() {
		t.Error("scheduler reports running after Stop")
	}
}
