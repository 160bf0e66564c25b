package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// task is one named periodic job. The in-flight flag serializes
// overlapping ticks of the same task: a tick that fires while the
// previous run is still going is skipped, not queued.
type task struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
	inFlight atomic.Bool
}

// Scheduler runs named periodic tasks on independent timers. All tasks
// share one context and cancel as a unit on Stop; no orphaned timers
// survive session end.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []*task
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Must be called before Start.
func (s *Scheduler) Add(name string, interval time.Duration, fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// Start launches every registered task. Tasks stop when Stop is called
// or the parent context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, t)
	}
	log.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.inFlight.CompareAndSwap(false, true) {
				log.Debug().Str("task", t.name).Msg("Tick skipped, previous run still in flight")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer t.inFlight.Store(false)
				t.fn(ctx)
			}()
		}
	}
}

// Stop cancels every task and waits for in-flight runs to finish.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

// Running reports whether the scheduler has been started and not yet
// stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
