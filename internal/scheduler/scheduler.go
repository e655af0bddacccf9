// Package scheduler is the single-process periodic driver: a fixed set
// of named tasks, each on its own ticker, each guarded so a slow tick
// is skipped rather than queued when the previous run is still in
// flight.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskFunc is one scheduler task's body. ctx is cancelled on Stop, so a
// long-running task should select on ctx.Done() at its own suspension
// points rather than assume it will run to completion.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	running  atomic.Bool
	trigger  chan struct{}
}

// Scheduler runs a fixed set of named tasks, each ticking independently.
// Tasks are registered before Start and cannot be added afterward.
//
// Task bodies are plain closures over whatever collaborators they need;
// Go's context cancellation and garbage collector already provide the
// shutdown-time cleanup a manual weak-reference scheme would exist for,
// so tasks hold their dependencies directly rather than through an
// indirection layer.
type Scheduler struct {
	tasks  []*task
	wg     sync.WaitGroup
	stopCh chan struct{}
	paused atomic.Bool

	mu      sync.Mutex
	lastErr map[string]error
}

// New constructs an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		stopCh:  make(chan struct{}),
		lastErr: make(map[string]error),
	}
}

// AddTask registers a task under name, ticking every interval once
// Start runs. Must be called before Start.
func (s *Scheduler) AddTask(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, &task{
		name:     name,
		interval: interval,
		fn:       fn,
		trigger:  make(chan struct{}, 1),
	})
}

// Start launches one goroutine per registered task. It returns
// immediately; call Stop (or cancel ctx) to unwind.
func (s *Scheduler) Start(ctx context.Context) {
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runTask(ctx, t)
	}
}

// Stop signals every task goroutine to exit and waits for them to
// finish their current tick.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// TriggerNow asks the named task to run at its next opportunity without
// waiting for its ticker, e.g. in response to an IPC-driven manual sync
// request. A pending trigger is coalesced: calling it twice before the
// task goroutine wakes up has the same effect as calling it once.
func (s *Scheduler) TriggerNow(name string) {
	for _, t := range s.tasks {
		if t.name != name {
			continue
		}
		select {
		case t.trigger <- struct{}{}:
		default:
		}
		return
	}
}

// Pause stops sync_cycle-class tasks (every task except status_broadcast,
// which keeps reporting the paused state) from running their body on the
// next tick; already-running ticks finish normally. Resume reverses it.
func (s *Scheduler) Pause()         { s.paused.Store(true) }
func (s *Scheduler) Resume()        { s.paused.Store(false) }
func (s *Scheduler) IsPaused() bool { return s.paused.Load() }

// LastError returns the most recent error reported by the named task, or
// nil if it has never failed (or hasn't run yet).
func (s *Scheduler) LastError(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr[name]
}

func (s *Scheduler) setLastError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr[name] = err
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.fire(ctx, t)
		case <-t.trigger:
			s.fire(ctx, t)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, t *task) {
	if s.paused.Load() && t.name != NameStatusBroadcast {
		return
	}
	if !t.running.CompareAndSwap(false, true) {
		log.Debug().Str("task", t.name).Msg("skipping tick, previous run still in flight")
		return
	}
	go func() {
		defer t.running.Store(false)
		start := time.Now()
		err := t.fn(ctx)
		s.setLastError(t.name, err)
		if err != nil {
			log.Error().Err(err).Str("task", t.name).Dur("elapsed", time.Since(start)).Msg("scheduler task failed")
			return
		}
		log.Debug().Str("task", t.name).Dur("elapsed", time.Since(start)).Msg("scheduler task completed")
	}()
}
