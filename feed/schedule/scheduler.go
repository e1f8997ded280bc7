// Package schedule runs delayed and repeating callbacks that are guaranteed to
// stop once cancelled.
package schedule

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Task is a handle to one scheduled callback
type Task struct {
	mu        sync.Mutex
	cancelled bool
	timer     *clock.Timer
	ticker    *clock.Ticker
	done      chan struct{}
	owner     *Scheduler
}

// Cancel stops the task. After Cancel returns the callback will not start again;
// a run that already started is allowed to finish, as with time.Timer.Stop.
// Cancel never waits on the callback, so the callback may cancel its own task
// or any other.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	if t.ticker != nil {
		t.ticker.Stop()
		close(t.done)
	}
	t.mu.Unlock()

	if t.owner != nil {
		t.owner.forget(t)
	}
}

// Cancelled reports whether Cancel was called
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// run invokes fn unless the task was cancelled. mu is released before fn runs.
func (t *Task) run(fn func()) bool {
	t.mu.Lock()
	cancelled := t.cancelled
	t.mu.Unlock()
	if cancelled {
		return false
	}
	fn()
	return true
}

// Scheduler owns a set of tasks driven by one clock
type Scheduler struct {
	clock  clock.Clock
	mu     sync.Mutex
	tasks  map[*Task]struct{}
	closed bool
}

// New creates a scheduler on the given clock
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock: clk,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the scheduler's clock
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// After runs fn once after d
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{owner: s}
	if !s.track(t) {
		t.cancelled = true
		return t
	}

	t.mu.Lock()
	t.timer = s.clock.AfterFunc(d, func() {
		if t.run(fn) {
			s.forget(t)
		}
	})
	t.mu.Unlock()
	return t
}

// Every runs fn every d until cancelled
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	t := &Task{owner: s, done: make(chan struct{})}
	if !s.track(t) {
		t.cancelled = true
		return t
	}

	t.mu.Lock()
	t.ticker = s.clock.Ticker(d)
	ticker := t.ticker
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if !t.run(fn) {
					return
				}
			case <-t.done:
				return
			}
		}
	}()
	return t
}

// Pending returns the number of live tasks
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every task and rejects new ones
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

func (s *Scheduler) track(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks[t] = struct{}{}
	return true
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}
