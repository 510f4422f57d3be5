// Package schedule provides keyed, cancellable delayed tasks tied to an
// owner's lifecycle. Scheduling a task under a key replaces whatever was
// pending under that key, and Close cancels everything still pending so no
// task fires after its owner has been torn down.
package schedule

import (
	"sync"
	"time"
)

// Scheduler runs delayed tasks. The zero value is not usable; use New.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*task
	closed  bool
	running sync.WaitGroup
	nextSeq uint64
}

type task struct {
	seq   uint64
	timer *time.Timer
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]*task)}
}

// After schedules fn to run once after d under key, replacing any task
// pending under the same key. It returns false if the scheduler is closed.
func (s *Scheduler) After(key string, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	s.nextSeq++
	t := &task{seq: s.nextSeq}
	seq := t.seq
	t.timer = time.AfterFunc(d, func() {
		if !s.claim(key, seq) {
			return
		}
		defer s.running.Done()
		fn()
	})
	s.tasks[key] = t
	return true
}

// claim removes the task from the pending set if it is still the current
// task for key, marking it as running. A task that was replaced or
// cancelled after its timer had already fired loses the claim.
func (s *Scheduler) claim(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok || t.seq != seq || s.closed {
		return false
	}
	delete(s.tasks, key)
	s.running.Add(1)
	return true
}

// Cancel stops the task pending under key. It reports whether a task was
// pending.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether a task is scheduled under key and has not started.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Close cancels all pending tasks, waits for tasks already running to
// return, and makes future After calls no-ops. It is safe to call more than
// once. Close must not be called from inside a task.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.running.Wait()
		return
	}
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.running.Wait()
}
