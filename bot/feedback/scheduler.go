// Package feedback schedules post-conversation rating prompts and stores the ratings.
package feedback

import (
	"sync"
	"time"
)

type slot struct {
	timer *time.Timer
	gen   uint64
	fired bool
}

// Scheduler keeps at most one deferred task per key. Scheduling a key again
// cancels the previous task; only the latest one may run.
type Scheduler[K comparable] struct {
	mu      sync.Mutex
	slots   map[K]*slot
	nextGen uint64
	stopped bool
}

// NewScheduler returns an empty Scheduler.
func NewScheduler[K comparable]() *Scheduler[K] {
	return &Scheduler[K]{slots: make(map[K]*slot)}
}

// Schedule runs fn after delay unless superseded or cancelled first, and
// returns the generation of the new task. fn receives that generation.
func (s *Scheduler[K]) Schedule(key K, delay time.Duration, fn func(gen uint64)) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	if prev, ok := s.slots[key]; ok {
		prev.timer.Stop()
	}
	s.nextGen++
	gen := s.nextGen
	sl := &slot{gen: gen}
	sl.timer = time.AfterFunc(delay, func() { s.fire(key, gen, fn) })
	s.slots[key] = sl
	return gen
}

func (s *Scheduler[K]) fire(key K, gen uint64, fn func(uint64)) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.gen != gen || sl.fired || s.stopped {
		s.mu.Unlock()
		return
	}
	sl.fired = true
	s.mu.Unlock()
	fn(gen)
}

// Cancel drops the pending task for key, if any.
func (s *Scheduler[K]) Cancel(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		sl.timer.Stop()
		delete(s.slots, key)
	}
}

// Pending reports whether a task for key is waiting to run.
func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	return ok && !sl.fired
}

// Current reports whether gen is still the latest task scheduled for key.
// A task that started running stays current until the key is scheduled or cancelled again.
func (s *Scheduler[K]) Current(key K, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	return ok && sl.gen == gen
}

// Len returns the number of pending tasks.
func (s *Scheduler[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if !sl.fired {
			n++
		}
	}
	return n
}

// Stop cancels every pending task and rejects new ones.
func (s *Scheduler[K]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, sl := range s.slots {
		sl.timer.Stop()
		delete(s.slots, key)
	}
}
