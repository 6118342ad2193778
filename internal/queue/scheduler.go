package queue

import (
	"sync"
	"time"
)

// scheduler keeps at most one expiry timer per entry
type scheduler struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[int64]*time.Timer)}
}

// schedule arms fn to run after d. It returns false if a timer is already armed for id.
func (s *scheduler) schedule(id int64, d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.timers[id]; ok {
		return false
	}
	s.timers[id] = time.AfterFunc(d, func() {
		s.forget(id)
		fn()
	})
	return true
}

func (s *scheduler) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

// stop disarms the timer for id. A timer that already fired still runs its callback,
// which must check entry state itself.
func (s *scheduler) stop(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *scheduler) pending(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

func (s *scheduler) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
