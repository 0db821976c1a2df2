// Package scheduler provides the timer capability the bridge uses for
// tool-call deadlines, session sweeps, and keepalives. The interface is
// deliberately small so hosts without per-callback timers can supply their
// own implementation; see SingleAlarm for one built on a lone wakeup slot.
package scheduler

import (
	"sync"
	"time"
)

// ID names one scheduled callback. The zero ID is never issued and cancels
// nothing.
type ID int64

// Scheduler runs callbacks after a delay or on a period. Implementations must
// be safe for concurrent use. Callbacks may run in parallel with callers and
// with each other.
type Scheduler interface {
	// Schedule fires fn once after delay.
	Schedule(fn func(), delay time.Duration) ID

	// Cancel drops a pending one-shot if it has not fired.
	Cancel(id ID)

	// ScheduleInterval fires fn repeatedly, no more often than period.
	ScheduleInterval(fn func(), period time.Duration) ID

	// CancelInterval stops the repetition.
	CancelInterval(id ID)

	// Dispose cancels everything outstanding. The scheduler is inert
	// afterwards: further Schedule calls return the zero ID.
	Dispose()
}

// New returns the timer-backed scheduler. Each one-shot runs on its own
// timer goroutine and each interval on its own ticker goroutine.
func New() Scheduler {
	return &timerScheduler{
		timers:    make(map[ID]*time.Timer),
		intervals: make(map[ID]chan struct{}),
	}
}

type timerScheduler struct {
	mu        sync.Mutex
	nextID    ID
	timers    map[ID]*time.Timer
	intervals map[ID]chan struct{}
	disposed  bool
}

func (s *timerScheduler) Schedule(fn func(), delay time.Duration) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()
		// A concurrent Cancel may have removed the entry between the timer
		// firing and the lock being taken; in that case fn must not run.
		if live {
			fn()
		}
	})
	return id
}

func (s *timerScheduler) Cancel(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *timerScheduler) ScheduleInterval(fn func(), period time.Duration) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}

	s.nextID++
	id := s.nextID
	stop := make(chan struct{})
	s.intervals[id] = stop

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-stop:
				return
			}
		}
	}()
	return id
}

func (s *timerScheduler) CancelInterval(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stop, ok := s.intervals[id]; ok {
		close(stop)
		delete(s.intervals, id)
	}
}

func (s *timerScheduler) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true

	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for id, stop := range s.intervals {
		close(stop)
		delete(s.intervals, id)
	}
}

// NewNoop returns a scheduler that never fires anything. It is used where
// timer behavior is unwanted, such as deterministic tests and dry runs.
func NewNoop() Scheduler {
	return noopScheduler{}
}

type noopScheduler struct{}

func (noopScheduler) Schedule(func(), time.Duration) ID         { return 0 }
func (noopScheduler) Cancel(ID)                                 {}
func (noopScheduler) ScheduleInterval(func(), time.Duration) ID { return 0 }
func (noopScheduler) CancelInterval(ID)                         {}
func (noopScheduler) Dispose()                                  {}
