package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Alarm is a host facility that can hold at most one pending wakeup. Setting
// a new wakeup replaces the previous one.
type Alarm interface {
	// Set programs the next wakeup for t.
	Set(t time.Time)

	// Clear drops any pending wakeup.
	Clear()
}

// SingleAlarm implements Scheduler on top of one Alarm slot. Callbacks are
// kept in a min-heap ordered by their absolute fire-at time and the alarm is
// always programmed to the nearest entry. The host must call OnAlarm when the
// wakeup fires; all due entries run and the alarm is reprogrammed to the new
// minimum. Recurring entries reschedule relative to the time OnAlarm ran.
type SingleAlarm struct {
	mu       sync.Mutex
	alarm    Alarm
	now      func() time.Time
	entries  entryHeap
	byID     map[ID]*alarmEntry
	nextID   ID
	disposed bool
}

// NewSingleAlarm builds a SingleAlarm around the given alarm slot. The now
// function defaults to time.Now and exists for tests.
func NewSingleAlarm(alarm Alarm, now func() time.Time) *SingleAlarm {
	if now == nil {
		now = time.Now
	}
	return &SingleAlarm{
		alarm: alarm,
		now:   now,
		byID:  make(map[ID]*alarmEntry),
	}
}

type alarmEntry struct {
	id     ID
	fireAt time.Time
	fn     func()
	// period is zero for one-shots.
	period time.Duration
	// index is maintained by the heap.
	index int
}

// Schedule implements Scheduler.
func (s *SingleAlarm) Schedule(fn func(), delay time.Duration) ID {
	return s.add(fn, delay, 0)
}

// Cancel implements Scheduler.
func (s *SingleAlarm) Cancel(id ID) {
	s.remove(id)
}

// ScheduleInterval implements Scheduler.
func (s *SingleAlarm) ScheduleInterval(fn func(), period time.Duration) ID {
	return s.add(fn, period, period)
}

// CancelInterval implements Scheduler.
func (s *SingleAlarm) CancelInterval(id ID) {
	s.remove(id)
}

// Dispose implements Scheduler.
func (s *SingleAlarm) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.entries = nil
	s.byID = make(map[ID]*alarmEntry)
	s.alarm.Clear()
}

// OnAlarm must be invoked by the host when the programmed wakeup fires. Due
// callbacks run synchronously in fire-at order.
func (s *SingleAlarm) OnAlarm() {
	for {
		fn := s.popDue()
		if fn == nil {
			return
		}
		fn()
	}
}

func (s *SingleAlarm) add(fn func(), delay, period time.Duration) ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return 0
	}

	s.nextID++
	e := &alarmEntry{
		id:     s.nextID,
		fireAt: s.now().Add(delay),
		fn:     fn,
		period: period,
	}
	heap.Push(&s.entries, e)
	s.byID[e.id] = e
	s.reprogramLocked()
	return e.id
}

func (s *SingleAlarm) remove(id ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.entries, e.index)
	delete(s.byID, id)
	s.reprogramLocked()
}

// popDue removes and returns the callback of the earliest due entry, or nil
// when nothing is due. Recurring entries are pushed back before the callback
// is returned so the callback itself may cancel them.
func (s *SingleAlarm) popDue() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || len(s.entries) == 0 {
		return nil
	}

	now := s.now()
	e := s.entries[0]
	if e.fireAt.After(now) {
		s.reprogramLocked()
		return nil
	}

	heap.Pop(&s.entries)
	if e.period > 0 {
		e.fireAt = now.Add(e.period)
		heap.Push(&s.entries, e)
	} else {
		delete(s.byID, e.id)
	}
	s.reprogramLocked()
	return e.fn
}

// reprogramLocked points the alarm at the nearest entry, or clears it.
func (s *SingleAlarm) reprogramLocked() {
	if len(s.entries) == 0 {
		s.alarm.Clear()
		return
	}
	s.alarm.Set(s.entries[0].fireAt)
}

type entryHeap []*alarmEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*alarmEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
