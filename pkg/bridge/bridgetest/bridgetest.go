// Package bridgetest provides test doubles shared by the bridge packages: a
// recording WebSocket connection and a manually fired scheduler. Production
// code must not import this package.
package bridgetest

import (
	"sync"
	"time"

	"github.com/flekschas/mcp-web/pkg/bridge/scheduler"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// Conn is an in-memory types.WebSocketConn that records every send and the
// final close. Safe for concurrent use.
type Conn struct {
	mu          sync.Mutex
	sent        []string
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error
}

var _ types.WebSocketConn = (*Conn)(nil)

// Send records the outbound message.
func (c *Conn) Send(data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

// Close records the close code and reason. Only the first close sticks.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
	}
	return nil
}

// ReadyState reports "open" until the first Close.
func (c *Conn) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ReadyStateClosed
	}
	return types.ReadyStateOpen
}

// FailSends makes every subsequent Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of every message sent so far.
func (c *Conn) Sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

// LastSent returns the most recent message, or "" when none was sent.
func (c *Conn) LastSent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

// WaitForSent polls until at least n messages were sent or the timeout
// elapses, and returns the messages seen.
func (c *Conn) WaitForSent(n int, timeout time.Duration) ([]string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		msgs := c.Sent()
		if len(msgs) >= n {
			return msgs, true
		}
		if time.Now().After(deadline) {
			return msgs, false
		}
		time.Sleep(time.Millisecond)
	}
}

// CloseState returns whether Close was called and with what code and reason.
func (c *Conn) CloseState() (closed bool, code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// SSERecorder is an in-memory types.SSEWriter that records every frame.
type SSERecorder struct {
	mu       sync.Mutex
	events   []string
	named    []NamedEvent
	comments []string
	writeErr error
}

// NamedEvent is one "event:"-prefixed SSE frame.
type NamedEvent struct {
	Event string
	Data  string
}

var _ types.SSEWriter = (*SSERecorder)(nil)

// WriteEvent records one data event.
func (r *SSERecorder) WriteEvent(data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.events = append(r.events, data)
	return nil
}

// WriteNamedEvent records one named event.
func (r *SSERecorder) WriteNamedEvent(event, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.named = append(r.named, NamedEvent{Event: event, Data: data})
	return nil
}

// WriteComment records one comment frame.
func (r *SSERecorder) WriteComment(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return r.writeErr
	}
	r.comments = append(r.comments, text)
	return nil
}

// FailWrites makes every subsequent write return err.
func (r *SSERecorder) FailWrites(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeErr = err
}

// Events returns a copy of the data events recorded so far.
func (r *SSERecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// NamedEvents returns a copy of the named events recorded so far.
func (r *SSERecorder) NamedEvents() []NamedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NamedEvent(nil), r.named...)
}

// WaitForEvents polls until at least n data events were recorded or the
// timeout elapses.
func (r *SSERecorder) WaitForEvents(n int, timeout time.Duration) ([]string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		events := r.Events()
		if len(events) >= n {
			return events, true
		}
		if time.Now().After(deadline) {
			return events, false
		}
		time.Sleep(time.Millisecond)
	}
}

// ManualScheduler implements scheduler.Scheduler without real timers. Tasks
// run only when the test fires them, which keeps timeout paths deterministic.
type ManualScheduler struct {
	mu        sync.Mutex
	nextID    scheduler.ID
	tasks     map[scheduler.ID]func()
	intervals map[scheduler.ID]func()
}

var _ scheduler.Scheduler = (*ManualScheduler)(nil)

// NewManualScheduler builds an empty manual scheduler.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{
		tasks:     make(map[scheduler.ID]func()),
		intervals: make(map[scheduler.ID]func()),
	}
}

// Schedule records a one-shot task; it runs when Fire or FireAll is called.
func (m *ManualScheduler) Schedule(fn func(), _ time.Duration) scheduler.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.tasks[m.nextID] = fn
	return m.nextID
}

// Cancel drops a pending one-shot task.
func (m *ManualScheduler) Cancel(id scheduler.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// ScheduleInterval records a recurring task; it runs once per Tick call.
func (m *ManualScheduler) ScheduleInterval(fn func(), _ time.Duration) scheduler.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.intervals[m.nextID] = fn
	return m.nextID
}

// CancelInterval drops a recurring task.
func (m *ManualScheduler) CancelInterval(id scheduler.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.intervals, id)
}

// Dispose drops every pending task.
func (m *ManualScheduler) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[scheduler.ID]func())
	m.intervals = make(map[scheduler.ID]func())
}

// FireAll runs and removes every pending one-shot task.
func (m *ManualScheduler) FireAll() int {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.tasks))
	for id, fn := range m.tasks {
		fns = append(fns, fn)
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Tick runs every recurring task once.
func (m *ManualScheduler) Tick() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.intervals))
	for _, fn := range m.intervals {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// PendingTimers returns the number of unfired one-shot tasks.
func (m *ManualScheduler) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
