// Package streamable implements the bridge's MCP surface over streamable
// HTTP: JSON-RPC requests arrive by POST, server-initiated notifications
// leave over an SSE GET stream, and the Mcp-Session-Id header ties the two
// together. Catalog state lives in the frontend session registry; this
// package aggregates it per auth token and converts between the protocols.
package streamable

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// stream is one attached SSE writer. Writes are serialized; after close they
// become no-ops. Closing the done channel tells the adapter to end the HTTP
// response.
type stream struct {
	mu     sync.Mutex
	w      types.SSEWriter
	closed bool
	done   chan struct{}
}

func newStream(w types.SSEWriter, done chan struct{}) *stream {
	if done == nil {
		done = make(chan struct{})
	}
	return &stream{w: w, done: done}
}

func (s *stream) write(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("stream is closed")
	}
	return s.w.WriteEvent(data)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// ClientSession is one MCP client, identified by the Mcp-Session-Id header.
// It can hold at most one SSE stream; notifications arriving while no stream
// is attached are queued by method and flushed on attach.
type ClientSession struct {
	id        string
	authToken string
	createdAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
	stream   *stream
	queued   []string
}

// ID returns the session id sent as Mcp-Session-Id.
func (c *ClientSession) ID() string { return c.id }

// AuthToken returns the token the session authenticated with.
func (c *ClientSession) AuthToken() string { return c.authToken }

// AttachStream replaces the session's SSE stream with w, closing any previous
// stream, and flushes queued notifications onto the new stream. The done
// channel, closed when the stream is torn down, tells the adapter to end the
// response; pass nil to let the stream own it.
func (c *ClientSession) AttachStream(w types.SSEWriter, done chan struct{}) *stream {
	st := newStream(w, done)
	c.mu.Lock()
	old := c.stream
	c.stream = st
	queued := c.queued
	c.queued = nil
	c.lastSeen = time.Now()
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	for _, method := range queued {
		if err := st.write(notificationBody(method)); err != nil {
			logger.Debugf("flushing queued notification: %v", err)
			break
		}
	}
	return st
}

// DetachStream closes the stream and forgets it, but only when st is still
// the current one. A replaced stream's late onClose must not detach its
// successor.
func (c *ClientSession) DetachStream(st *stream) {
	c.mu.Lock()
	if c.stream == st {
		c.stream = nil
	}
	c.mu.Unlock()
	st.close()
}

// HasStream reports whether an SSE stream is currently attached.
func (c *ClientSession) HasStream() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Notify delivers one JSON-RPC notification, queueing it when no stream is
// attached. Queued methods are deduplicated; delivering list_changed once is
// enough for any number of coalesced changes.
func (c *ClientSession) Notify(method string) {
	c.mu.Lock()
	st := c.stream
	if st == nil {
		for _, m := range c.queued {
			if m == method {
				c.mu.Unlock()
				return
			}
		}
		c.queued = append(c.queued, method)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := st.write(notificationBody(method)); err != nil {
		logger.Debugw("dropping notification", "method", method, "mcp_session_id", c.id, "error", err)
	}
}

func (c *ClientSession) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}
}

func (c *ClientSession) closeStream() {
	c.mu.Lock()
	st := c.stream
	c.stream = nil
	c.mu.Unlock()
	if st != nil {
		st.close()
	}
}

// SessionStore owns the MCP client sessions. Sessions expire after the
// configured idle TTL unless an SSE stream is attached; a zero TTL disables
// expiry.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore builds an empty store with the given idle TTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*ClientSession),
		ttl:      ttl,
		now:      time.Now,
	}
}

// SetClock overrides the store clock. Test helper.
func (st *SessionStore) SetClock(now func() time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.now = now
}

// Create mints a session for the token with a fresh id.
func (st *SessionStore) Create(authToken string) *ClientSession {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := st.now()
	c := &ClientSession{
		id:        uuid.NewString(),
		authToken: authToken,
		createdAt: now,
		lastSeen:  now,
	}
	st.sessions[c.id] = c
	return c
}

// Get returns the session and refreshes its idle clock.
func (st *SessionStore) Get(id string) (*ClientSession, bool) {
	st.mu.RLock()
	c, ok := st.sessions[id]
	now := st.now()
	st.mu.RUnlock()
	if ok {
		c.touch(now)
	}
	return c, ok
}

// Delete removes the session and closes its stream. Reports whether the
// session existed.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	c, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return false
	}
	c.closeStream()
	return true
}

// Count returns the number of live MCP sessions.
func (st *SessionStore) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// ForToken returns the sessions created under the token.
func (st *SessionStore) ForToken(authToken string) []*ClientSession {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []*ClientSession
	for _, c := range st.sessions {
		if c.authToken == authToken {
			out = append(out, c)
		}
	}
	return out
}

// Sweep removes sessions idle past the TTL. Sessions with an attached SSE
// stream never expire; the stream itself signals liveness. Returns how many
// were removed.
func (st *SessionStore) Sweep() int {
	st.mu.Lock()
	if st.ttl <= 0 {
		st.mu.Unlock()
		return 0
	}
	cutoff := st.now().Add(-st.ttl)
	var expired []*ClientSession
	for id, c := range st.sessions {
		c.mu.Lock()
		idle := c.stream == nil && c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(st.sessions, id)
			expired = append(expired, c)
		}
	}
	st.mu.Unlock()

	for _, c := range expired {
		c.closeStream()
		logger.Debugw("expired idle mcp session", "mcp_session_id", c.id)
	}
	return len(expired)
}

// CloseAll removes every session and closes every stream. Used at shutdown.
func (st *SessionStore) CloseAll() {
	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[string]*ClientSession)
	st.mu.Unlock()
	for _, c := range sessions {
		c.closeStream()
	}
}
