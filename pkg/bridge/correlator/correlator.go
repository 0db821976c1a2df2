// Package correlator matches asynchronous frontend responses to the bridge
// requests that caused them. Every outbound tool-call, resource-read, and
// prompt-get frame carries a fresh requestId; the frontend answers with the
// same id, in any order. Calls resolve exactly once: by response, by timeout,
// by session close, by caller cancellation, or by bridge shutdown.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/protocol"
	"github.com/flekschas/mcp-web/pkg/bridge/scheduler"
	"github.com/flekschas/mcp-web/pkg/bridge/session"
	"github.com/flekschas/mcp-web/pkg/logger"
)

// DefaultTimeout bounds a round trip when no timeout is configured.
const DefaultTimeout = 30 * time.Second

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	requestID string
	sessionID string
	timer     scheduler.ID
	done      chan outcome
}

// Correlator tracks in-flight round trips. Timer callbacks come from the
// scheduler; responses come from the WebSocket read loop; both race the
// caller's context. The pending map is the single point of arbitration:
// whoever removes the entry delivers the outcome.
type Correlator struct {
	mu        sync.Mutex
	pending   map[string]*pendingCall
	bySession map[string]map[string]*pendingCall
	draining  bool

	sched   scheduler.Scheduler
	timeout time.Duration
}

// New builds a correlator that fails round trips after timeout.
func New(sched scheduler.Scheduler, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		pending:   make(map[string]*pendingCall),
		bySession: make(map[string]map[string]*pendingCall),
		sched:     sched,
		timeout:   timeout,
	}
}

// CallTool asks the session's frontend to run toolName and waits for the
// correlated result.
func (c *Correlator) CallTool(ctx context.Context, s *session.Session, toolName string, input json.RawMessage) (json.RawMessage, error) {
	return c.roundTrip(ctx, s, toolName, func(requestID string) any {
		return protocol.ToolCall(requestID, toolName, input)
	})
}

// ReadResource asks the session's frontend for the contents behind uri.
func (c *Correlator) ReadResource(ctx context.Context, s *session.Session, uri string) (json.RawMessage, error) {
	return c.roundTrip(ctx, s, uri, func(requestID string) any {
		return protocol.ResourceRead(requestID, uri)
	})
}

// GetPrompt asks the session's frontend to render the named prompt.
func (c *Correlator) GetPrompt(ctx context.Context, s *session.Session, name string, args json.RawMessage) (json.RawMessage, error) {
	return c.roundTrip(ctx, s, name, func(requestID string) any {
		return protocol.PromptGet(requestID, name, args)
	})
}

func (c *Correlator) roundTrip(ctx context.Context, s *session.Session, what string, frame func(requestID string) any) (json.RawMessage, error) {
	requestID := uuid.NewString()
	p := &pendingCall{
		requestID: requestID,
		sessionID: s.ID(),
		done:      make(chan outcome, 1),
	}

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, bridge.NewError(bridge.CodeBridgeShutdown, "bridge is shutting down")
	}
	c.pending[requestID] = p
	calls, ok := c.bySession[p.sessionID]
	if !ok {
		calls = make(map[string]*pendingCall)
		c.bySession[p.sessionID] = calls
	}
	calls[requestID] = p
	p.timer = c.sched.Schedule(func() { c.expire(requestID, what) }, c.timeout)
	c.mu.Unlock()

	data, err := protocol.Marshal(frame(requestID))
	if err != nil {
		c.remove(requestID)
		return nil, bridge.WrapError(bridge.CodeInternalError, "encoding request frame", err)
	}
	if err := s.Conn().Send(data); err != nil {
		c.remove(requestID)
		return nil, bridge.WrapError(bridge.CodeSessionClosed, "session socket is gone", err)
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		c.remove(requestID)
		return nil, ctx.Err()
	}
}

// Resolve completes the pending call identified by requestID with the
// frontend's result. It reports whether a call was waiting; responses
// arriving after a timeout or abort are dropped.
func (c *Correlator) Resolve(requestID string, result json.RawMessage) bool {
	p := c.take(requestID)
	if p == nil {
		logger.Debugw("dropping uncorrelated response", "request_id", requestID)
		return false
	}
	p.done <- outcome{result: result}
	return true
}

// AbortSession fails every pending call on the session and returns how many
// were aborted. The registry invokes this when a session leaves.
func (c *Correlator) AbortSession(sessionID string) int {
	c.mu.Lock()
	calls := c.bySession[sessionID]
	delete(c.bySession, sessionID)
	aborted := make([]*pendingCall, 0, len(calls))
	for id, p := range calls {
		delete(c.pending, id)
		c.sched.Cancel(p.timer)
		aborted = append(aborted, p)
	}
	c.mu.Unlock()

	for _, p := range aborted {
		p.done <- outcome{err: bridge.NewError(bridge.CodeSessionClosed, "session closed before responding")}
	}
	return len(aborted)
}

// Drain fails every pending call and refuses new ones. Used at shutdown.
func (c *Correlator) Drain() int {
	c.mu.Lock()
	c.draining = true
	drained := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		c.sched.Cancel(p.timer)
		drained = append(drained, p)
		delete(c.pending, id)
	}
	c.bySession = make(map[string]map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range drained {
		p.done <- outcome{err: bridge.NewError(bridge.CodeBridgeShutdown, "bridge is shutting down")}
	}
	return len(drained)
}

// Pending returns the number of in-flight round trips.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(requestID, what string) {
	p := c.take(requestID)
	if p == nil {
		return
	}
	p.done <- outcome{err: bridge.NewError(bridge.CodeToolCallTimeout,
		fmt.Sprintf("frontend did not answer %q within %s", what, c.timeout))}
}

func (c *Correlator) remove(requestID string) {
	c.take(requestID)
}

// take removes and returns the pending call, cancelling its timer. Exactly
// one caller wins; everyone else sees nil.
func (c *Correlator) take(requestID string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	if calls, ok := c.bySession[p.sessionID]; ok {
		delete(calls, requestID)
		if len(calls) == 0 {
			delete(c.bySession, p.sessionID)
		}
	}
	c.sched.Cancel(p.timer)
	return p
}
