// Package server assembles the bridge: the session registry, the tool-call
// correlator, the MCP handler with its session store and notifier, and the
// agent query pipeline, wired to one scheduler and one lifecycle.
//
// The package is transport-free. An adapter (pkg/transport/httpserver in
// this repo) accepts WebSocket upgrades and HTTP requests and forwards them
// through Connect/HandleMessage/HandleDisconnect and HandleMCPRequest; the
// bridge never listens on sockets itself.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/correlator"
	"github.com/flekschas/mcp-web/pkg/bridge/protocol"
	"github.com/flekschas/mcp-web/pkg/bridge/query"
	"github.com/flekschas/mcp-web/pkg/bridge/scheduler"
	"github.com/flekschas/mcp-web/pkg/bridge/session"
	"github.com/flekschas/mcp-web/pkg/bridge/streamable"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

const (
	defaultToolCallTimeout = 30 * time.Second
	defaultSweepInterval   = 60 * time.Second
	defaultMCPSessionTTL   = 30 * time.Minute
)

// Config assembles the bridge. Zero durations fall back to the defaults
// above; a zero SessionMaxDuration disables the age sweep entirely.
type Config struct {
	// Info is published in initialize responses and on plain GETs.
	Info streamable.ServerInfo

	// AgentURL enables the query pipeline when non-empty.
	AgentURL string

	MaxSessionsPerToken        int
	LimitPolicy                bridge.LimitPolicy
	MaxInFlightQueriesPerToken int

	SessionMaxDuration time.Duration
	ToolCallTimeout    time.Duration
	QueryTimeout       time.Duration
	SweepInterval      time.Duration
	MCPSessionTTL      time.Duration

	ValidateToolInput bool

	// Scheduler overrides the timer scheduler, mainly for tests.
	Scheduler scheduler.Scheduler

	// AgentClient overrides the query pipeline's HTTP client, for tests.
	AgentClient *http.Client
}

// Bridge is the assembled core. One instance serves one configuration for
// its whole lifetime; Close is idempotent and final.
type Bridge struct {
	cfg      Config
	sched    scheduler.Scheduler
	registry *session.Registry
	calls    *correlator.Correlator
	pipeline *query.Pipeline
	handler  *streamable.Handler
	store    *streamable.SessionStore

	closeOnce sync.Once
}

// New wires the components together and starts the periodic sweeps.
func New(cfg Config) (*Bridge, error) {
	if cfg.LimitPolicy == "" {
		cfg.LimitPolicy = bridge.LimitPolicyReject
	}
	if !cfg.LimitPolicy.Valid() {
		return nil, fmt.Errorf("unknown session limit policy %q", cfg.LimitPolicy)
	}
	if cfg.ToolCallTimeout <= 0 {
		cfg.ToolCallTimeout = defaultToolCallTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MCPSessionTTL <= 0 {
		cfg.MCPSessionTTL = defaultMCPSessionTTL
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}

	registry := session.NewRegistry(session.Config{
		MaxSessionsPerToken:        cfg.MaxSessionsPerToken,
		LimitPolicy:                cfg.LimitPolicy,
		MaxInFlightQueriesPerToken: cfg.MaxInFlightQueriesPerToken,
	})
	store := streamable.NewSessionStore(cfg.MCPSessionTTL)
	registry.SetNotifier(streamable.NewNotifier(store))

	calls := correlator.New(sched, cfg.ToolCallTimeout)
	pipeline, err := query.New(query.Config{
		AgentURL: cfg.AgentURL,
		Timeout:  cfg.QueryTimeout,
		Client:   cfg.AgentClient,
	}, registry)
	if err != nil {
		return nil, err
	}

	registry.OnSessionClosed(func(s *session.Session) {
		if aborted := calls.AbortSession(s.ID()); aborted > 0 {
			logger.Debugw("aborted pending calls for closed session",
				"session_id", s.ID(), "count", aborted)
		}
		pipeline.CancelSession(s.ID())
	})

	handler := streamable.NewHandler(streamable.Config{
		Info:              cfg.Info,
		ValidateToolInput: cfg.ValidateToolInput,
	}, registry, calls, store)

	b := &Bridge{
		cfg:      cfg,
		sched:    sched,
		registry: registry,
		calls:    calls,
		pipeline: pipeline,
		handler:  handler,
		store:    store,
	}

	if cfg.SessionMaxDuration > 0 {
		sched.ScheduleInterval(func() {
			if n := registry.Sweep(cfg.SessionMaxDuration); n > 0 {
				logger.Infow("swept expired sessions", "count", n)
			}
		}, cfg.SweepInterval)
	}
	sched.ScheduleInterval(func() { store.Sweep() }, cfg.SweepInterval)

	return b, nil
}

// Registry exposes the session registry for introspection.
func (b *Bridge) Registry() *session.Registry { return b.registry }

// Pending returns the number of in-flight MCP round trips.
func (b *Bridge) Pending() int { return b.calls.Pending() }

// ActiveQueries returns the number of in-flight agent queries.
func (b *Bridge) ActiveQueries() int { return b.pipeline.Active() }

// MCPSessions returns the number of live MCP client sessions.
func (b *Bridge) MCPSessions() int { return b.store.Count() }

// Conn tracks one frontend WebSocket from accept to close. The session
// pointer is nil until the authenticate frame is processed.
type Conn struct {
	id   string
	sock types.WebSocketConn

	mu      sync.Mutex
	session *session.Session
}

// ID returns the session id the socket connected with.
func (c *Conn) ID() string { return c.id }

func (c *Conn) current() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Conn) bind(s *session.Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

func (c *Conn) take() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	c.session = nil
	return s
}

// Connect registers a fresh WebSocket. The adapter has already extracted the
// session id from the URL; authentication happens on the first frame.
func (b *Bridge) Connect(sessionID string, sock types.WebSocketConn) *Conn {
	logger.Debugw("websocket connected", "session_id", sessionID)
	return &Conn{id: sessionID, sock: sock}
}

// HandleMessage processes one WebSocket text frame. Frames that do not
// parse are logged and dropped; the connection survives, since a single
// garbled frame is not worth tearing down a session with live tool state.
func (b *Bridge) HandleMessage(c *Conn, data string) {
	msg, err := protocol.Parse(data)
	if err != nil {
		logger.Warnw("dropping unparseable frame", "session_id", c.id, "error", err)
		return
	}

	sess := c.current()
	if sess == nil {
		auth, ok := msg.(protocol.AuthenticateMessage)
		if !ok {
			b.rejectUnauthenticated(c)
			return
		}
		s, err := b.registry.Authenticate(c.id, c.sock, &auth)
		if err != nil {
			// The registry already reported the failure on the socket and
			// closed it when the rule demands that.
			return
		}
		c.bind(s)
		return
	}

	switch m := msg.(type) {
	case protocol.AuthenticateMessage:
		logger.Debugw("ignoring repeat authenticate", "session_id", sess.ID())

	case protocol.RegisterToolMessage:
		// The registry reports rejections on the socket itself, so failures
		// here only need a log line.
		if err := b.registry.RegisterTool(sess.ID(), m.Tool); err != nil {
			logger.Debugw("tool registration rejected",
				"session_id", sess.ID(), "tool", m.Tool.Name, "error", err)
		}

	case protocol.RegisterResourceMessage:
		if err := b.registry.RegisterResource(sess.ID(), m.Resource); err != nil {
			logger.Debugw("resource registration rejected",
				"session_id", sess.ID(), "uri", m.Resource.URI, "error", err)
		}

	case protocol.RegisterPromptMessage:
		if err := b.registry.RegisterPrompt(sess.ID(), m.Prompt); err != nil {
			logger.Debugw("prompt registration rejected",
				"session_id", sess.ID(), "prompt", m.Prompt.Name, "error", err)
		}

	case protocol.ActivityMessage:
		b.registry.Activity(sess.ID())

	case protocol.ToolResponseMessage:
		if !b.calls.Resolve(m.RequestID, m.Result) {
			logger.Debugw("dropping response for unknown request",
				"session_id", sess.ID(), "request_id", m.RequestID)
		}

	case protocol.QueryMessage:
		b.pipeline.Start(sess, &m)

	case protocol.QueryCancelMessage:
		if err := b.pipeline.Cancel(sess, m.UUID, m.Reason); err != nil {
			b.send(sess, protocol.QueryFailure(m.UUID, string(bridge.CodeOf(err))))
		}

	default:
		logger.Warnw("unhandled frame type", "session_id", sess.ID(), "frame", fmt.Sprintf("%T", msg))
	}
}

// HandleDisconnect tears down whatever the socket owned. Safe to call for
// sockets that never authenticated.
func (b *Bridge) HandleDisconnect(c *Conn) {
	sess := c.take()
	if sess == nil {
		logger.Debugw("unauthenticated websocket disconnected", "session_id", c.id)
		return
	}
	// Code 0 skips the socket close; the peer is already gone. Close hooks
	// abort the session's pending calls and queries.
	b.registry.Close(sess.ID(), 0, "")
}

// HandleMCPRequest serves one MCP-side HTTP request.
func (b *Bridge) HandleMCPRequest(ctx context.Context, req *types.HTTPRequest) *types.HTTPResponse {
	return b.handler.HandleRequest(ctx, req)
}

// Close shuts the bridge down: timers stop, in-flight queries abort,
// pending MCP calls fail with BridgeShutdown, and every WebSocket and SSE
// stream closes. Calling it again is a no-op; a concurrent second call
// returns only after the first finished.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.sched.Dispose()
		b.pipeline.Close()
		drained := b.calls.Drain()
		b.registry.CloseAll(bridge.CloseGoingAway, bridge.CloseReasonShutdown)
		b.store.CloseAll()
		logger.Infow("bridge closed", "drained_calls", drained)
	})
}

func (b *Bridge) rejectUnauthenticated(c *Conn) {
	frame := protocol.AuthenticationFailed(bridge.CodeMissingAuthentication, bridge.CloseReasonNotAuthenticated)
	if data, err := protocol.Marshal(frame); err == nil {
		if sendErr := c.sock.Send(data); sendErr != nil {
			logger.Debugw("failed to send authentication failure", "session_id", c.id, "error", sendErr)
		}
	}
	if err := c.sock.Close(bridge.ClosePolicyViolation, bridge.CloseReasonNotAuthenticated); err != nil {
		logger.Debugw("failed to close unauthenticated socket", "session_id", c.id, "error", err)
	}
}

func (b *Bridge) send(s *session.Session, msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		logger.Errorf("failed to marshal frame: %v", err)
		return
	}
	if err := s.Conn().Send(data); err != nil {
		logger.Debugw("failed to deliver frame", "session_id", s.ID(), "error", err)
	}
}
