// Package query forwards frontend-initiated prompts to an external agent
// and streams the agent's answer back over the originating WebSocket.
//
// A frontend submits a query frame carrying a client-generated uuid. The
// pipeline reserves a quota slot for the session's token, acknowledges the
// frame, and PUTs the prompt to {agentURL}/query/{uuid}. The agent responds
// with a stream of newline-delimited JSON events (plain NDJSON or wrapped in
// SSE data: lines) which the pipeline translates into query_progress frames
// and exactly one terminal frame. Each query settles exactly once: the first
// of agent completion, agent error, frontend cancellation, timeout, or
// pipeline shutdown wins and the rest are dropped.
package query

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/protocol"
	"github.com/flekschas/mcp-web/pkg/bridge/session"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/networking"
)

const (
	// maxConnectAttempts bounds the initial PUT to the agent. Once the
	// stream is open there are no retries; a broken stream fails the query.
	maxConnectAttempts = 3

	connectBackoffInitial = 250 * time.Millisecond
	connectBackoffMax     = 2 * time.Second

	// maxEventLineBytes caps a single agent event line. Tool-call payloads
	// can be large but anything past this is a protocol violation.
	maxEventLineBytes = 1 << 20
)

// Config carries the pipeline settings.
type Config struct {
	// AgentURL is the base URL of the agent endpoint. Empty disables the
	// pipeline; every query then fails immediately.
	AgentURL string

	// Timeout caps a query end to end unless the query frame carries its
	// own timeout. Zero means no cap.
	Timeout time.Duration

	// Client overrides the HTTP client, mainly for tests. When nil the
	// pipeline builds one that allows private addresses and has no overall
	// timeout, since agent streams are long-lived.
	Client *http.Client
}

// Pipeline tracks in-flight queries and owns the agent HTTP traffic.
type Pipeline struct {
	cfg      Config
	registry *session.Registry
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeQuery
	closed bool
}

// activeQuery is one running query. finished flips exactly once, under mu,
// and decides which outcome reaches the frontend.
type activeQuery struct {
	uuid      string
	sessionID string
	cancel    context.CancelFunc

	mu       sync.Mutex
	finished bool
}

// finish reports whether the caller is the first to settle the query.
func (q *activeQuery) finish() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return false
	}
	q.finished = true
	return true
}

func (q *activeQuery) isFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.finished
}

// New builds a pipeline. The registry supplies quota accounting and lets
// cancellation find the owning socket.
func New(cfg Config, registry *session.Registry) (*Pipeline, error) {
	client := cfg.Client
	if client == nil {
		var err error
		client, err = networking.NewHttpClientBuilder().
			WithPrivateIPs(true).
			WithClientTimeout(0).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build agent HTTP client: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:      cfg,
		registry: registry,
		client:   client,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*activeQuery),
	}, nil
}

// Enabled reports whether an agent URL is configured.
func (p *Pipeline) Enabled() bool {
	return p.cfg.AgentURL != ""
}

// Active returns the number of in-flight queries.
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Start validates, acknowledges and launches one query. All failures are
// reported to the frontend as query_failure frames; Start itself never
// blocks on the agent.
func (p *Pipeline) Start(s *session.Session, msg *protocol.QueryMessage) {
	if !p.Enabled() {
		p.send(s, protocol.QueryFailure(msg.UUID, "Agent URL not configured"))
		return
	}
	if _, err := uuid.Parse(msg.UUID); err != nil {
		p.send(s, protocol.QueryFailure(msg.UUID, "Invalid query uuid"))
		return
	}

	if err := p.registry.TryAddQuery(s.ID(), msg.UUID); err != nil {
		if bridge.IsCode(err, bridge.CodeQueryLimitExceeded) {
			p.send(s, protocol.QueryFailure(msg.UUID, "Query limit exceeded"))
		} else {
			p.send(s, protocol.QueryFailure(msg.UUID, err.Error()))
		}
		return
	}

	q := &activeQuery{uuid: msg.UUID, sessionID: s.ID()}

	timeout := p.cfg.Timeout
	if msg.Timeout > 0 {
		timeout = time.Duration(msg.Timeout) * time.Millisecond
	}
	var qctx context.Context
	if timeout > 0 {
		qctx, q.cancel = context.WithTimeout(p.ctx, timeout)
	} else {
		qctx, q.cancel = context.WithCancel(p.ctx)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		q.cancel()
		p.registry.RemoveQuery(s.ID(), msg.UUID)
		p.send(s, protocol.QueryFailure(msg.UUID, string(bridge.CodeBridgeShutdown)))
		return
	}
	if twin, exists := p.active[msg.UUID]; exists {
		p.mu.Unlock()
		q.cancel()
		// Per-session query slots are a set, so a same-session twin means
		// TryAddQuery changed nothing and the running query keeps its slot.
		if twin.sessionID != s.ID() {
			p.registry.RemoveQuery(s.ID(), msg.UUID)
		}
		p.send(s, protocol.QueryFailure(msg.UUID, "Query uuid already in flight"))
		return
	}
	p.active[msg.UUID] = q
	p.mu.Unlock()

	p.send(s, protocol.QueryAccepted(msg.UUID))

	p.wg.Add(1)
	go p.run(qctx, q, s, msg)
}

// Cancel aborts a query on behalf of its owning frontend. The ownership
// check deliberately reports foreign uuids as not found so sessions cannot
// probe each other's queries.
func (p *Pipeline) Cancel(s *session.Session, queryUUID, reason string) error {
	p.mu.Lock()
	q, ok := p.active[queryUUID]
	p.mu.Unlock()

	if !ok || q.sessionID != s.ID() {
		return bridge.NewError(bridge.CodeQueryNotFound, queryUUID)
	}
	if !q.finish() {
		return bridge.NewError(bridge.CodeQueryNotActive, queryUUID)
	}

	p.send(s, protocol.QueryCancel(queryUUID, reason))
	q.cancel()
	return nil
}

// CancelSession aborts every query owned by a departed session. Nothing is
// emitted: the socket is already gone.
func (p *Pipeline) CancelSession(sessionID string) {
	p.mu.Lock()
	var doomed []*activeQuery
	for _, q := range p.active {
		if q.sessionID == sessionID {
			doomed = append(doomed, q)
		}
	}
	p.mu.Unlock()

	for _, q := range doomed {
		q.finish()
		q.cancel()
	}
}

// Close aborts all in-flight queries and waits for their goroutines.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// agentRequest is the body PUT to {agentURL}/query/{uuid}.
type agentRequest struct {
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	ResponseTool  string          `json:"responseTool,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	RestrictTools bool            `json:"restrictTools,omitempty"`
}

// agentEvent is one decoded line of the agent's response stream.
type agentEvent struct {
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Error     string          `json:"error"`
	ToolCalls json.RawMessage `json:"toolCalls"`
}

func (p *Pipeline) run(qctx context.Context, q *activeQuery, s *session.Session, msg *protocol.QueryMessage) {
	defer p.wg.Done()
	defer p.release(q)

	resp, err := p.connect(qctx, msg)
	if err != nil {
		if qctx.Err() != nil {
			p.finishInterrupted(qctx, q, s)
			return
		}
		p.finishFailure(q, s, fmt.Sprintf("agent connection failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.finishFailure(q, s, fmt.Sprintf("agent returned status %d", resp.StatusCode))
		return
	}

	p.pump(qctx, q, s, resp.Body)
}

// connect PUTs the query to the agent, retrying transport-level failures
// with exponential backoff. A response with any status counts as a
// successful connection; run inspects the status afterwards.
func (p *Pipeline) connect(qctx context.Context, msg *protocol.QueryMessage) (*http.Response, error) {
	body, err := json.Marshal(agentRequest{
		Prompt:        msg.Prompt,
		Context:       msg.Context,
		ResponseTool:  msg.ResponseTool,
		Tools:         msg.Tools,
		RestrictTools: msg.RestrictTools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}
	target := strings.TrimSuffix(p.cfg.AgentURL, "/") + "/query/" + msg.UUID

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = connectBackoffInitial
	expBackoff.MaxInterval = connectBackoffMax

	operation := func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(qctx, http.MethodPut, target, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/x-ndjson, text/event-stream")
		return p.client.Do(req)
	}

	return backoff.Retry(qctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(maxConnectAttempts),
		backoff.WithNotify(func(notifyErr error, wait time.Duration) {
			logger.Debugw("retrying agent connection",
				"uuid", msg.UUID,
				"wait", wait,
				"error", notifyErr)
		}))
}

// pump reads agent events off the stream until a terminal event, EOF, or a
// read error. Lines may be bare JSON or SSE-framed; comment and non-data SSE
// fields are skipped.
func (p *Pipeline) pump(qctx context.Context, q *activeQuery, s *session.Session, body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			line = bytes.TrimSpace(line[len("data:"):])
		}

		var ev agentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Debugw("skipping undecodable agent event",
				"uuid", q.uuid,
				"error", err)
			continue
		}

		switch ev.Type {
		case "progress":
			if !q.isFinished() {
				p.send(s, protocol.QueryProgress(q.uuid, ev.Message))
			}
		case "complete":
			if q.finish() {
				p.send(s, protocol.QueryComplete(q.uuid, ev.Message, ev.ToolCalls))
			}
			return
		case "error":
			p.finishFailure(q, s, ev.Error)
			return
		default:
			logger.Debugw("ignoring unknown agent event type",
				"uuid", q.uuid,
				"type", ev.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		if qctx.Err() != nil {
			p.finishInterrupted(qctx, q, s)
			return
		}
		p.finishFailure(q, s, fmt.Sprintf("agent stream read failed: %v", err))
		return
	}

	// Stream ended cleanly without a terminal event. The 2xx status already
	// committed the agent to this query, so report completion.
	if q.finish() {
		p.send(s, protocol.QueryComplete(q.uuid, "", nil))
	}
}

// finishInterrupted settles a query whose context ended. A deadline becomes
// a visible timeout; a plain cancellation stays silent because whoever
// canceled already reported, or the socket is gone.
func (p *Pipeline) finishInterrupted(qctx context.Context, q *activeQuery, s *session.Session) {
	if !q.finish() {
		return
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		p.send(s, protocol.QueryFailure(q.uuid, "Query timed out"))
	}
}

func (p *Pipeline) finishFailure(q *activeQuery, s *session.Session, reason string) {
	if q.finish() {
		p.send(s, protocol.QueryFailure(q.uuid, reason))
	}
}

func (p *Pipeline) release(q *activeQuery) {
	p.mu.Lock()
	delete(p.active, q.uuid)
	p.mu.Unlock()

	p.registry.RemoveQuery(q.sessionID, q.uuid)
	q.cancel()
}

func (p *Pipeline) send(s *session.Session, msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		logger.Errorf("failed to marshal query frame: %v", err)
		return
	}
	if err := s.Conn().Send(data); err != nil {
		logger.Debugw("failed to deliver query frame",
			"session_id", s.ID(),
			"error", err)
	}
}
