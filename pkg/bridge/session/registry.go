package session

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/protocol"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// Notifier receives catalog-change events for every live MCP stream attached
// to a token. The MCP side implements it; a nil notifier is a no-op.
type Notifier interface {
	NotifyToolsListChanged(authToken string)
	NotifyResourcesListChanged(authToken string)
	NotifyPromptsListChanged(authToken string)
}

// CloseHook runs after a session leaves the registry and before its socket
// closes. Hooks must not call back into the registry.
type CloseHook func(s *Session)

// Config bounds the registry. Zero values mean unlimited.
type Config struct {
	// MaxSessionsPerToken caps concurrent sessions sharing one auth token.
	MaxSessionsPerToken int
	// LimitPolicy decides what happens when the cap is hit.
	LimitPolicy bridge.LimitPolicy
	// MaxInFlightQueriesPerToken caps concurrent queries across a token's
	// sessions.
	MaxInFlightQueriesPerToken int
}

type nameKey struct {
	token string
	name  string
}

// Registry owns the set of authenticated sessions and their indexes. Methods
// that send or close sockets do so after releasing the registry lock, so a
// slow or broken peer cannot stall unrelated sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]map[string]*Session
	byName   map[nameKey]*Session

	cfg        Config
	notifier   Notifier
	closeHooks []CloseHook
	now        func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.LimitPolicy == "" {
		cfg.LimitPolicy = bridge.LimitPolicyReject
	}
	return &Registry{
		sessions: make(map[string]*Session),
		byToken:  make(map[string]map[string]*Session),
		byName:   make(map[nameKey]*Session),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetNotifier installs the catalog-change notifier. Call before serving.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifier = n
}

// OnSessionClosed registers a hook invoked whenever a session is removed,
// whatever the cause. Call before serving.
func (r *Registry) OnSessionClosed(hook CloseHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeHooks = append(r.closeHooks, hook)
}

// SetClock overrides the registry clock. Test helper.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Authenticate admits a new session or rejects the connection. On rejection
// the peer always receives an authentication-failed message first; whether
// the socket is then closed depends on the failure. Missing credentials and
// id collisions leave the socket open for a retry, while name collisions and
// quota rejections close it with a policy-violation code.
func (r *Registry) Authenticate(sessionID string, conn types.WebSocketConn, msg *protocol.AuthenticateMessage) (*Session, error) {
	r.mu.Lock()
	now := r.now()

	if _, taken := r.sessions[sessionID]; taken {
		r.mu.Unlock()
		r.sendFailure(conn, bridge.CodeSessionIDInUse, "Session id already in use")
		return nil, bridge.NewError(bridge.CodeSessionIDInUse, fmt.Sprintf("session %s already registered", sessionID))
	}
	if msg.AuthToken == "" {
		r.mu.Unlock()
		r.sendFailure(conn, bridge.CodeMissingAuthentication, "Authentication token required")
		return nil, bridge.NewError(bridge.CodeMissingAuthentication, "authenticate message carried no token")
	}
	if msg.SessionName != "" {
		if _, taken := r.byName[nameKey{msg.AuthToken, msg.SessionName}]; taken {
			r.mu.Unlock()
			r.sendFailure(conn, bridge.CodeSessionNameAlreadyInUse, bridge.CloseReasonNameInUse)
			r.closeConn(conn, bridge.ClosePolicyViolation, bridge.CloseReasonNameInUse)
			return nil, bridge.NewError(bridge.CodeSessionNameAlreadyInUse,
				fmt.Sprintf("name %q already used under this token", msg.SessionName))
		}
	}

	var evicted *Session
	if r.cfg.MaxSessionsPerToken > 0 && len(r.byToken[msg.AuthToken]) >= r.cfg.MaxSessionsPerToken {
		if r.cfg.LimitPolicy == bridge.LimitPolicyCloseOldest {
			evicted = r.oldestForTokenLocked(msg.AuthToken)
			if evicted != nil {
				r.removeLocked(evicted)
			}
		} else {
			r.mu.Unlock()
			r.sendFailure(conn, bridge.CodeSessionLimitExceeded, bridge.CloseReasonLimitExceeded)
			r.closeConn(conn, bridge.ClosePolicyViolation, bridge.CloseReasonLimitExceeded)
			return nil, bridge.NewError(bridge.CodeSessionLimitExceeded,
				fmt.Sprintf("token already has %d sessions", r.cfg.MaxSessionsPerToken))
		}
	}

	s := newSession(sessionID, conn, msg.AuthToken, msg.SessionName, msg.Origin, msg.PageTitle, msg.UserAgent, now)
	r.insertLocked(s)
	hooks := r.closeHooks
	r.mu.Unlock()

	if evicted != nil {
		r.finishClose(evicted, hooks, bridge.ClosePolicyViolation, bridge.CloseReasonLimitExceeded)
	}
	r.send(conn, protocol.Authenticated())
	r.notifyTools(msg.AuthToken)
	logger.Infow("session authenticated", "session_id", sessionID, "session_name", msg.SessionName, "origin", msg.Origin)
	return s, nil
}

// RegisterTool adds or replaces a tool on the session. A session may redefine
// its own tool freely, but when another live session under the same token
// already exposes the name, the schemas must match structurally.
func (r *Registry) RegisterTool(sessionID string, def bridge.ToolDefinition) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return bridge.NewError(bridge.CodeSessionNotFound, sessionID)
	}
	if def.Name == "" {
		conn := s.conn
		r.mu.Unlock()
		r.send(conn, protocol.RegistrationError("", bridge.CodeInternalError, "tool name required"))
		return bridge.NewError(bridge.CodeInternalError, "register-tool without a tool name")
	}
	for _, other := range r.byToken[s.authToken] {
		if other.id == s.id {
			continue
		}
		existing, found := other.Tool(def.Name)
		if !found {
			continue
		}
		if !bridge.SchemasEqual(existing.InputSchema, def.InputSchema) ||
			!bridge.SchemasEqual(existing.OutputSchema, def.OutputSchema) {
			conn := s.conn
			r.mu.Unlock()
			msg := fmt.Sprintf("tool %q is already registered with a different schema", def.Name)
			r.send(conn, protocol.RegistrationError(def.Name, bridge.CodeToolSchemaConflict, msg))
			return bridge.NewError(bridge.CodeToolSchemaConflict, msg)
		}
	}
	s.setTool(def)
	token := s.authToken
	r.mu.Unlock()

	r.notifyTools(token)
	return nil
}

// RegisterResource adds or replaces a resource on the session. Duplicate URIs
// across sessions are allowed; listing deduplicates them.
func (r *Registry) RegisterResource(sessionID string, def bridge.ResourceDefinition) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return bridge.NewError(bridge.CodeSessionNotFound, sessionID)
	}
	if def.URI == "" {
		r.send(s.conn, protocol.RegistrationError("", bridge.CodeInternalError, "resource uri required"))
		return bridge.NewError(bridge.CodeInternalError, "register-resource without a uri")
	}
	s.setResource(def)
	r.notifyResources(s.authToken)
	return nil
}

// RegisterPrompt adds or replaces a prompt on the session.
func (r *Registry) RegisterPrompt(sessionID string, def bridge.PromptDefinition) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return bridge.NewError(bridge.CodeSessionNotFound, sessionID)
	}
	if def.Name == "" {
		r.send(s.conn, protocol.RegistrationError("", bridge.CodeInternalError, "prompt name required"))
		return bridge.NewError(bridge.CodeInternalError, "register-prompt without a name")
	}
	s.setPrompt(def)
	r.notifyPrompts(s.authToken)
	return nil
}

// Activity refreshes the session's liveness timestamp.
func (r *Registry) Activity(sessionID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	now := r.now()
	r.mu.RUnlock()
	if ok {
		s.Touch(now)
	}
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// SessionsForToken returns the token's live sessions, oldest first.
func (r *Registry) SessionsForToken(token string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionsForTokenLocked(token)
}

func (r *Registry) sessionsForTokenLocked(token string) []*Session {
	out := make([]*Session, 0, len(r.byToken[token]))
	for _, s := range r.byToken[token] {
		out = append(out, s)
	}
	sortSessions(out)
	return out
}

// Summaries renders every live session under the token, oldest first.
func (r *Registry) Summaries(token string) []bridge.SessionSummary {
	sessions := r.SessionsForToken(token)
	out := make([]bridge.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Count returns the total number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountForToken returns the number of live sessions under the token.
func (r *Registry) CountForToken(token string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken[token])
}

// TryAddQuery reserves a query slot, enforcing the per-token in-flight cap
// atomically with the membership check.
func (r *Registry) TryAddQuery(sessionID, queryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return bridge.NewError(bridge.CodeSessionNotFound, sessionID)
	}
	if limit := r.cfg.MaxInFlightQueriesPerToken; limit > 0 {
		inFlight := 0
		for _, peer := range r.byToken[s.authToken] {
			inFlight += peer.queryCount()
		}
		if inFlight >= limit {
			return bridge.NewError(bridge.CodeQueryLimitExceeded,
				fmt.Sprintf("token already has %d queries in flight", inFlight))
		}
	}
	s.addQuery(queryID)
	return nil
}

// RemoveQuery releases a query slot. Unknown ids are ignored.
func (r *Registry) RemoveQuery(sessionID, queryID string) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		s.removeQuery(queryID)
	}
}

// Close removes the session and tears down its socket. code 0 skips the
// socket close, for peers that already disconnected. Closing an unknown id is
// a no-op, which makes disconnect handling idempotent.
func (r *Registry) Close(sessionID string, code int, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.removeLocked(s)
	hooks := r.closeHooks
	r.mu.Unlock()

	r.finishClose(s, hooks, code, reason)
	logger.Infow("session closed", "session_id", sessionID, "reason", reason)
}

// CloseAll tears down every session, used at shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Close(id, code, reason)
	}
}

// Sweep closes every session older than maxAge, counted from authentication.
// A non-positive maxAge disables the cap. Returns the number closed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	r.mu.RLock()
	cutoff := r.now().Add(-maxAge)
	expired := make([]string, 0)
	for id, s := range r.sessions {
		if s.connectedAt.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()
	for _, id := range expired {
		r.Close(id, bridge.ClosePolicyViolation, bridge.CloseReasonDurationCap)
	}
	return len(expired)
}

func (r *Registry) insertLocked(s *Session) {
	r.sessions[s.id] = s
	peers, ok := r.byToken[s.authToken]
	if !ok {
		peers = make(map[string]*Session)
		r.byToken[s.authToken] = peers
	}
	peers[s.id] = s
	if s.name != "" {
		r.byName[nameKey{s.authToken, s.name}] = s
	}
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.id)
	if peers, ok := r.byToken[s.authToken]; ok {
		delete(peers, s.id)
		if len(peers) == 0 {
			delete(r.byToken, s.authToken)
		}
	}
	if s.name != "" {
		delete(r.byName, nameKey{s.authToken, s.name})
	}
}

func (r *Registry) oldestForTokenLocked(token string) *Session {
	var oldest *Session
	for _, s := range r.byToken[token] {
		if oldest == nil || s.connectedAt.Before(oldest.connectedAt) {
			oldest = s
		}
	}
	return oldest
}

// finishClose runs outside the registry lock: hooks first so in-flight calls
// and queries abort before the peer sees the socket drop.
func (r *Registry) finishClose(s *Session, hooks []CloseHook, code int, reason string) {
	for _, hook := range hooks {
		hook(s)
	}
	if code != 0 {
		r.closeConn(s.conn, code, reason)
	}
	r.notifyTools(s.authToken)
	if s.resourceCount() > 0 {
		r.notifyResources(s.authToken)
	}
	if s.promptCount() > 0 {
		r.notifyPrompts(s.authToken)
	}
}

func (r *Registry) sendFailure(conn types.WebSocketConn, code bridge.Code, reason string) {
	r.send(conn, protocol.AuthenticationFailed(code, reason))
}

func (r *Registry) send(conn types.WebSocketConn, msg any) {
	data, err := protocol.Marshal(msg)
	if err != nil {
		logger.Errorf("marshaling outbound message: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		logger.Debugf("sending to frontend: %v", err)
	}
}

func (r *Registry) closeConn(conn types.WebSocketConn, code int, reason string) {
	if err := conn.Close(code, reason); err != nil {
		logger.Debugf("closing frontend socket: %v", err)
	}
}

func (r *Registry) notifyTools(token string) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.NotifyToolsListChanged(token)
	}
}

func (r *Registry) notifyResources(token string) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.NotifyResourcesListChanged(token)
	}
}

func (r *Registry) notifyPrompts(token string) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.NotifyPromptsListChanged(token)
	}
}

func sortSessions(sessions []*Session) {
	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.connectedAt.Compare(b.connectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
}
