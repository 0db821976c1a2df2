// Package session implements the frontend session registry and its secondary
// indexes: token to sessions, and (token, name) to session. The registry
// enforces session-id uniqueness, per-token name uniqueness, per-token session
// quotas, and schema agreement across a token's tool catalog. All socket I/O
// happens outside the registry's locks.
package session

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// Session is one authenticated frontend connection and the catalog it has
// registered. Identity fields are immutable after creation; the catalog and
// activity fields are guarded by the session's own lock so holders of a
// *Session can read them without going through the registry.
type Session struct {
	id          string
	authToken   string
	name        string
	origin      string
	pageTitle   string
	userAgent   string
	connectedAt time.Time
	conn        types.WebSocketConn

	mu           sync.RWMutex
	lastActivity time.Time
	tools        map[string]bridge.ToolDefinition
	resources    map[string]bridge.ResourceDefinition
	prompts      map[string]bridge.PromptDefinition
	queries      map[string]struct{}
}

func newSession(id string, conn types.WebSocketConn, token, name, origin, pageTitle, userAgent string, now time.Time) *Session {
	return &Session{
		id:           id,
		authToken:    token,
		name:         name,
		origin:       origin,
		pageTitle:    pageTitle,
		userAgent:    userAgent,
		connectedAt:  now,
		conn:         conn,
		lastActivity: now,
		tools:        make(map[string]bridge.ToolDefinition),
		resources:    make(map[string]bridge.ResourceDefinition),
		prompts:      make(map[string]bridge.PromptDefinition),
		queries:      make(map[string]struct{}),
	}
}

// ID returns the client-chosen session id.
func (s *Session) ID() string { return s.id }

// AuthToken returns the token grouping this session.
func (s *Session) AuthToken() string { return s.authToken }

// Name returns the optional session name, or "".
func (s *Session) Name() string { return s.name }

// Origin returns the advisory page origin.
func (s *Session) Origin() string { return s.origin }

// PageTitle returns the advisory page title.
func (s *Session) PageTitle() string { return s.pageTitle }

// UserAgent returns the advisory user agent.
func (s *Session) UserAgent() string { return s.userAgent }

// ConnectedAt returns when the session authenticated.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Conn returns the underlying socket handle.
func (s *Session) Conn() types.WebSocketConn { return s.conn }

// LastActivity returns the last time the session showed life.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// Tool returns the named tool definition.
func (s *Session) Tool(name string) (bridge.ToolDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.tools[name]
	return def, ok
}

// Tools returns the session's tool catalog sorted by name.
func (s *Session) Tools() []bridge.ToolDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]bridge.ToolDefinition, 0, len(s.tools))
	for _, name := range slices.Sorted(maps.Keys(s.tools)) {
		defs = append(defs, s.tools[name])
	}
	return defs
}

// ToolNames returns the sorted names of the session's tools.
func (s *Session) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.tools))
}

// Resource returns the resource registered under uri.
func (s *Session) Resource(uri string) (bridge.ResourceDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.resources[uri]
	return def, ok
}

// Resources returns the session's resources sorted by URI.
func (s *Session) Resources() []bridge.ResourceDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]bridge.ResourceDefinition, 0, len(s.resources))
	for _, uri := range slices.Sorted(maps.Keys(s.resources)) {
		defs = append(defs, s.resources[uri])
	}
	return defs
}

// Prompt returns the named prompt definition.
func (s *Session) Prompt(name string) (bridge.PromptDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.prompts[name]
	return def, ok
}

// Prompts returns the session's prompts sorted by name.
func (s *Session) Prompts() []bridge.PromptDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]bridge.PromptDefinition, 0, len(s.prompts))
	for _, name := range slices.Sorted(maps.Keys(s.prompts)) {
		defs = append(defs, s.prompts[name])
	}
	return defs
}

// Summary renders the wire form of the session for MCP clients.
func (s *Session) Summary() bridge.SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bridge.SessionSummary{
		SessionID:      s.id,
		SessionName:    s.name,
		Origin:         s.origin,
		PageTitle:      s.pageTitle,
		ConnectedAt:    s.connectedAt,
		LastActivity:   s.lastActivity,
		AvailableTools: slices.Sorted(maps.Keys(s.tools)),
	}
}

func (s *Session) setTool(def bridge.ToolDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[def.Name] = def
}

func (s *Session) setResource(def bridge.ResourceDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[def.URI] = def
}

func (s *Session) setPrompt(def bridge.PromptDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[def.Name] = def
}

func (s *Session) resourceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.resources)
}

func (s *Session) promptCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.prompts)
}

func (s *Session) addQuery(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[uuid] = struct{}{}
}

func (s *Session) removeQuery(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queries, uuid)
}

func (s *Session) queryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queries)
}

// QueryIDs returns the ids of the session's in-flight queries.
func (s *Session) QueryIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.queries))
}
