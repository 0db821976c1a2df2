package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/protocol"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        []string
	closed      bool
	closeCode   int
	closeReason string
}

func (c *fakeConn) Send(data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

func (c *fakeConn) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return types.ReadyStateClosed
	}
	return types.ReadyStateOpen
}

func (c *fakeConn) lastSent(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent, "expected at least one outbound message")
	return c.sent[len(c.sent)-1]
}

func (c *fakeConn) closeState() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

type fakeNotifier struct {
	mu     sync.Mutex
	tools  []string
	rsrcs  []string
	prmpts []string
}

func (n *fakeNotifier) NotifyToolsListChanged(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tools = append(n.tools, token)
}

func (n *fakeNotifier) NotifyResourcesListChanged(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rsrcs = append(n.rsrcs, token)
}

func (n *fakeNotifier) NotifyPromptsListChanged(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prmpts = append(n.prmpts, token)
}

func (n *fakeNotifier) toolEvents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.tools...)
}

func authMsg(token, name string) *protocol.AuthenticateMessage {
	return &protocol.AuthenticateMessage{
		Type:        protocol.TypeAuthenticate,
		AuthToken:   token,
		SessionName: name,
	}
}

func mustAuthenticate(t *testing.T, r *Registry, id, token, name string) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := r.Authenticate(id, conn, authMsg(token, name))
	require.NoError(t, err)
	return s, conn
}

func TestAuthenticateAdmitsSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	conn := &fakeConn{}
	s, err := r.Authenticate("sess-1", conn, &protocol.AuthenticateMessage{
		Type:      protocol.TypeAuthenticate,
		AuthToken: "token-a",
		Origin:    "https://app.example.com",
		PageTitle: "Dashboard",
	})
	require.NoError(t, err)
	require.NotNil(t, s)

	msg := conn.lastSent(t)
	assert.Equal(t, "authenticated", gjson.Get(msg, "type").String())

	got, ok := r.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "token-a", got.AuthToken())
	assert.Equal(t, "https://app.example.com", got.Origin())
	assert.Equal(t, 1, r.CountForToken("token-a"))
}

func TestAuthenticateRejectsDuplicateSessionID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	mustAuthenticate(t, r, "sess-1", "token-a", "")

	conn := &fakeConn{}
	_, err := r.Authenticate("sess-1", conn, authMsg("token-b", ""))
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeSessionIDInUse))

	msg := conn.lastSent(t)
	assert.Equal(t, "authentication-failed", gjson.Get(msg, "type").String())
	assert.Equal(t, string(bridge.CodeSessionIDInUse), gjson.Get(msg, "code").String())

	closed, _, _ := conn.closeState()
	assert.False(t, closed, "id collisions must leave the socket open for a retry")
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	conn := &fakeConn{}
	_, err := r.Authenticate("sess-1", conn, authMsg("", ""))
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeMissingAuthentication))

	closed, _, _ := conn.closeState()
	assert.False(t, closed)
	assert.Equal(t, 0, r.Count())
}

func TestAuthenticateRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	mustAuthenticate(t, r, "sess-1", "token-a", "checkout")

	conn := &fakeConn{}
	_, err := r.Authenticate("sess-2", conn, authMsg("token-a", "checkout"))
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeSessionNameAlreadyInUse))

	msg := conn.lastSent(t)
	assert.Equal(t, "authentication-failed", gjson.Get(msg, "type").String())

	closed, code, reason := conn.closeState()
	assert.True(t, closed)
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, "Session name already in use", reason)
}

func TestAuthenticateAllowsSameNameAcrossTokens(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	mustAuthenticate(t, r, "sess-1", "token-a", "checkout")
	mustAuthenticate(t, r, "sess-2", "token-b", "checkout")

	assert.Equal(t, 2, r.Count())
}

func TestSessionLimitRejectsNewcomer(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{MaxSessionsPerToken: 2, LimitPolicy: bridge.LimitPolicyReject})
	mustAuthenticate(t, r, "sess-1", "token-a", "")
	mustAuthenticate(t, r, "sess-2", "token-a", "")

	conn := &fakeConn{}
	_, err := r.Authenticate("sess-3", conn, authMsg("token-a", ""))
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeSessionLimitExceeded))

	closed, code, reason := conn.closeState()
	assert.True(t, closed)
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, "Session limit exceeded", reason)
	assert.Equal(t, 2, r.CountForToken("token-a"))

	// Other tokens are unaffected by the cap being hit.
	mustAuthenticate(t, r, "sess-4", "token-b", "")
}

func TestSessionLimitClosesOldest(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{MaxSessionsPerToken: 2, LimitPolicy: bridge.LimitPolicyCloseOldest})
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return clock })

	_, oldConn := mustAuthenticate(t, r, "sess-1", "token-a", "first")
	clock = clock.Add(time.Minute)
	mustAuthenticate(t, r, "sess-2", "token-a", "")
	clock = clock.Add(time.Minute)

	var hooked []string
	r.OnSessionClosed(func(s *Session) { hooked = append(hooked, s.ID()) })

	_, newConn := mustAuthenticate(t, r, "sess-3", "token-a", "")

	closed, code, reason := oldConn.closeState()
	assert.True(t, closed, "oldest session should be evicted")
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, "Session limit exceeded", reason)
	assert.Equal(t, []string{"sess-1"}, hooked)

	closed, _, _ = newConn.closeState()
	assert.False(t, closed)
	assert.Equal(t, 2, r.CountForToken("token-a"))
	_, ok := r.Get("sess-1")
	assert.False(t, ok)

	// The evicted session's name is free again.
	mustAuthenticate(t, r, "sess-4", "token-b", "first")
}

func TestRegisterToolNotifiesAndLists(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	n := &fakeNotifier{}
	r.SetNotifier(n)
	s, _ := mustAuthenticate(t, r, "sess-1", "token-a", "")

	err := r.RegisterTool("sess-1", bridge.ToolDefinition{
		Name:        "get_cart",
		Description: "Read the shopping cart",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	})
	require.NoError(t, err)

	defs := s.Tools()
	require.Len(t, defs, 1)
	assert.Equal(t, "get_cart", defs[0].Name)
	assert.Contains(t, n.toolEvents(), "token-a")
}

func TestRegisterToolSchemaConflict(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	mustAuthenticate(t, r, "sess-1", "token-a", "")
	_, conn2 := mustAuthenticate(t, r, "sess-2", "token-a", "")

	require.NoError(t, r.RegisterTool("sess-1", bridge.ToolDefinition{
		Name:        "get_cart",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}}}`),
	}))

	// Structurally equal schema with different key order is accepted.
	require.NoError(t, r.RegisterTool("sess-2", bridge.ToolDefinition{
		Name:        "get_cart",
		InputSchema: json.RawMessage(`{"properties":{"id":{"type":"string"}},"type":"object"}`),
	}))

	// A diverging schema is rejected with a registration-error.
	err := r.RegisterTool("sess-2", bridge.ToolDefinition{
		Name:        "get_cart",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"number"}}}`),
	})
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeToolSchemaConflict))

	msg := conn2.lastSent(t)
	assert.Equal(t, "registration-error", gjson.Get(msg, "type").String())
	assert.Equal(t, "get_cart", gjson.Get(msg, "toolName").String())
	assert.Equal(t, string(bridge.CodeToolSchemaConflict), gjson.Get(msg, "code").String())
}

func TestRegisterToolSameSessionMayRedefine(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	s, _ := mustAuthenticate(t, r, "sess-1", "token-a", "")

	require.NoError(t, r.RegisterTool("sess-1", bridge.ToolDefinition{
		Name:        "search",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}))
	require.NoError(t, r.RegisterTool("sess-1", bridge.ToolDefinition{
		Name:        "search",
		Description: "updated",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string"}}}`),
	}))

	def, ok := s.Tool("search")
	require.True(t, ok)
	assert.Equal(t, "updated", def.Description)
}

func TestQueryQuotaAcrossToken(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{MaxInFlightQueriesPerToken: 2})
	mustAuthenticate(t, r, "sess-1", "token-a", "")
	mustAuthenticate(t, r, "sess-2", "token-a", "")

	require.NoError(t, r.TryAddQuery("sess-1", "q1"))
	require.NoError(t, r.TryAddQuery("sess-2", "q2"))

	err := r.TryAddQuery("sess-1", "q3")
	require.Error(t, err)
	assert.True(t, bridge.IsCode(err, bridge.CodeQueryLimitExceeded))

	r.RemoveQuery("sess-2", "q2")
	assert.NoError(t, r.TryAddQuery("sess-1", "q3"))
}

func TestSweepClosesExpiredSessions(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return clock })

	_, oldConn := mustAuthenticate(t, r, "sess-old", "token-a", "")
	clock = clock.Add(45 * time.Minute)
	_, youngConn := mustAuthenticate(t, r, "sess-young", "token-a", "")
	clock = clock.Add(20 * time.Minute)

	closed := r.Sweep(time.Hour)
	assert.Equal(t, 1, closed)

	wasClosed, code, reason := oldConn.closeState()
	assert.True(t, wasClosed)
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, "Session duration exceeded", reason)

	wasClosed, _, _ = youngConn.closeState()
	assert.False(t, wasClosed)

	assert.Equal(t, 0, r.Sweep(0), "zero max age disables the sweep")
}

func TestCloseRunsHooksOnce(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	var hooked []string
	r.OnSessionClosed(func(s *Session) { hooked = append(hooked, s.ID()) })
	_, conn := mustAuthenticate(t, r, "sess-1", "token-a", "gone")

	r.Close("sess-1", bridge.CloseGoingAway, "Bridge shutting down")
	r.Close("sess-1", bridge.CloseGoingAway, "Bridge shutting down")

	assert.Equal(t, []string{"sess-1"}, hooked)
	_, code, reason := conn.closeState()
	assert.Equal(t, bridge.CloseGoingAway, code)
	assert.Equal(t, "Bridge shutting down", reason)

	// Removal frees the name for reuse.
	mustAuthenticate(t, r, "sess-2", "token-a", "gone")
}

func TestSessionsForTokenOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	r := NewRegistry(Config{})
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.SetClock(func() time.Time { return clock })

	mustAuthenticate(t, r, "sess-b", "token-a", "")
	clock = clock.Add(time.Second)
	mustAuthenticate(t, r, "sess-a", "token-a", "")

	got := r.SessionsForToken("token-a")
	require.Len(t, got, 2)
	assert.Equal(t, "sess-b", got[0].ID())
	assert.Equal(t, "sess-a", got[1].ID())

	summaries := r.Summaries("token-a")
	require.Len(t, summaries, 2)
	assert.Equal(t, "sess-b", summaries[0].SessionID)
}
