package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/bridgetest"
	"github.com/flekschas/mcp-web/pkg/bridge/streamable"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

const waitFor = 2 * time.Second

type fixture struct {
	t      *testing.T
	sched  *bridgetest.ManualScheduler
	bridge *Bridge
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := Config{
		Info:      streamable.ServerInfo{Name: "mcp-web", Version: "1.2.3"},
		Scheduler: bridgetest.NewManualScheduler(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	sched, _ := cfg.Scheduler.(*bridgetest.ManualScheduler)
	return &fixture{t: t, sched: sched, bridge: b}
}

// connect opens a socket and authenticates it. Frame 0 on the conn is the
// authenticated ack.
func (f *fixture) connect(sessionID, token string) (*Conn, *bridgetest.Conn) {
	f.t.Helper()
	sock := &bridgetest.Conn{}
	c := f.bridge.Connect(sessionID, sock)
	f.bridge.HandleMessage(c, fmt.Sprintf(
		`{"type":"authenticate","authToken":%q,"origin":"https://app.example.com"}`, token))
	sent, ok := sock.WaitForSent(1, waitFor)
	require.True(f.t, ok)
	require.Equal(f.t, "authenticated", gjson.Get(sent[0], "type").String())
	return c, sock
}

func (f *fixture) mcpRequest(method, body string, headers map[string]string) *types.HTTPResponse {
	f.t.Helper()
	u, err := url.Parse("http://bridge.local/mcp")
	require.NoError(f.t, err)
	header := make(http.Header)
	for k, v := range headers {
		header.Set(k, v)
	}
	return f.bridge.HandleMCPRequest(context.Background(), &types.HTTPRequest{
		Method: method,
		URL:    u,
		Header: header,
		Body:   body,
	})
}

func (f *fixture) initialize(token string) string {
	f.t.Helper()
	resp := f.mcpRequest(http.MethodPost,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(f.t, http.StatusOK, resp.Status)
	sid := resp.Headers[streamable.HeaderMCPSessionID]
	require.NotEmpty(f.t, sid)
	return sid
}

func TestAuthenticateBindsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	c, sock := f.connect("sess-1", "token-a")

	require.Equal(t, 1, f.bridge.Registry().Count())
	s, ok := f.bridge.Registry().Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "token-a", s.AuthToken())
	assert.Equal(t, "https://app.example.com", s.Origin())

	// A repeat authenticate on a bound socket is ignored.
	f.bridge.HandleMessage(c, `{"type":"authenticate","authToken":"token-a"}`)
	assert.Len(t, sock.Sent(), 1)
	assert.Equal(t, 1, f.bridge.Registry().Count())
}

func TestUnauthenticatedFramesClose(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	sock := &bridgetest.Conn{}
	c := f.bridge.Connect("sess-1", sock)
	f.bridge.HandleMessage(c, `{"type":"register-tool","tool":{"name":"search"}}`)

	sent, ok := sock.WaitForSent(1, waitFor)
	require.True(t, ok)
	assert.Equal(t, "authentication-failed", gjson.Get(sent[0], "type").String())
	assert.Equal(t, "MissingAuthentication", gjson.Get(sent[0], "code").String())

	closed, code, reason := sock.CloseState()
	assert.True(t, closed)
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, bridge.CloseReasonNotAuthenticated, reason)
	assert.Equal(t, 0, f.bridge.Registry().Count())
}

func TestUnparseableFrameIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	sock := &bridgetest.Conn{}
	c := f.bridge.Connect("sess-1", sock)
	f.bridge.HandleMessage(c, `{not json`)
	f.bridge.HandleMessage(c, `{"noType":true}`)

	// The socket survives garbage and can still authenticate.
	assert.Empty(t, sock.Sent())
	closed, _, _ := sock.CloseState()
	assert.False(t, closed)

	f.bridge.HandleMessage(c, `{"type":"authenticate","authToken":"token-a"}`)
	sent, ok := sock.WaitForSent(1, waitFor)
	require.True(t, ok)
	assert.Equal(t, "authenticated", gjson.Get(sent[0], "type").String())
}

func TestRegistrationErrorsReachTheFrontend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	ca, _ := f.connect("sess-a", "token-a")
	cb, sockB := f.connect("sess-b", "token-a")

	f.bridge.HandleMessage(ca, `{"type":"register-tool","tool":{"name":"search","inputSchema":{"type":"object"}}}`)
	f.bridge.HandleMessage(cb, `{"type":"register-tool","tool":{"name":"search","inputSchema":{"type":"string"}}}`)

	sent, ok := sockB.WaitForSent(2, waitFor)
	require.True(t, ok)
	assert.Equal(t, "registration-error", gjson.Get(sent[1], "type").String())
	assert.Equal(t, "search", gjson.Get(sent[1], "toolName").String())
	assert.Equal(t, "ToolSchemaConflict", gjson.Get(sent[1], "code").String())
	assert.NotEmpty(t, gjson.Get(sent[1], "message").String())
}

func TestToolCallRoundTripThroughFacade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	c, sock := f.connect("sess-1", "token-a")
	f.bridge.HandleMessage(c, `{"type":"register-tool","tool":{"name":"search","inputSchema":{"type":"object","properties":{"q":{"type":"string"}}}}}`)
	sid := f.initialize("token-a")

	done := make(chan *types.HTTPResponse, 1)
	go func() {
		done <- f.mcpRequest(http.MethodPost,
			`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"search","arguments":{"q":"tofu"}}}`,
			map[string]string{streamable.HeaderMCPSessionID: sid})
	}()

	sent, ok := sock.WaitForSent(2, waitFor)
	require.True(t, ok)
	assert.Equal(t, "tool-call", gjson.Get(sent[1], "type").String())
	assert.Equal(t, "search", gjson.Get(sent[1], "toolName").String())
	requestID := gjson.Get(sent[1], "requestId").String()
	require.NotEmpty(t, requestID)

	f.bridge.HandleMessage(c, fmt.Sprintf(
		`{"type":"tool-response","requestId":%q,"result":{"hits":3}}`, requestID))

	select {
	case resp := <-done:
		require.Equal(t, http.StatusOK, resp.Status)
		assert.False(t, gjson.GetBytes(resp.Body, "result.isError").Bool())
		text := gjson.GetBytes(resp.Body, "result.content.0.text").String()
		assert.JSONEq(t, `{"hits":3}`, text)
	case <-time.After(waitFor):
		t.Fatal("tools/call did not resolve")
	}
	assert.Equal(t, 0, f.bridge.Pending())
}

func TestLateToolResponseIsDropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	c, sock := f.connect("sess-1", "token-a")
	f.bridge.HandleMessage(c, `{"type":"tool-response","requestId":"stale-id","result":{}}`)

	// Nothing beyond the authenticated ack; the session is untouched.
	assert.Len(t, sock.Sent(), 1)
	assert.Equal(t, 1, f.bridge.Registry().Count())
}

func TestActivityTouchesSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	f.bridge.Registry().SetClock(func() time.Time { return now })

	c, _ := f.connect("sess-1", "token-a")
	s, ok := f.bridge.Registry().Get("sess-1")
	require.True(t, ok)
	before := s.LastActivity()

	now = now.Add(42 * time.Second)
	f.bridge.HandleMessage(c, `{"type":"activity"}`)

	assert.Equal(t, before.Add(42*time.Second), s.LastActivity())
}

func TestQueryDispatchAndCancelErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"type":"complete","message":"done"}`)
	}))
	t.Cleanup(srv.Close)

	f := newFixture(t, func(cfg *Config) { cfg.AgentURL = srv.URL })
	c, sock := f.connect("sess-1", "token-a")

	f.bridge.HandleMessage(c,
		`{"type":"query","uuid":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","prompt":"hi"}`)

	sent, ok := sock.WaitForSent(3, waitFor)
	require.True(t, ok)
	assert.Equal(t, "query_accepted", gjson.Get(sent[1], "type").String())
	assert.Equal(t, "query_complete", gjson.Get(sent[2], "type").String())
	require.Eventually(t, func() bool { return f.bridge.ActiveQueries() == 0 },
		waitFor, 10*time.Millisecond)

	// Cancelling a settled query reports the failure on the socket.
	f.bridge.HandleMessage(c,
		`{"type":"query_cancel","uuid":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","reason":"late"}`)
	sent, ok = sock.WaitForSent(4, waitFor)
	require.True(t, ok)
	assert.Equal(t, "query_failure", gjson.Get(sent[3], "type").String())
	assert.Equal(t, "QueryNotFound", gjson.Get(sent[3], "error").String())
}

func TestDisconnectAbortsPendingCalls(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	c, sock := f.connect("sess-1", "token-a")
	f.bridge.HandleMessage(c, `{"type":"register-tool","tool":{"name":"search"}}`)
	sid := f.initialize("token-a")

	done := make(chan *types.HTTPResponse, 1)
	go func() {
		done <- f.mcpRequest(http.MethodPost,
			`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":{"name":"search","arguments":{}}}`,
			map[string]string{streamable.HeaderMCPSessionID: sid})
	}()

	_, ok := sock.WaitForSent(2, waitFor)
	require.True(t, ok)

	f.bridge.HandleDisconnect(c)

	select {
	case resp := <-done:
		require.Equal(t, http.StatusOK, resp.Status)
		assert.True(t, gjson.GetBytes(resp.Body, "result.isError").Bool())
		payload := gjson.GetBytes(resp.Body, "result.content.0.text").String()
		assert.Equal(t, "SessionClosed", gjson.Get(payload, "error").String())
	case <-time.After(waitFor):
		t.Fatal("pending call did not abort on disconnect")
	}
	assert.Equal(t, 0, f.bridge.Registry().Count())

	// Disconnecting twice is harmless.
	f.bridge.HandleDisconnect(c)
}

func TestSessionSweepClosesExpired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(cfg *Config) { cfg.SessionMaxDuration = time.Hour })

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	f.bridge.Registry().SetClock(func() time.Time { return now })

	_, sock := f.connect("sess-1", "token-a")

	// Within the cap nothing happens.
	f.sched.Tick()
	closed, _, _ := sock.CloseState()
	assert.False(t, closed)

	now = now.Add(2 * time.Hour)
	f.sched.Tick()

	closed, code, reason := sock.CloseState()
	assert.True(t, closed)
	assert.Equal(t, bridge.ClosePolicyViolation, code)
	assert.Equal(t, bridge.CloseReasonDurationCap, reason)
	assert.Equal(t, 0, f.bridge.Registry().Count())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	c, sock := f.connect("sess-1", "token-a")
	f.bridge.HandleMessage(c, `{"type":"register-tool","tool":{"name":"search"}}`)
	sid := f.initialize("token-a")

	done := make(chan *types.HTTPResponse, 1)
	go func() {
		done <- f.mcpRequest(http.MethodPost,
			`{"jsonrpc":"2.0","id":9,"method":"tools/call","params":{"name":"search","arguments":{}}}`,
			map[string]string{streamable.HeaderMCPSessionID: sid})
	}()
	_, ok := sock.WaitForSent(2, waitFor)
	require.True(t, ok)

	f.bridge.Close()

	select {
	case resp := <-done:
		require.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "BridgeShutdown", gjson.GetBytes(resp.Body, "error.message").String())
	case <-time.After(waitFor):
		t.Fatal("pending call did not resolve on shutdown")
	}

	closed, code, reason := sock.CloseState()
	assert.True(t, closed)
	assert.Equal(t, bridge.CloseGoingAway, code)
	assert.Equal(t, bridge.CloseReasonShutdown, reason)
	assert.Equal(t, 0, f.bridge.MCPSessions())

	// The second close returns without touching anything again.
	f.bridge.Close()
}

func TestNewRejectsUnknownLimitPolicy(t *testing.T) {
	t.Parallel()
	_, err := New(Config{LimitPolicy: "sideways"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sideways")
}
