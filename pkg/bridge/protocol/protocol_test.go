package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKnownMessages(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		data  string
		check func(t *testing.T, msg any)
	}{
		{
			name: "authenticate",
			data: `{"type":"authenticate","authToken":"T","sessionName":"Game 1","origin":"https://example.com","pageTitle":"Board","userAgent":"UA","timestamp":1712000000000}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(AuthenticateMessage)
				require.True(t, ok)
				assert.Equal(t, "T", m.AuthToken)
				assert.Equal(t, "Game 1", m.SessionName)
				assert.Equal(t, "https://example.com", m.Origin)
				assert.Equal(t, int64(1712000000000), m.Timestamp)
			},
		},
		{
			name: "register-tool",
			data: `{"type":"register-tool","tool":{"name":"move","description":"Move a piece","inputSchema":{"type":"object","properties":{"from":{"type":"string"}}}}}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(RegisterToolMessage)
				require.True(t, ok)
				assert.Equal(t, "move", m.Tool.Name)
				assert.Equal(t, "Move a piece", m.Tool.Description)
				assert.NotEmpty(t, m.Tool.InputSchema)
				assert.Empty(t, m.Tool.OutputSchema)
			},
		},
		{
			name: "register-resource",
			data: `{"type":"register-resource","resource":{"uri":"app://board","name":"board","mimeType":"application/json"}}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(RegisterResourceMessage)
				require.True(t, ok)
				assert.Equal(t, "app://board", m.Resource.URI)
				assert.Equal(t, "application/json", m.Resource.MimeType)
			},
		},
		{
			name: "register-prompt",
			data: `{"type":"register-prompt","prompt":{"name":"summarize","arguments":[{"name":"length","required":true}]}}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(RegisterPromptMessage)
				require.True(t, ok)
				assert.Equal(t, "summarize", m.Prompt.Name)
				require.Len(t, m.Prompt.Arguments, 1)
				assert.True(t, m.Prompt.Arguments[0].Required)
			},
		},
		{
			name: "activity",
			data: `{"type":"activity","timestamp":1712000000001}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(ActivityMessage)
				require.True(t, ok)
				assert.Equal(t, int64(1712000000001), m.Timestamp)
			},
		},
		{
			name: "tool-response",
			data: `{"type":"tool-response","requestId":"r-1","result":{"ok":true}}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(ToolResponseMessage)
				require.True(t, ok)
				assert.Equal(t, TypeToolResponse, m.Type)
				assert.Equal(t, "r-1", m.RequestID)
				assert.JSONEq(t, `{"ok":true}`, string(m.Result))
			},
		},
		{
			name: "resource-response shares the response shape",
			data: `{"type":"resource-response","requestId":"r-2","result":"contents"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(ToolResponseMessage)
				require.True(t, ok)
				assert.Equal(t, TypeResourceResponse, m.Type)
				assert.Equal(t, "r-2", m.RequestID)
			},
		},
		{
			name: "query",
			data: `{"type":"query","uuid":"11111111-2222-3333-4444-555555555555","prompt":"hello","context":{"board":"..."},"restrictTools":true,"timeout":5000}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(QueryMessage)
				require.True(t, ok)
				assert.Equal(t, "hello", m.Prompt)
				assert.True(t, m.RestrictTools)
				assert.Equal(t, int64(5000), m.Timeout)
				assert.JSONEq(t, `{"board":"..."}`, string(m.Context))
			},
		},
		{
			name: "query_cancel",
			data: `{"type":"query_cancel","uuid":"u-1","reason":"user navigated away"}`,
			check: func(t *testing.T, msg any) {
				m, ok := msg.(QueryCancelMessage)
				require.True(t, ok)
				assert.Equal(t, "u-1", m.UUID)
				assert.Equal(t, "user navigated away", m.Reason)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Parse(tt.data)
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{"unknown type", `{"type":"no-such-thing"}`},
		{"missing type", `{"requestId":"r-1"}`},
		{"not json", `not json at all`},
		{"wrong field shape", `{"type":"authenticate","timestamp":"not-a-number"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestSniff(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "query", Sniff(`{"type":"query","uuid":"u"}`))
	assert.Equal(t, "", Sniff(`{"uuid":"u"}`))
	assert.Equal(t, "", Sniff(`garbage`))
}

func TestOutboundConstructors(t *testing.T) {
	t.Parallel()

	auth, err := Marshal(Authenticated())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"authenticated","success":true}`, auth)

	failed, err := Marshal(AuthenticationFailed("SessionLimitExceeded", "Session limit exceeded"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"authentication-failed","code":"SessionLimitExceeded","error":"Session limit exceeded"}`, failed)

	call, err := Marshal(ToolCall("r-9", "move", json.RawMessage(`{"from":"e2"}`)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool-call","requestId":"r-9","toolName":"move","toolInput":{"from":"e2"}}`, call)

	// Absent input stays absent on the wire.
	bare, err := Marshal(ToolCall("r-10", "ping", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"tool-call","requestId":"r-10","toolName":"ping"}`, bare)

	complete, err := Marshal(QueryComplete("u-1", "", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"query_complete","uuid":"u-1","toolCalls":[]}`, complete)

	progress, err := Marshal(QueryProgress("u-1", "thinking"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"query_progress","uuid":"u-1","message":"thinking"}`, progress)
}
