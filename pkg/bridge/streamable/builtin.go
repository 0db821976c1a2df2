package streamable

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/bridge/session"
)

// ToolListSessions is the built-in fleet-listing tool. It is always present
// in tools/list and short-circuits in tools/call without touching frontends.
const ToolListSessions = "list_sessions"

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

type builtinTool struct {
	def bridge.ToolDefinition
	run func(reg *session.Registry, authToken string) (*mcp.CallToolResult, error)
}

func builtinTools() map[string]builtinTool {
	return map[string]builtinTool{
		ToolListSessions: {
			def: bridge.ToolDefinition{
				Name:        ToolListSessions,
				Description: "List the browser sessions connected under the caller's auth token, including each session's id, name, origin, and available tools.",
				InputSchema: emptyObjectSchema,
			},
			run: runListSessions,
		},
	}
}

func runListSessions(reg *session.Registry, authToken string) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(map[string]any{"sessions": reg.Summaries(authToken)})
	if err != nil {
		return nil, bridge.WrapError(bridge.CodeInternalError, "encoding session list", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}, nil
}
