package streamable

import (
	"encoding/json"
	"regexp"

	"github.com/mark3labs/mcp-go/mcp"
)

var dataImageRe = regexp.MustCompile(`^data:(image/[A-Za-z0-9.+-]+);base64,([A-Za-z0-9+/=\s]+)$`)

// resultContent converts an opaque frontend tool result into MCP content
// blocks. String payloads pass through as text, except data-URL images which
// become image blocks with their declared media type. Array payloads fan out
// one block per element. Everything else is carried as its JSON text.
func resultContent(payload json.RawMessage) []mcp.Content {
	if len(payload) == 0 {
		return []mcp.Content{mcp.NewTextContent("")}
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err == nil && len(payload) > 0 && payload[0] == '[' {
		blocks := make([]mcp.Content, 0, len(elements))
		for _, el := range elements {
			blocks = append(blocks, singleContent(el))
		}
		if len(blocks) == 0 {
			blocks = append(blocks, mcp.NewTextContent("[]"))
		}
		return blocks
	}

	return []mcp.Content{singleContent(payload)}
}

func singleContent(payload json.RawMessage) mcp.Content {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		if m := dataImageRe.FindStringSubmatch(s); m != nil {
			return mcp.NewImageContent(m[2], m[1])
		}
		return mcp.NewTextContent(s)
	}
	return mcp.NewTextContent(string(payload))
}

// structuredResult decodes the payload for the structuredContent field when
// the tool declared an output schema. Non-object payloads are skipped.
func structuredResult(payload json.RawMessage) any {
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil
	}
	return out
}
