package bridge

import (
	"encoding/json"
	"time"
)

// This file contains shared domain types used across the bridge subpackages.

// ToolDefinition describes one tool a frontend session exposes. Schemas are
// JSON Schema documents carried verbatim from the wire; the bridge treats
// them as opaque except for structural-equality checks and optional input
// validation. A nil schema is distinct from an empty one.
type ToolDefinition struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ResourceDefinition describes one resource a frontend session exposes.
type ResourceDefinition struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptDefinition describes one prompt a frontend session exposes.
type PromptDefinition struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument is one declared argument of a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// SessionSummary is the wire form of one frontend session as reported to MCP
// clients, both by the list_sessions built-in tool and in available_sessions
// context on soft errors.
type SessionSummary struct {
	SessionID      string    `json:"session_id"`
	SessionName    string    `json:"session_name,omitempty"`
	Origin         string    `json:"origin,omitempty"`
	PageTitle      string    `json:"page_title,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
	AvailableTools []string  `json:"available_tools"`
}

// LimitPolicy selects what happens when a token hits maxSessionsPerToken.
type LimitPolicy string

const (
	// LimitPolicyReject turns away the new session.
	LimitPolicyReject LimitPolicy = "reject"

	// LimitPolicyCloseOldest evicts the token's oldest session, then admits
	// the new one.
	LimitPolicyCloseOldest LimitPolicy = "close_oldest"
)

// Valid reports whether the policy is one of the recognized values.
func (p LimitPolicy) Valid() bool {
	return p == LimitPolicyReject || p == LimitPolicyCloseOldest
}

// WebSocket close codes and reasons used on policy violations. 1008 is the
// policy-violation close code; the reason strings are part of the frontend
// contract and must not change.
const (
	ClosePolicyViolation = 1008
	CloseGoingAway       = 1001

	CloseReasonMissingSession   = "Missing session parameter"
	CloseReasonNotAuthenticated = "Not authenticated"
	CloseReasonNameInUse        = "Session name already in use"
	CloseReasonLimitExceeded    = "Session limit exceeded"
	CloseReasonDurationCap      = "Session duration exceeded"
	CloseReasonShutdown         = "Bridge shutting down"
)
