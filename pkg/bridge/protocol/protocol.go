// Package protocol defines the private WebSocket message schema spoken
// between frontend sessions and the bridge. Messages are JSON text objects
// with a "type" discriminator; payload fields ride alongside. Tool inputs,
// results, and query context are arbitrary JSON and stay opaque here.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/flekschas/mcp-web/pkg/bridge"
)

// Frontend-to-bridge message types.
const (
	TypeAuthenticate     = "authenticate"
	TypeRegisterTool     = "register-tool"
	TypeRegisterResource = "register-resource"
	TypeRegisterPrompt   = "register-prompt"
	TypeActivity         = "activity"
	TypeToolResponse     = "tool-response"
	TypeResourceResponse = "resource-response"
	TypePromptResponse   = "prompt-response"
	TypeQuery            = "query"
)

// Bridge-to-frontend message types.
const (
	TypeAuthenticated        = "authenticated"
	TypeAuthenticationFailed = "authentication-failed"
	TypeToolCall             = "tool-call"
	TypeResourceRead         = "resource-read"
	TypePromptGet            = "prompt-get"
	TypeRegistrationError    = "registration-error"
	TypeQueryAccepted        = "query_accepted"
	TypeQueryProgress        = "query_progress"
	TypeQueryComplete        = "query_complete"
	TypeQueryFailure         = "query_failure"
)

// TypeQueryCancel travels in both directions: frontends send it to abort a
// query, and the bridge echoes it when a query ends by cancellation.
const TypeQueryCancel = "query_cancel"

// AuthenticateMessage opens a session on a fresh socket.
type AuthenticateMessage struct {
	Type        string `json:"type"`
	AuthToken   string `json:"authToken"`
	SessionName string `json:"sessionName,omitempty"`
	Origin      string `json:"origin,omitempty"`
	PageTitle   string `json:"pageTitle,omitempty"`
	UserAgent   string `json:"userAgent,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// RegisterToolMessage adds one tool to the session's catalog.
type RegisterToolMessage struct {
	Type string                `json:"type"`
	Tool bridge.ToolDefinition `json:"tool"`
}

// RegisterResourceMessage adds one resource to the session's catalog.
type RegisterResourceMessage struct {
	Type     string                    `json:"type"`
	Resource bridge.ResourceDefinition `json:"resource"`
}

// RegisterPromptMessage adds one prompt to the session's catalog.
type RegisterPromptMessage struct {
	Type   string                  `json:"type"`
	Prompt bridge.PromptDefinition `json:"prompt"`
}

// ActivityMessage refreshes the session's lastActivityAt.
type ActivityMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ToolResponseMessage answers one tool-call by requestId. The same shape
// answers resource-read (type "resource-response") and prompt-get (type
// "prompt-response") frames.
type ToolResponseMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

// QueryMessage starts a frontend-originated agent query.
type QueryMessage struct {
	Type          string          `json:"type"`
	UUID          string          `json:"uuid"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	ResponseTool  string          `json:"responseTool,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	RestrictTools bool            `json:"restrictTools,omitempty"`
	Timeout       int64           `json:"timeout,omitempty"`
}

// QueryCancelMessage aborts (or reports the abort of) a query.
type QueryCancelMessage struct {
	Type   string `json:"type"`
	UUID   string `json:"uuid"`
	Reason string `json:"reason,omitempty"`
}

// AuthenticatedMessage acknowledges a successful authenticate.
type AuthenticatedMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

// AuthenticationFailedMessage reports why an authenticate was rejected. It is
// sent before any policy close so the client learns not to retry.
type AuthenticationFailedMessage struct {
	Type  string      `json:"type"`
	Code  bridge.Code `json:"code"`
	Error string      `json:"error"`
}

// ToolCallMessage asks the frontend to run one tool invocation.
type ToolCallMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
}

// ResourceReadMessage asks the frontend for one resource's contents.
type ResourceReadMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	URI       string `json:"uri"`
}

// PromptGetMessage asks the frontend to render one prompt.
type PromptGetMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// RegistrationErrorMessage rejects one register-* message.
type RegistrationErrorMessage struct {
	Type     string      `json:"type"`
	ToolName string      `json:"toolName"`
	Code     bridge.Code `json:"code"`
	Message  string      `json:"message"`
}

// QueryAcceptedMessage acknowledges a query before the agent is contacted.
type QueryAcceptedMessage struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

// QueryProgressMessage relays one agent progress item.
type QueryProgressMessage struct {
	Type    string `json:"type"`
	UUID    string `json:"uuid"`
	Message string `json:"message"`
}

// QueryCompleteMessage reports a query that ran to completion.
type QueryCompleteMessage struct {
	Type      string          `json:"type"`
	UUID      string          `json:"uuid"`
	Message   string          `json:"message,omitempty"`
	ToolCalls json.RawMessage `json:"toolCalls"`
}

// QueryFailureMessage reports a query that did not complete.
type QueryFailureMessage struct {
	Type  string `json:"type"`
	UUID  string `json:"uuid"`
	Error string `json:"error"`
}

// Authenticated builds the success acknowledgement.
func Authenticated() AuthenticatedMessage {
	return AuthenticatedMessage{Type: TypeAuthenticated, Success: true}
}

// AuthenticationFailed builds a rejection carrying the given code.
func AuthenticationFailed(code bridge.Code, reason string) AuthenticationFailedMessage {
	return AuthenticationFailedMessage{Type: TypeAuthenticationFailed, Code: code, Error: reason}
}

// ToolCall builds the frame for one correlated tool invocation.
func ToolCall(requestID, toolName string, input json.RawMessage) ToolCallMessage {
	return ToolCallMessage{Type: TypeToolCall, RequestID: requestID, ToolName: toolName, ToolInput: input}
}

// ResourceRead builds the frame for one correlated resource read.
func ResourceRead(requestID, uri string) ResourceReadMessage {
	return ResourceReadMessage{Type: TypeResourceRead, RequestID: requestID, URI: uri}
}

// PromptGet builds the frame for one correlated prompt render.
func PromptGet(requestID, name string, args json.RawMessage) PromptGetMessage {
	return PromptGetMessage{Type: TypePromptGet, RequestID: requestID, Name: name, Arguments: args}
}

// RegistrationError builds a register-* rejection.
func RegistrationError(toolName string, code bridge.Code, message string) RegistrationErrorMessage {
	return RegistrationErrorMessage{Type: TypeRegistrationError, ToolName: toolName, Code: code, Message: message}
}

// QueryAccepted builds the query acknowledgement.
func QueryAccepted(uuid string) QueryAcceptedMessage {
	return QueryAcceptedMessage{Type: TypeQueryAccepted, UUID: uuid}
}

// QueryProgress builds one progress relay.
func QueryProgress(uuid, message string) QueryProgressMessage {
	return QueryProgressMessage{Type: TypeQueryProgress, UUID: uuid, Message: message}
}

// QueryComplete builds the completion report. A nil toolCalls renders as [].
func QueryComplete(uuid, message string, toolCalls json.RawMessage) QueryCompleteMessage {
	if toolCalls == nil {
		toolCalls = json.RawMessage("[]")
	}
	return QueryCompleteMessage{Type: TypeQueryComplete, UUID: uuid, Message: message, ToolCalls: toolCalls}
}

// QueryFailure builds the failure report.
func QueryFailure(uuid, errMsg string) QueryFailureMessage {
	return QueryFailureMessage{Type: TypeQueryFailure, UUID: uuid, Error: errMsg}
}

// QueryCancel builds the cancellation echo.
func QueryCancel(uuid, reason string) QueryCancelMessage {
	return QueryCancelMessage{Type: TypeQueryCancel, UUID: uuid, Reason: reason}
}

// Marshal renders a message for the socket.
func Marshal(msg any) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", msg, err)
	}
	return string(data), nil
}

// Sniff returns the type discriminator without decoding the whole message.
// It returns "" for malformed JSON or a missing discriminator.
func Sniff(data string) string {
	return gjson.Get(data, "type").String()
}

// Parse decodes one frontend-to-bridge message into its concrete struct. The
// returned value is one of the *Message types of this package.
func Parse(data string) (any, error) {
	msgType := Sniff(data)
	if msgType == "" {
		return nil, fmt.Errorf("message has no type discriminator")
	}

	var (
		msg any
		err error
	)
	switch msgType {
	case TypeAuthenticate:
		msg, err = unmarshalAs[AuthenticateMessage](data)
	case TypeRegisterTool:
		msg, err = unmarshalAs[RegisterToolMessage](data)
	case TypeRegisterResource:
		msg, err = unmarshalAs[RegisterResourceMessage](data)
	case TypeRegisterPrompt:
		msg, err = unmarshalAs[RegisterPromptMessage](data)
	case TypeActivity:
		msg, err = unmarshalAs[ActivityMessage](data)
	case TypeToolResponse, TypeResourceResponse, TypePromptResponse:
		msg, err = unmarshalAs[ToolResponseMessage](data)
	case TypeQuery:
		msg, err = unmarshalAs[QueryMessage](data)
	case TypeQueryCancel:
		msg, err = unmarshalAs[QueryCancelMessage](data)
	default:
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s message: %w", msgType, err)
	}
	return msg, nil
}

func unmarshalAs[T any](data string) (T, error) {
	var msg T
	err := json.Unmarshal([]byte(data), &msg)
	return msg, err
}
