package bridge

import (
	"errors"
	"fmt"
)

// Code identifies one bridge error condition. Codes are part of the wire
// contract: fatal codes travel as JSON-RPC error messages, recoverable codes
// as the "error" field of MCP soft results, and frontend-facing codes in
// authentication-failed and registration-error messages.
type Code string

const (
	// CodeMissingAuthentication is returned when a request carries no auth token.
	CodeMissingAuthentication Code = "MissingAuthentication"

	// CodeInvalidAuthentication is returned when an Authorization header is
	// present but is not a well-formed bearer credential.
	CodeInvalidAuthentication Code = "InvalidAuthentication"

	// CodeSessionIDInUse is returned when a frontend authenticates with a
	// session id that is already live.
	CodeSessionIDInUse Code = "SessionIdInUse"

	// CodeSessionNameAlreadyInUse is returned when a (token, name) pair is taken.
	CodeSessionNameAlreadyInUse Code = "SessionNameAlreadyInUse"

	// CodeSessionLimitExceeded is returned when a token is at maxSessionsPerToken.
	CodeSessionLimitExceeded Code = "SessionLimitExceeded"

	// CodeSessionNotFound is returned when no session matches the request.
	CodeSessionNotFound Code = "SessionNotFound"

	// CodeSessionNotSpecified is returned when a tool call cannot be routed to
	// exactly one session.
	CodeSessionNotSpecified Code = "SessionNotSpecified"

	// CodeToolNotFound is returned when the chosen session lacks the tool.
	CodeToolNotFound Code = "ToolNotFound"

	// CodeResourceNotFound is returned when the chosen session lacks the resource.
	CodeResourceNotFound Code = "ResourceNotFound"

	// CodePromptNotFound is returned when the chosen session lacks the prompt.
	CodePromptNotFound Code = "PromptNotFound"

	// CodeToolSchemaConflict is returned when a registration disagrees with an
	// existing schema for the same tool name under the same token.
	CodeToolSchemaConflict Code = "ToolSchemaConflict"

	// CodeToolCallTimeout is returned when a frontend does not answer a tool
	// call before its deadline.
	CodeToolCallTimeout Code = "ToolCallTimeout"

	// CodeInvalidToolInput is returned when call arguments fail validation
	// against the tool's declared input schema.
	CodeInvalidToolInput Code = "InvalidToolInput"

	// CodeQueryLimitExceeded is returned when a token is at its in-flight
	// query quota.
	CodeQueryLimitExceeded Code = "QueryLimitExceeded"

	// CodeQueryNotFound is returned when a query uuid is unknown.
	CodeQueryNotFound Code = "QueryNotFound"

	// CodeQueryNotActive is returned when a query uuid no longer names an
	// in-flight query.
	CodeQueryNotActive Code = "QueryNotActive"

	// CodeUnknownMethod is returned for unrecognized JSON-RPC methods.
	CodeUnknownMethod Code = "UnknownMethod"

	// CodeInternalError is returned for conditions the caller cannot act on.
	CodeInternalError Code = "InternalError"

	// CodeSessionClosed marks pending work aborted because its owning session
	// went away. It never travels on the MCP wire directly; callers see it
	// reflected as a soft error.
	CodeSessionClosed Code = "SessionClosed"

	// CodeBridgeShutdown marks pending work rejected because the bridge is
	// shutting down.
	CodeBridgeShutdown Code = "BridgeShutdown"
)

// JSON-RPC error codes used for fatal errors.
const (
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInternalError  = -32603
)

// Fatal reports whether the code is a transport- or protocol-level failure
// that must surface as a JSON-RPC error (or a socket close) rather than as a
// recoverable soft result.
func (c Code) Fatal() bool {
	switch c {
	case CodeMissingAuthentication, CodeInvalidAuthentication, CodeUnknownMethod,
		CodeInternalError, CodeBridgeShutdown:
		return true
	default:
		return false
	}
}

// JSONRPCCode maps a fatal code onto the JSON-RPC error code space.
func (c Code) JSONRPCCode() int64 {
	switch c {
	case CodeUnknownMethod:
		return JSONRPCMethodNotFound
	case CodeInternalError, CodeBridgeShutdown:
		return JSONRPCInternalError
	default:
		return JSONRPCInvalidRequest
	}
}

// Error is the error type shared across the bridge components. The Code is
// the stable, wire-visible identity; Message adds human context and Cause the
// underlying error, if any.
type Error struct {
	// Code is the error code
	Code Code

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinels created with
// NewError work with errors.Is across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new error with the given code and message.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates a new error with the given code, message and cause.
func WrapError(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the bridge error code from err, unwrapping as needed.
// Errors that never got a code report CodeInternalError.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
