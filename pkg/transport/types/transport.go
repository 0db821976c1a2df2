// Package types provides the adapter-independent transport types used in
// communication between the bridge core and its host runtime. The core never
// performs network I/O itself; a host adapter accepts connections, converts
// them to these types, and consumes the responses the core returns.
package types

import (
	"net/http"
	"net/url"
)

// WebSocket ready states, normalized to strings.
const (
	// ReadyStateConnecting is a socket that has not finished its handshake.
	ReadyStateConnecting = "connecting"

	// ReadyStateOpen is a socket that can send and receive.
	ReadyStateOpen = "open"

	// ReadyStateClosing is a socket with a close handshake in flight.
	ReadyStateClosing = "closing"

	// ReadyStateClosed is a socket that is gone.
	ReadyStateClosed = "closed"
)

// HTTPRequest is one fully buffered HTTP request as seen by the bridge core.
// Adapters read the body before handing the request over; the core never
// touches the underlying connection.
type HTTPRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   string
}

// HTTPResponse is a fully buffered response produced by the bridge core.
// When SSE is non-nil the response is a text/event-stream: the adapter writes
// Status and Headers, then drives the stream per the SSEHook contract instead
// of writing Body.
type HTTPResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
	SSE     *SSEHook
}

// SSEWriter emits frames on one live SSE stream. A writer is single-writer:
// the bridge serializes its own writes, and the adapter must not interleave
// keepalives with a WriteEvent in progress.
type SSEWriter interface {
	// WriteEvent emits one "data:" event carrying data verbatim.
	WriteEvent(data string) error

	// WriteNamedEvent emits one event with an explicit "event:" name.
	WriteNamedEvent(event, data string) error

	// WriteComment emits one comment line, e.g. a keepalive.
	WriteComment(text string) error
}

// SSEHook carries the stream half of an SSE response. The adapter invokes
// OnOpen exactly once when the stream is live, holds the connection until
// Done is closed or the peer disconnects, and then invokes OnClose exactly
// once. Keepalive comments are the adapter's responsibility.
type SSEHook struct {
	OnOpen  func(w SSEWriter)
	OnClose func()
	Done    <-chan struct{}
}

// WebSocketConn abstracts one frontend socket. Send and Close must be safe
// for concurrent use; writes after close report an error and are otherwise
// ignored.
type WebSocketConn interface {
	// Send writes one text message.
	Send(data string) error

	// Close starts the close handshake with the given code and reason.
	Close(code int, reason string) error

	// ReadyState reports one of the ReadyState* strings.
	ReadyState() string
}
