package httpserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flekschas/mcp-web/pkg/bridge"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// wsControlTimeout bounds close-frame delivery to peers that stopped
// reading.
const wsControlTimeout = 5 * time.Second

// handleWebSocket upgrades a frontend connection and pumps its frames into
// the bridge. The session id rides the ?session= query parameter; a missing
// id is a policy violation reported on the socket, after the upgrade, so
// browser code sees the close reason.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sock := newWSConn(conn)

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		if err := sock.Close(bridge.ClosePolicyViolation, bridge.CloseReasonMissingSession); err != nil {
			logger.Debugw("failed to close sessionless socket", "remote", r.RemoteAddr, "error", err)
		}
		return
	}

	bconn := s.bridge.Connect(sessionID, sock)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			sock.markClosed()
			s.bridge.HandleDisconnect(bconn)
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debugw("websocket read ended", "session_id", sessionID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.bridge.HandleMessage(bconn, string(data))
	}
}

// wsConn adapts a gorilla connection to the bridge's socket interface.
// Writes are serialized; gorilla allows only one concurrent writer.
type wsConn struct {
	conn *websocket.Conn

	mu    sync.Mutex
	state string
}

var _ types.WebSocketConn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, state: types.ReadyStateOpen}
}

// Send writes one text message. Sends after close report an error without
// touching the connection.
func (c *wsConn) Send(data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != types.ReadyStateOpen {
		return bridge.NewError(bridge.CodeSessionClosed, "socket is "+c.state)
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Close sends a close frame with the given code and reason, then drops the
// connection. Further closes are no-ops.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == types.ReadyStateClosed {
		return nil
	}

	c.state = types.ReadyStateClosing
	deadline := time.Now().Add(wsControlTimeout)
	if err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline); err != nil {
		logger.Debugw("failed to send close frame", "error", err)
	}

	c.state = types.ReadyStateClosed
	return c.conn.Close()
}

// ReadyState reports the adapter's view of the socket.
func (c *wsConn) ReadyState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// markClosed records that the read loop saw the connection end, so late
// sends fail fast instead of hitting a dead socket.
func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.state = types.ReadyStateClosed
	c.mu.Unlock()
}
