package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/telemetry"
	"github.com/flekschas/mcp-web/pkg/transport/types"
)

// handleMCP buffers one HTTP request, hands it to the bridge, and writes the
// response back. SSE responses switch into the streaming loop instead.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warnw("failed to read mcp request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := s.bridge.HandleMCPRequest(r.Context(), &types.HTTPRequest{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header,
		Body:   string(body),
	})

	if resp.SSE != nil {
		s.serveSSE(w, r, resp)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		if _, err := w.Write(resp.Body); err != nil {
			logger.Debugw("failed to write mcp response", "error", err)
		}
	}
}

// serveSSE holds the connection open and relays stream writes. The bridge
// pushes events through the writer from its own goroutines; this loop only
// emits keepalives and watches for either side ending the stream.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, resp *types.HTTPResponse) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Errorf("response writer does not support streaming")
		resp.SSE.OnClose()
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	flusher.Flush()

	writer := &sseWriter{
		w:       w,
		flusher: flusher,
		metrics: s.cfg.Metrics,
		ctx:     r.Context(),
	}
	resp.SSE.OnOpen(writer)
	defer resp.SSE.OnClose()

	keepAlive := time.NewTicker(sseKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-resp.SSE.Done:
			return
		case <-keepAlive.C:
			if err := writer.WriteComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// sseWriter emits SSE frames. Every write, the adapter's keepalives
// included, goes through one mutex so frames never interleave.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	metrics *telemetry.Metrics
	ctx     context.Context
}

var _ types.SSEWriter = (*sseWriter)(nil)

// WriteEvent emits one data event. Notification pushes are counted here,
// right where they hit the wire.
func (sw *sseWriter) WriteEvent(data string) error {
	if err := sw.emit("data: " + data + "\n\n"); err != nil {
		return err
	}
	if method := gjson.Get(data, "method").String(); strings.HasPrefix(method, "notifications/") {
		sw.metrics.RecordNotification(sw.ctx, method)
	}
	return nil
}

// WriteNamedEvent emits one event with an explicit event name.
func (sw *sseWriter) WriteNamedEvent(event, data string) error {
	return sw.emit(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// WriteComment emits one comment line.
func (sw *sseWriter) WriteComment(text string) error {
	return sw.emit(": " + text + "\n\n")
}

func (sw *sseWriter) emit(frame string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := io.WriteString(sw.w, frame); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
