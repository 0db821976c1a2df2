package telemetry

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/flekschas/mcp-web/pkg/logger"
)

const methodToolsCall = "tools/call"

// HTTPMiddleware records tool-call metrics on the MCP endpoint. Only
// tools/call POSTs are measured; every other request, including SSE
// streams, passes through untouched.
func HTTPMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			_ = r.Body.Close()
			if err != nil {
				logger.Debugw("failed to read request body for metrics", "error", err)
				r.Body = io.NopCloser(bytes.NewReader(body))
				next.ServeHTTP(w, r)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if gjson.GetBytes(body, "method").String() != methodToolsCall {
				next.ServeHTTP(w, r)
				return
			}
			tool := gjson.GetBytes(body, "params.name").String()

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r)

			m.RecordToolCall(r.Context(), tool, callOutcome(rw), time.Since(start))
		})
	}
}

// callOutcome classifies a tools/call response. JSON-RPC errors and soft
// isError results both count as errors; anything else is a success.
func callOutcome(rw *responseWriter) string {
	if rw.statusCode >= http.StatusBadRequest {
		return "error"
	}
	body := rw.body.Bytes()
	if gjson.GetBytes(body, "error").Exists() {
		return "error"
	}
	if gjson.GetBytes(body, "result.isError").Bool() {
		return "error"
	}
	return "success"
}

// responseWriter captures the status code and a copy of the body while
// writing through.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	body          bytes.Buffer
	headerWritten bool
}

// WriteHeader captures the status code and swallows duplicate calls.
func (rw *responseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.headerWritten = true
		rw.statusCode = http.StatusOK
	}
	rw.body.Write(data)
	return rw.ResponseWriter.Write(data)
}

// Flush passes through so streaming responses keep working.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
