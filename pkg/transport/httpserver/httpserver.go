// Package httpserver hosts the bridge over net/http: it owns the listeners,
// upgrades frontend WebSockets, buffers MCP requests, and drives SSE streams.
// Protocol decisions all stay in the bridge core; this package only moves
// bytes between the network and the transport types the core consumes.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/flekschas/mcp-web/pkg/bridge/server"
	"github.com/flekschas/mcp-web/pkg/logger"
	"github.com/flekschas/mcp-web/pkg/telemetry"
)

const (
	// readHeaderTimeout bounds header parsing; request bodies and SSE
	// streams stay unbounded.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is how long in-flight handlers get to finish after
	// the bridge has closed their sockets and streams.
	shutdownTimeout = 10 * time.Second

	// sseKeepAliveInterval is how often idle SSE streams get a comment so
	// intermediaries do not reap them.
	sseKeepAliveInterval = 30 * time.Second

	// wsPath is where frontends connect, on either listener layout.
	wsPath = "/ws"
)

// Config holds the adapter's bindings. When WSPort and MCPPort resolve to
// the same port both surfaces share one listener, with the WebSocket
// endpoint at /ws.
type Config struct {
	Host    string
	WSPort  int
	MCPPort int

	// Metrics records tool calls and SSE notifications; nil records nothing.
	Metrics *telemetry.Metrics

	// MetricsHandler is mounted at /metrics on the MCP listener when set.
	MetricsHandler http.Handler
}

// Server hosts the bridge on one or two HTTP listeners.
type Server struct {
	cfg      Config
	bridge   *server.Bridge
	upgrader websocket.Upgrader
}

// New creates the adapter over an assembled bridge. Upgrades accept any
// origin: browser frontends connect from arbitrary pages, and the auth
// token on the first frame is the actual gate.
func New(cfg Config, b *server.Bridge) *Server {
	return &Server{
		cfg:    cfg,
		bridge: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is cancelled, then drains: the bridge closes every
// WebSocket and SSE stream, the listeners stop accepting, and in-flight
// handlers get shutdownTimeout to finish. The bridge is closed on return no
// matter how serving ended.
func (s *Server) Start(ctx context.Context) error {
	type binding struct {
		name    string
		addr    string
		handler http.Handler
	}

	var bindings []binding
	if s.cfg.WSPort == s.cfg.MCPPort {
		bindings = []binding{{"bridge", s.addr(s.cfg.MCPPort), s.combinedRouter()}}
	} else {
		bindings = []binding{
			{"websocket", s.addr(s.cfg.WSPort), s.wsRouter()},
			{"mcp", s.addr(s.cfg.MCPPort), s.mcpRouter()},
		}
	}

	listeners := make([]net.Listener, 0, len(bindings))
	for _, b := range bindings {
		ln, err := net.Listen("tcp", b.addr)
		if err != nil {
			for _, bound := range listeners {
				_ = bound.Close()
			}
			return fmt.Errorf("binding %s listener on %s: %w", b.name, b.addr, err)
		}
		listeners = append(listeners, ln)
	}

	group, gctx := errgroup.WithContext(ctx)

	servers := make([]*http.Server, 0, len(bindings))
	for i, b := range bindings {
		srv := &http.Server{
			Handler:           b.handler,
			ReadHeaderTimeout: readHeaderTimeout,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		servers = append(servers, srv)

		name, ln := b.name, listeners[i]
		group.Go(func() error {
			logger.Infof("%s server listening on %s", name, ln.Addr())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		return s.shutdown(servers)
	})

	return group.Wait()
}

// shutdown closes the bridge first so WebSocket read loops and SSE selects
// unblock, then drains the HTTP servers.
func (s *Server) shutdown(servers []*http.Server) error {
	s.bridge.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) addr(port int) string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
}

func (s *Server) combinedRouter() chi.Router {
	r := s.mcpRouter()
	r.HandleFunc(wsPath, s.handleWebSocket)
	return r
}

func (s *Server) wsRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.HandleFunc(wsPath, s.handleWebSocket)
	return r
}

func (s *Server) mcpRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(s.cfg.Metrics))
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}
	r.HandleFunc("/", s.handleMCP)
	return r
}
