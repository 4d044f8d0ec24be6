// Package api serves the bridge's HTTP surface: the REST control/status
// endpoints and the WebSocket upgrade for real-time clients.
//
// Routes:
//
//	GET  /api/status              {"status":"online","mqtt":"connected"|"disconnected"}
//	GET  /api/data                current snapshot
//	GET  /api/stats               bridge counters
//	POST /api/control/{actuator}  {"state":"on"|"off"} -> {"success":true,"<actuator>":"on"}
//	GET  <realtime path>          WebSocket upgrade (also accepted on any other path)
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"syscall"
	"time"

	"ghbridge/snapshot"
	"ghbridge/stats"

	"github.com/gorilla/websocket"
)

// Commander applies actuator commands.
type Commander interface {
	SetActuator(ctx context.Context, name, state string) (snapshot.State, error)
}

// BusStatus reports the live broker connection state.
type BusStatus interface {
	Connected() bool
}

// Options configures the HTTP server.
type Options struct {
	Listen       string
	CORSOrigin   string
	RealtimePath string
	Store        *snapshot.Store
	Commander    Commander
	Bus          BusStatus
	Realtime     http.Handler
	Tracker      *stats.Tracker
}

// Server represents the bridge's HTTP listener.
type Server struct {
	opts       Options
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// NewServer builds the router; Start binds the listener.
func NewServer(opts Options) *Server {
	if opts.RealtimePath == "" {
		opts.RealtimePath = "/ws"
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &Server{opts: opts, serveDone: make(chan struct{})}
	s.handler = withCORS(opts.CORSOrigin, s.routes())
	return s
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/data", s.handleData)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/control/{actuator}", s.handleControl)
	if s.opts.Realtime != nil {
		mux.Handle("GET "+s.opts.RealtimePath, s.opts.Realtime)
	}
	mux.HandleFunc("/", s.handleFallback)
	return mux
}

// Handler returns the full HTTP handler (router plus CORS).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Purpose: Bind the listener and serve in the background.
// Key aspects: Bind failure is returned (the only fatal startup error).
// Upstream: main startup.
// Downstream: listenWithReuse, http.Server.Serve.
func (s *Server) Start() error {
	listener, err := listenWithReuse(s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to start http server on %s: %w", s.opts.Listen, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("HTTP server listening on %s (realtime at %s)", listener.Addr(), s.opts.RealtimePath)

	go func() {
		defer close(s.serveDone)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Hijacked WebSocket connections are not tracked by net/http; the fan-out hub
// closes them.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	select {
	case <-s.serveDone:
	case <-ctx.Done():
	}
	return err
}

// listenWithReuse enables SO_REUSEADDR so we can rebind quickly after a crash/exit.
// It falls back to a standard Listen when the control call fails.
func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

func withCORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleFallback accepts WebSocket upgrades on any path (the dashboard connects
// to the server root) and answers 404 otherwise.
func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	if s.opts.Realtime != nil && websocket.IsWebSocketUpgrade(r) {
		s.opts.Realtime.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "Not found")
}
