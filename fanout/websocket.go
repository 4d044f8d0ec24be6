package fanout

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Sink is one client's outbound channel. Implementations fail independently;
// WriteMessage is only called from the client's writer goroutine.
type Sink interface {
	WriteMessage(data []byte) error
	Close() error
}

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxInboundBytes     = 4096
)

// WebSocketSink adapts a gorilla connection to Sink.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink wraps conn; every write is bounded by writeTimeout.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// WriteMessage sends one text frame.
func (s *WebSocketSink) WriteMessage(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a ping control frame. Safe to call concurrently with WriteMessage.
func (s *WebSocketSink) Ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

// Close sends a normal-closure frame and closes the connection.
func (s *WebSocketSink) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// WebSocketOptions configures the upgrade handler.
type WebSocketOptions struct {
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	AllowedOrigin string // "*" or empty allows any origin
}

// WebSocketHandler upgrades HTTP requests and attaches them to a Hub.
type WebSocketHandler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewWebSocketHandler creates the upgrade handler for hub.
func NewWebSocketHandler(hub *Hub, opts WebSocketOptions) *WebSocketHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	origin := strings.TrimSpace(opts.AllowedOrigin)
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if origin == "" || origin == "*" {
					return true
				}
				return strings.EqualFold(r.Header.Get("Origin"), origin)
			},
		},
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
	}
}

// Purpose: Run one real-time session from upgrade to disconnect.
// Key aspects: Inbound frames are discarded; pongs extend the read deadline;
// the session ends on read error, ping failure, or hub-side close.
// Upstream: api router (realtime path and upgrade requests on /).
// Downstream: Hub.Register, Hub.Unregister.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		log.Printf("Realtime: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	sink := NewWebSocketSink(conn, h.writeTimeout)
	client, err := h.hub.Register(sink, r.RemoteAddr)
	if err != nil {
		log.Printf("Realtime: rejecting %s: %v", r.RemoteAddr, err)
		_ = sink.Close()
		return
	}
	defer h.hub.Unregister(client)

	go h.pingLoop(client, sink)

	readWait := 2 * h.pingInterval
	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Realtime: client %d read error: %v", client.ID(), err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(client *Client, sink *WebSocketSink) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			return
		case <-ticker.C:
			if err := sink.Ping(); err != nil {
				h.hub.fail(client, err)
				return
			}
		}
	}
}
