// Package gateway serves the operator event stream: a WebSocket endpoint
// that pushes turn and session lifecycle events from the message bus to
// dashboards and CLI tails.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goconcierge/internal/bus"
	"github.com/nextlevelbuilder/goconcierge/internal/clock"
	"github.com/nextlevelbuilder/goconcierge/pkg/protocol"
)

const subscriberID = "event-stream"

// Config tunes the event stream.
type Config struct {
	// AllowedOrigins lists browser origins that may connect. Empty allows
	// all; requests without an Origin header (CLI tools) are always allowed.
	AllowedOrigins []string
	// Token, when set, must be sent as a Bearer header or ?token= query.
	Token        string
	SendBuffer   int           // frames queued per client before drops (default 64)
	PingInterval time.Duration // default 30s
}

// Server fans bus events out to connected WebSocket clients.
type Server struct {
	cfg    Config
	events bus.EventPublisher
	clk    clock.Clock
	stats  func() any

	upgrader websocket.Upgrader
	seq      atomic.Uint64
	dropped  atomic.Uint64

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewServer subscribes to events and returns a server ready to mount.
// stats, if non-nil, is sent in each client's hello frame.
func NewServer(cfg Config, events bus.EventPublisher, clk clock.Clock, stats func() any) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		events:  events,
		clk:     clk,
		stats:   stats,
		clients: make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	events.Subscribe(subscriberID, s.broadcast)
	return s
}

// RegisterRoutes mounts the stream at path.
func (s *Server) RegisterRoutes(mux *http.ServeMux, path string) {
	mux.HandleFunc("GET "+path, s.handleWebSocket)
}

// checkOrigin validates the browser origin against the whitelist.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("events: origin rejected", "origin", origin)
	return false
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		got = strings.TrimPrefix(h, "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("events: websocket upgrade failed", "error", err)
		return
	}

	c := newClient(uuid.NewString(), conn, s.cfg.SendBuffer)
	var stats any
	if s.stats != nil {
		stats = s.stats()
	}
	hello, _ := json.Marshal(protocol.NewHello(c.id, stats))
	c.enqueue(hello)

	if !s.register(c) {
		c.close()
		return
	}
	defer s.unregister(c)

	go c.writePump(s.cfg.PingInterval)
	c.readPump()
}

// broadcast runs inside bus.Broadcast and must not block.
func (s *Server) broadcast(ev bus.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	frame := protocol.NewEvent(s.seq.Add(1), ev.Name, s.clk.Now(), ev.Payload)
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("events: encode failed", "event", ev.Name, "error", err)
		return
	}
	for _, c := range s.clients {
		if !c.enqueue(data) {
			if s.dropped.Add(1)%100 == 1 {
				slog.Warn("events: slow client, frames dropped", "client", c.id, "total_dropped", s.dropped.Load())
			}
		}
	}
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	slog.Info("events: client connected", "id", c.id, "clients", len(s.clients))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	c.close()
	slog.Info("events: client disconnected", "id", c.id, "clients", n)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close unsubscribes from the bus and disconnects every client. Hijacked
// connections are not closed by http.Server.Shutdown.
func (s *Server) Close() {
	s.events.Unsubscribe(subscriberID)
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}
