// Package gateway serves the operator surface: a health endpoint and a
// websocket feed of every outbound envelope.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nibot-ai/nibot/internal/bus"
)

// ProviderStatus is one provider's entry in the health payload.
type ProviderStatus struct {
	Available bool `json:"available"`
	RPMLimit  int  `json:"rpm_limit"`
}

// Status is the health endpoint payload. Gauges are collected at request
// time through the StatusFunc the composition root wires in.
type Status struct {
	Status         string                    `json:"status"`
	UptimeSeconds  int64                     `json:"uptime_seconds"`
	Model          string                    `json:"model"`
	Channels       []string                  `json:"channels"`
	ActiveSessions int                       `json:"active_sessions"`
	ActiveTasks    int                       `json:"active_tasks"`
	SchedulerJobs  int                       `json:"scheduler_jobs"`
	Providers      map[string]ProviderStatus `json:"providers,omitempty"`
}

// StatusFunc supplies the current gauges for /health.
type StatusFunc func() Status

// Server is the operator HTTP server.
type Server struct {
	addr     string
	statusFn StatusFunc
	started  time.Time

	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}

	stopped atomic.Bool
	server  *http.Server
}

func NewServer(addr string, statusFn StatusFunc) *Server {
	return &Server{
		addr:     addr,
		statusFn: statusFn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("gateway server failed", "error", err)
		}
	}()
	slog.Info("gateway listening", "addr", s.addr)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/health" {
		http.NotFound(w, r)
		return
	}
	st := s.statusFn()
	st.Status = s.health(st)
	st.UptimeSeconds = int64(time.Since(s.started).Seconds())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// health derives the overall status: "stopped" during shutdown, "degraded"
// when any provider is out of quota, "ok" otherwise.
func (s *Server) health(st Status) string {
	if s.stopped.Load() {
		return "stopped"
	}
	for _, p := range st.Providers {
		if !p.Available {
			return "degraded"
		}
	}
	return "ok"
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	slog.Info("websocket client connected", "clients", n)

	// Reader goroutine: discard client frames, detect disconnect.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// Broadcast pushes one outbound envelope to all connected clients. Wired as
// a "*" bus subscriber. Secret-tagged envelopes are not mirrored.
func (s *Server) Broadcast(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Metadata[bus.MetaSecret] == "true" {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			s.dropClient(c)
		}
	}
	return nil
}

func (s *Server) Stop() error {
	s.stopped.Store(true)
	s.mu.Lock()
	for c := range s.clients {
		c.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
