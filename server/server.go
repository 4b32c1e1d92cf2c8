// Package server is the connection gateway: it authenticates clients,
// upgrades them to WebSocket sessions and routes their events to the engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/becomeliminal/nim-recall/auth"
	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/guardrails"
)

// Orchestrator is the part of the engine the gateway drives.
// *engine.Engine implements it.
type Orchestrator interface {
	Dispatch(ctx context.Context, input *engine.Input, emit engine.EmitFunc) <-chan struct{}
	History(ctx context.Context, userID, conversationID string, limit int) ([]core.Turn, error)
}

// Config configures the gateway.
type Config struct {
	// Engine processes user messages. Required.
	Engine Orchestrator

	// Verifier authenticates connections. Required.
	Verifier auth.Verifier

	// Guardrails rate-limits user messages. Optional.
	Guardrails guardrails.Guardrails

	// Health mirrors the server state over gRPC. Optional.
	Health *Health

	// AllowedOrigins restricts WebSocket origins; empty allows all.
	AllowedOrigins []string

	// MaxMessageBytes bounds one inbound frame.
	// Default: 64 KiB
	MaxMessageBytes int64

	// PingInterval is the keepalive period; the peer must answer within
	// twice this interval.
	// Default: 30s
	PingInterval time.Duration

	// WriteTimeout bounds a single frame write.
	// Default: 10s
	WriteTimeout time.Duration
}

// Server is the WebSocket gateway.
type Server struct {
	config   Config
	upgrader websocket.Upgrader
	mux      *http.ServeMux
	http     *http.Server

	mu          sync.Mutex
	connections map[*connection]struct{}

	// pipelineMu orders pipelines.Add against the closing flag, so no Add
	// runs once Shutdown has started waiting.
	pipelineMu sync.Mutex
	pipelines  sync.WaitGroup
	closing    atomic.Bool
}

// New creates a new gateway.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 << 10
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	s := &Server{
		config:      cfg,
		mux:         http.NewServeMux(),
		connections: make(map[*connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s, nil
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens on addr until Shutdown.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.config.Health != nil {
		s.config.Health.SetServing(true)
	}
	log.Printf("[SERVER] Listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes open sockets and waits for
// in-flight messages to finish their pipelines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.pipelineMu.Lock()
	s.closing.Store(true)
	s.pipelineMu.Unlock()
	if s.config.Health != nil {
		s.config.Health.SetServing(false)
	}

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.connections {
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pipelines.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight messages: %w", ctx.Err())
	}
	return err
}

// beginPipeline registers an in-flight message. It reports false once
// Shutdown has started.
func (s *Server) beginPipeline() bool {
	s.pipelineMu.Lock()
	defer s.pipelineMu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.pipelines.Add(1)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.closing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "shutting_down"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleWebSocket authenticates before upgrading; a rejected client gets
// 401 and never a socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.config.Verifier.Verify(r.Context(), credential(r))
	if err != nil {
		log.Printf("[SERVER] Rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, core.PublicReason(err), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		log.Printf("[SERVER] Upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	c := newConnection(s, ws, core.NewSession(userID, r.RemoteAddr))
	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	log.Printf("[SERVER] Session %s opened for user=%s", c.session.ID, userID)
	c.serve()

	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
	log.Printf("[SERVER] Session %s closed", c.session.ID)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// credential reads the bearer token from the Authorization header or,
// for browsers that cannot set headers on WebSocket requests, the token
// query parameter.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}
