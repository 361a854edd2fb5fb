// Package web serves a small read-only monitoring surface: a health
// endpoint, the current bus configuration as JSON, and a WebSocket
// feed of manager events.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"dali-go-bridge/internal/manager"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication for /api/ endpoints.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server exposes the bridge state over HTTP.
type Server struct {
	manager *manager.Manager
	logger  *slog.Logger
	mux     *http.ServeMux
	wsHub   *WSHub

	apiKey         string
	allowedOrigins []string
	version        string

	unsubEvents func()
	wg          sync.WaitGroup
}

// NewServer creates the web server and starts the WebSocket hub.
func NewServer(m *manager.Manager, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		manager: m,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		wsHub:   NewWSHub(logger),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = m.Events().OnAll(func(ev manager.Event) {
		s.wsHub.Broadcast(ev)
	})

	s.routes()
	return s
}

// Stop unsubscribes from events and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("GET /api/ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && r.URL.Path != "/api/ws" && strings.HasPrefix(r.URL.Path, "/api/") {
		// The WebSocket endpoint is exempt: browsers cannot send custom
		// headers on the upgrade request. It is guarded by origin checks.
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	buses, err := s.manager.Snapshot()
	if err != nil {
		s.logger.Error("config snapshot", "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"buses": buses})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Client likely went away mid-write, nothing to do.
		return
	}
}
