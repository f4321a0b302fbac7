// Package web serves the operator HTTP API and the WebSocket event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"mast-console/internal/automation"
	"mast-console/internal/mast"
	"mast-console/internal/pattern"
	"mast-console/internal/session"
	"mast-console/internal/store"
)

// maxBodyBytes limits every JSON request body.
const maxBodyBytes = 1 << 20

// Console is the session surface the API drives.
type Console interface {
	Events() *session.EventBus
	State() session.State
	Refresh(ctx context.Context, notify bool) (*mast.Document, error)
	SetPolling(enabled bool)
	RunCommand(ctx context.Context, req mast.Request) (session.Outcome, error)
	SetEndpoint(ctx context.Context, ep mast.Endpoint) error
	FetchPattern(ctx context.Context) (pattern.Profile, string, error)
	LastCapture() (*store.Capture, bool)
}

// Journal lists recorded command outcomes, newest first.
type Journal interface {
	ListJournal(limit int) ([]*store.JournalEntry, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithGeometry sets the polar plot geometry used for pattern points.
func WithGeometry(g pattern.Geometry) ServerOption {
	return func(s *Server) {
		s.geometry = g
	}
}

// Server is the HTTP server for the operator API.
type Server struct {
	console        Console
	journal        Journal
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	geometry       pattern.Geometry
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the API server and starts relaying session events to
// WebSocket clients.
func NewServer(console Console, journal Journal, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		console:  console,
		journal:  journal,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
		geometry: pattern.DefaultGeometry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	s.unsubEvents = console.Events().OnAll(func(event session.Event) {
		s.wsHub.Broadcast(s.wsMessage(event))
	})

	s.routes()
	return s
}

// Stop detaches from the session and closes every WebSocket client.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	// Session
	s.mux.HandleFunc("GET /api/state", s.handleAPIState)
	s.mux.HandleFunc("POST /api/state/refresh", s.handleAPIRefresh)
	s.mux.HandleFunc("PUT /api/state/polling", s.handleAPISetPolling)
	s.mux.HandleFunc("POST /api/commands", s.handleAPIRunCommand)
	s.mux.HandleFunc("GET /api/commands", s.handleAPIListCommands)
	s.mux.HandleFunc("GET /api/endpoint", s.handleAPIGetEndpoint)
	s.mux.HandleFunc("PUT /api/endpoint", s.handleAPISetEndpoint)

	// Calibration pattern
	s.mux.HandleFunc("POST /api/pattern/fetch", s.handleAPIFetchPattern)
	s.mux.HandleFunc("GET /api/pattern", s.handleAPIGetPattern)
	s.mux.HandleFunc("GET /api/pattern/export.xlsx", s.handleAPIExportPattern)

	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Mutating cross-origin requests must come from an allowed origin.
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		allowed := s.isOriginAllowed(origin)
		switch {
		case r.Method == http.MethodOptions:
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		case r.Method != http.MethodGet:
			if !allowed {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// Browsers cannot send custom headers on a WebSocket upgrade, so only
	// /api/ is key-protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
