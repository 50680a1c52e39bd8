// Package status exposes the scanner's operational state over HTTP: process
// health, per-provider registry status, and the persisted scan history.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"pmcc-scanner/internal/provider"
	"pmcc-scanner/internal/storage"
)

// Config configures the status server.
type Config struct {
	Port      int
	AuthToken string // empty disables auth
}

// RegistryView is the slice of the provider registry the server reads.
type RegistryView interface {
	Status() map[string]provider.ProviderStatus
}

// Server serves the status endpoints.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	registry  RegistryView
	history   *storage.Store
	logger    *logrus.Logger
	port      int
	authToken string
	startedAt time.Time
}

// NewServer wires the routes. history may be nil when persistence is off.
func NewServer(cfg Config, registry RegistryView, history *storage.Store, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		registry:  registry,
		history:   history,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		startedAt: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/status/providers", s.handleProviders)
	s.router.Get("/status/history", s.handleHistory)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("status server listening on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

type statusResponse struct {
	UptimeSeconds float64                            `json:"uptime_seconds"`
	Providers     map[string]provider.ProviderStatus `json:"providers"`
	LastScan      *storage.RunSummary                `json:"last_scan,omitempty"`
	Totals        *storage.Statistics                `json:"totals,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Providers:     s.registry.Status(),
	}
	if s.history != nil {
		resp.LastScan = s.history.Latest()
		totals := s.history.Stats()
		resp.Totals = &totals
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.registry.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	s.writeJSON(w, s.history.History(limit))
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode status response")
	}
}
