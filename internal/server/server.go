// Package server exposes the file broker over HTTP: upload and download,
// metadata, thumbnails, share links, usage stats and live events.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/filebroker/filebroker/internal/auth"
	"github.com/filebroker/filebroker/internal/broker"
	"github.com/filebroker/filebroker/internal/config"
	"github.com/filebroker/filebroker/internal/hub"
	"github.com/filebroker/filebroker/internal/metrics"
	"github.com/filebroker/filebroker/internal/store"
	"github.com/filebroker/filebroker/pkg/api"
)

// loginTokenTTL bounds the lifetime of tokens minted by the login endpoint.
const loginTokenTTL = 7 * 24 * time.Hour

// Server is the broker HTTP server. It owns no state of its own; every
// handler delegates to the repository, share manager, stats tracker or hub.
type Server struct {
	cfg    *config.Config
	mux    *http.ServeMux
	store  *store.Store
	repo   *broker.Repository
	shares *broker.ShareManager
	stats  *broker.StatsTracker
	thumbs *broker.Thumbnailer
	hub    *hub.Hub
	tokens *auth.TokenManager
	m      *metrics.BrokerMetrics
}

// NewServer wires the broker components behind an HTTP mux.
func NewServer(cfg *config.Config, st *store.Store, repo *broker.Repository, shares *broker.ShareManager, stats *broker.StatsTracker, thumbs *broker.Thumbnailer, h *hub.Hub, m *metrics.BrokerMetrics) *Server {
	srv := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		store:  st,
		repo:   repo,
		shares: shares,
		stats:  stats,
		thumbs: thumbs,
		hub:    h,
		tokens: auth.NewTokenManager(cfg.AuthSecret, loginTokenTTL),
		m:      m,
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/v1/files/upload", s.withAuth(s.handleUpload))
	s.mux.HandleFunc("/api/v1/files/user/", s.withAuth(s.handleList))
	s.mux.HandleFunc("/api/v1/files/", s.withAuth(s.handleFileByID))
	s.mux.HandleFunc("/api/v1/stats/user/", s.withAuth(s.handleStats))
	s.mux.HandleFunc("/share/", s.handleSharedDownload)
	s.mux.HandleFunc("/ws/", s.handleWebSocket)
	s.mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the broker server.
func (s *Server) ListenAndServe() error {
	log.Info().Str("listen", s.cfg.Listen).Msg("starting file broker server")
	return http.ListenAndServe(s.cfg.Listen, s)
}

// authHandler is a handler that has already passed token validation.
// ownerID is the token subject.
type authHandler func(w http.ResponseWriter, r *http.Request, ownerID string)

func (s *Server) withAuth(next authHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, err := s.authenticate(r)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next(w, r, ownerID)
	}
}

// authenticate extracts and validates the bearer token of a request.
func (s *Server) authenticate(r *http.Request) (string, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", fmt.Errorf("invalid authorization header")
	}

	ownerID, err := s.tokens.Validate(parts[1])
	if err != nil {
		log.Debug().Err(err).Msg("token validation failed")
		return "", fmt.Errorf("invalid token")
	}
	return ownerID, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.jsonError(w, "backing store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleLogin mints a bearer token for the posted user ID. There is no
// credential check; deployments front this with their own identity layer.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.jsonError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := s.tokens.Generate(req.UserID)
	if err != nil {
		s.jsonError(w, "failed to issue token", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, api.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// observe records one finished operation in the Prometheus metrics.
func (s *Server) observe(operation string, start time.Time, status int) {
	if s.m == nil {
		return
	}
	s.m.RequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	s.m.RequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
