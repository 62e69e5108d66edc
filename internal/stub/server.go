// Package stub is an in-process Netra backend: the auth HTTP API plus
// the agent websocket with a scripted agent run. Integration tests mount
// it on httptest; cmd/netra-stub serves it standalone for local
// development against the SDK.
package stub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Config controls the stub backend.
type Config struct {
	// Secret signs the HS256 access tokens.
	Secret string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// EventDelay spaces out the scripted agent events. Zero (tests)
	// emits them back to back.
	EventDelay time.Duration
	// AllowedOrigins for CORS; empty means wildcard.
	AllowedOrigins []string
}

// Server implements the Netra backend contract the SDK consumes.
type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	revoked map[string]bool // token jti -> revoked by logout
}

// NewServer creates a stub backend.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Secret == "" {
		cfg.Secret = "netra-stub-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		revoked: make(map[string]bool),
	}
}

// Router returns the HTTP surface of the stub.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Get("/auth/config", s.handleConfig)
	r.Post("/auth/dev/login", s.handleDevLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	scheme := "ws"
	if r.TLS != nil {
		scheme = "wss"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"development_mode": true,
		"google_client_id": "",
		"endpoints": map[string]string{
			"login":     "/auth/login",
			"logout":    "/auth/logout",
			"callback":  "/auth/callback",
			"token":     "/auth/refresh",
			"user":      "/auth/user",
			"dev_login": "/auth/dev/login",
		},
		"ws_url":                        scheme + "://" + r.Host + "/ws",
		"authorized_javascript_origins": s.cfg.AllowedOrigins,
		"authorized_redirect_uris":      []string{},
	})
}

func (s *Server) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email required"})
		return
	}

	tok, err := issueToken(s.cfg.Secret, body.Email, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("failed to issue token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issue failed"})
		return
	}

	s.logger.Info("dev login", "email", body.Email)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": tok,
		"token_type":   "bearer",
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	claims, status := s.authorize(r)
	if claims == nil {
		writeJSON(w, status, map[string]string{"error": "invalid token"})
		return
	}

	tok, err := issueToken(s.cfg.Secret, claims.Email, s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("failed to issue refreshed token", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issue failed"})
		return
	}

	// The old token stays valid until expiry; only logout revokes.
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": tok,
		"token_type":   "bearer",
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, status := s.authorize(r)
	if claims == nil {
		writeJSON(w, status, map[string]string{"error": "invalid token"})
		return
	}

	s.mu.Lock()
	s.revoked[claims.ID] = true
	s.mu.Unlock()

	s.logger.Info("logout", "email", claims.Email)
	writeJSON(w, http.StatusOK, map[string]string{})
}

// authorize validates the bearer token and checks revocation.
func (s *Server) authorize(r *http.Request) (*sessionClaims, int) {
	header := r.Header.Get("Authorization")
	tok, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || tok == "" {
		return nil, http.StatusUnauthorized
	}

	claims, err := validateToken(s.cfg.Secret, tok)
	if err != nil {
		return nil, http.StatusUnauthorized
	}

	s.mu.Lock()
	revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		return nil, http.StatusUnauthorized
	}
	return claims, http.StatusOK
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
