// Package httpapi exposes the tenant-facing service surface:
// registration, plugin setup, stats and log export.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nanilabs/nani/internal/plugin"
	"github.com/nanilabs/nani/internal/store"
)

// Authenticator issues and verifies tenant tokens. The concrete token
// scheme is injected; the API only cares that Verify maps a request
// back to a tenant id.
type Authenticator interface {
	Issue(tenantID string) (string, error)
	Verify(r *http.Request) (string, error)
}

// AddressNormalizer canonicalizes a chain address before it is stored.
// Chain-specific format validation lives behind this interface.
type AddressNormalizer interface {
	Normalize(address string) (string, error)
}

// IdentityNormalizer accepts any address unchanged.
type IdentityNormalizer struct{}

func (IdentityNormalizer) Normalize(address string) (string, error) {
	if address == "" {
		return "", fmt.Errorf("address is required")
	}
	return address, nil
}

// Server is the HTTP surface over the tenant store and registry.
type Server struct {
	store      store.TenantStore
	registry   *plugin.Registry
	auth       Authenticator
	normalizer AddressNormalizer
	logger     *slog.Logger
}

// NewServer wires the API over its collaborators. A nil normalizer
// defaults to pass-through.
func NewServer(st store.TenantStore, registry *plugin.Registry, auth Authenticator, normalizer AddressNormalizer, logger *slog.Logger) *Server {
	if normalizer == nil {
		normalizer = IdentityNormalizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:      st,
		registry:   registry,
		auth:       auth,
		normalizer: normalizer,
		logger:     logger.With("component", "httpapi"),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /auth", s.handleAuth)
	mux.HandleFunc("POST /setup", s.authenticated(s.handleSetup))
	mux.HandleFunc("GET /stats", s.authenticated(s.handleStats))
	mux.HandleFunc("GET /export", s.authenticated(s.handleExport))

	return mux
}

// authenticated resolves the tenant id before running the handler.
func (s *Server) authenticated(next func(w http.ResponseWriter, r *http.Request, tenantID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := s.auth.Verify(r)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next(w, r, tenantID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		s.errorResponse(w, http.StatusBadRequest, "email is required")
		return
	}

	tenantID := store.TenantID(req.Email)

	_, err := s.store.LoadConfig(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		cfg := &store.TenantConfig{
			TenantID:  tenantID,
			Email:     req.Email,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.SaveConfig(ctx, tenantID, cfg); err != nil {
			s.logger.Error("failed to create tenant record", "tenant", tenantID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "failed to register tenant")
			return
		}
		s.logger.Info("registered new tenant", "tenant", tenantID)
	} else if err != nil {
		s.logger.Error("failed to load tenant record", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to register tenant")
		return
	}

	token, err := s.auth.Issue(tenantID)
	if err != nil {
		s.logger.Error("failed to issue token", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]string{
		"tenant_id": tenantID,
		"token":     token,
	})
}

type setupRequest struct {
	Address       string                    `json:"address"`
	Activities    []string                  `json:"activities"`
	Notifications []store.NotificationEntry `json:"notifications"`
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()

	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	address, err := s.normalizer.Normalize(req.Address)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid address: "+err.Error())
		return
	}

	for _, name := range req.Activities {
		if _, ok := s.registry.Activity(name); !ok {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown activity plugin %q", name))
			return
		}
	}
	for _, entry := range req.Notifications {
		p, ok := s.registry.Notification(entry.Type)
		if !ok {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unknown notification plugin %q", entry.Type))
			return
		}
		if err := p.ValidateConfig(entry.Config); err != nil {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid %s config: %v", entry.Type, err))
			return
		}
	}

	existing, err := s.store.LoadConfig(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "tenant not registered")
		return
	}
	if err != nil {
		s.logger.Error("failed to load tenant config", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}

	// Full replace of the monitoring setup; identity fields survive.
	cfg := &store.TenantConfig{
		TenantID:      tenantID,
		Email:         existing.Email,
		Address:       address,
		Activities:    req.Activities,
		Notifications: req.Notifications,
		CreatedAt:     existing.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveConfig(ctx, tenantID, cfg); err != nil {
		s.logger.Error("failed to save tenant config", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}

	s.logger.Info("tenant setup updated",
		"tenant", tenantID,
		"activities", len(cfg.Activities),
		"notifications", len(cfg.Notifications),
	)
	s.jsonResponse(w, http.StatusOK, cfg)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()

	name := r.URL.Query().Get("plugin")
	if name == "" {
		name = "basic"
	}
	statsPlugin, ok := s.registry.Stats(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("unknown stats plugin %q", name))
		return
	}

	logs, err := s.store.LoadLogs(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("failed to load logs", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load logs")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"plugin":    name,
		"log_count": len(logs),
		"stats":     statsPlugin.Compute(logs),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, tenantID string) {
	ctx := r.Context()

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q", format))
		return
	}

	logs, err := s.store.LoadLogs(ctx, tenantID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("failed to load logs", "tenant", tenantID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	if logs == nil {
		logs = []store.LogEntry{}
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"count":     len(logs),
		"logs":      logs,
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
