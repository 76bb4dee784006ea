package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keelstore/keel/pkg/apperr"
	"github.com/keelstore/keel/pkg/tenant"
)

// TenantHandler handles the admin tenant API under /admin/tenants. It is
// only mounted in multi-tenant mode and sits behind the admin API key.
type TenantHandler struct {
	registry *tenant.Registry
	runtime  *tenant.Runtime
	migrator *tenant.Migrator
	logger   *slog.Logger
}

// NewTenantHandler creates a new TenantHandler. migrator may be nil when the
// progressive migration runner is disabled.
func NewTenantHandler(registry *tenant.Registry, runtime *tenant.Runtime, migrator *tenant.Migrator, logger *slog.Logger) *TenantHandler {
	return &TenantHandler{
		registry: registry,
		runtime:  runtime,
		migrator: migrator,
		logger:   logger,
	}
}

// CreateTenantRequest is the request body for POST /admin/tenants.
type CreateTenantRequest struct {
	ID              string `json:"id"`
	DatabaseURL     string `json:"database_url"`
	DatabasePoolURL string `json:"database_pool_url,omitempty"`
	MaxConnections  int    `json:"max_connections,omitempty"`
	JWTSecret       string `json:"jwt_secret"`
	ServiceKey      string `json:"service_key,omitempty"`
	FileSizeLimit   int64  `json:"file_size_limit,omitempty"`
	FeatureFlags    string `json:"feature_flags,omitempty"`
	DisableEvents   bool   `json:"disable_events,omitempty"`
}

// UpdateTenantRequest is the request body for PATCH /admin/tenants/{id}.
type UpdateTenantRequest struct {
	DatabaseURL     *string `json:"database_url,omitempty"`
	DatabasePoolURL *string `json:"database_pool_url,omitempty"`
	MaxConnections  *int    `json:"max_connections,omitempty"`
	JWTSecret       *string `json:"jwt_secret,omitempty"`
	ServiceKey      *string `json:"service_key,omitempty"`
	FileSizeLimit   *int64  `json:"file_size_limit,omitempty"`
	FeatureFlags    *string `json:"feature_flags,omitempty"`
	DisableEvents   *bool   `json:"disable_events,omitempty"`
}

// Create handles POST /admin/tenants. The new tenant's schema migrations are
// queued immediately.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}
	if req.ID == "" || req.DatabaseURL == "" || req.JWTSecret == "" {
		writeError(w, h.logger, apperr.InvalidParameter("id, database_url and jwt_secret are required"))
		return
	}

	t := &tenant.Tenant{
		ID:              req.ID,
		DatabaseURL:     req.DatabaseURL,
		DatabasePoolURL: req.DatabasePoolURL,
		MaxConnections:  req.MaxConnections,
		JWTSecret:       req.JWTSecret,
		ServiceKey:      req.ServiceKey,
		FileSizeLimit:   req.FileSizeLimit,
		FeatureFlags:    req.FeatureFlags,
		DisableEvents:   req.DisableEvents,
	}
	if err := h.registry.Create(r.Context(), t); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.migrator != nil {
		h.migrator.Enqueue(t.ID)
	}
	h.logger.Info("tenant created", "tenant", t.ID)
	writeJSON(w, http.StatusCreated, t)
}

// List handles GET /admin/tenants.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, tenants)
}

// Get handles GET /admin/tenants/{tenantId}.
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.registry.Get(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Update handles PATCH /admin/tenants/{tenantId}. The runtime cache entry is
// invalidated so the next request picks up the new credentials.
func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantId")

	var req UpdateTenantRequest
	if !decodeJSONBody(w, r, h.logger, &req) {
		return
	}

	upd := tenant.TenantUpdate{
		DatabaseURL:     req.DatabaseURL,
		DatabasePoolURL: req.DatabasePoolURL,
		MaxConnections:  req.MaxConnections,
		JWTSecret:       req.JWTSecret,
		ServiceKey:      req.ServiceKey,
		FileSizeLimit:   req.FileSizeLimit,
		FeatureFlags:    req.FeatureFlags,
		DisableEvents:   req.DisableEvents,
	}
	if err := h.registry.Update(r.Context(), id, upd); err != nil {
		writeError(w, h.logger, err)
		return
	}

	if h.runtime != nil {
		h.runtime.Invalidate(id)
	}
	h.logger.Info("tenant updated", "tenant", id)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully updated"})
}

// Delete handles DELETE /admin/tenants/{tenantId}. Only the registry row is
// removed; the tenant's database and blobs are left for out-of-band cleanup.
func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantId")

	if err := h.registry.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if h.runtime != nil {
		h.runtime.Invalidate(id)
	}
	h.logger.Info("tenant deleted", "tenant", id)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Successfully deleted"})
}
