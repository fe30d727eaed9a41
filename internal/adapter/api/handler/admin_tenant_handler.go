package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/middleware"
	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

// PoolAdmin is the operator view of the tenant connection cache.
type PoolAdmin interface {
	Stats() domain.PoolStats
	Invalidate(tenantID string) bool
	Clear() int
}

// AdminTenantHandler serves the operator endpoints for tenants and the
// connection cache. Unlike the public surface every tenant-state error is
// reported as is.
type AdminTenantHandler struct {
	uc     *usecase.AdminTenantUseCase
	pool   PoolAdmin
	logger *slog.Logger
}

// NewAdminTenantHandler creates a new AdminTenantHandler.
func NewAdminTenantHandler(uc *usecase.AdminTenantUseCase, pool PoolAdmin, logger *slog.Logger) *AdminTenantHandler {
	return &AdminTenantHandler{uc: uc, pool: pool, logger: logger}
}

// GetTenant returns a tenant in any status.
// GET /admin/tenants/{slug}
func (h *AdminTenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.uc.GetBySlug(r.Context(), r.PathValue("slug"))
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, tenant)
}

// ChangeStatus activates, deactivates or suspends a provisioned tenant.
// POST /admin/tenants/{id}/status
func (h *AdminTenantHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var payload struct {
		Status domain.TenantStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respond.JSON(w, h.logger, http.StatusBadRequest, respond.ErrorResponse{Error: "invalid request body", Code: "invalid_body"})
		return
	}

	tenant, err := h.uc.ChangeStatus(r.Context(), id, payload.Status)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("Operator changed tenant status", "tenant_id", id, "status", tenant.Status, "operator", middleware.OperatorFromContext(r.Context()))
	respond.JSON(w, h.logger, http.StatusOK, tenant)
}

// Reprovision queues a fresh provisioning job for a tenant stuck in
// PROVISIONING.
// POST /admin/tenants/{id}/reprovision
func (h *AdminTenantHandler) Reprovision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	if err := h.uc.Reprovision(r.Context(), id); err != nil {
		respond.Error(w, h.logger, err)
		return
	}
	h.logger.Info("Operator queued reprovisioning", "tenant_id", id, "operator", middleware.OperatorFromContext(r.Context()))
	respond.JSON(w, h.logger, http.StatusAccepted, map[string]string{"status": "queued"})
}

// PoolStats returns the connection cache counters.
// GET /admin/pool/stats
func (h *AdminTenantHandler) PoolStats(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, h.logger, http.StatusOK, h.pool.Stats())
}

// EvictTenant drops one tenant's cached client.
// DELETE /admin/pool/tenants/{id}
func (h *AdminTenantHandler) EvictTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	evicted := h.pool.Invalidate(id.String())
	h.logger.Info("Operator evicted tenant client", "tenant_id", id, "evicted", evicted, "operator", middleware.OperatorFromContext(r.Context()))
	respond.JSON(w, h.logger, http.StatusOK, map[string]bool{"evicted": evicted})
}

// ClearPool drops every cached client.
// DELETE /admin/pool
func (h *AdminTenantHandler) ClearPool(w http.ResponseWriter, r *http.Request) {
	n := h.pool.Clear()
	h.logger.Info("Operator cleared tenant connection cache", "evicted", n, "operator", middleware.OperatorFromContext(r.Context()))
	respond.JSON(w, h.logger, http.StatusOK, map[string]int{"evicted": n})
}

func (h *AdminTenantHandler) tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		respond.JSON(w, h.logger, http.StatusBadRequest, respond.ErrorResponse{Error: "tenant id must be a uuid", Code: "invalid_tenant_id"})
		return uuid.Nil, false
	}
	return id, true
}
