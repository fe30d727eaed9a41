package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/middleware"
	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

const maxSignupBodySize = 16 << 10

// FailureReporter is told when a request finds its tenant client broken.
type FailureReporter interface {
	ReportFailure(tenant *domain.Tenant, cause error)
}

// TenantHandler serves the public tenant endpoints.
type TenantHandler struct {
	create        *usecase.CreateTenantUseCase
	reporter      FailureReporter
	logger        *slog.Logger
	healthTimeout time.Duration
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(create *usecase.CreateTenantUseCase, reporter FailureReporter, logger *slog.Logger, healthTimeout time.Duration) *TenantHandler {
	return &TenantHandler{
		create:        create,
		reporter:      reporter,
		logger:        logger,
		healthTimeout: healthTimeout,
	}
}

// CreateTenant registers a tenant and queues its provisioning.
// POST /tenants
func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSignupBodySize)

	var in usecase.CreateTenantInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			respond.JSON(w, h.logger, http.StatusRequestEntityTooLarge, respond.ErrorResponse{Error: "request body too large", Code: "body_too_large"})
			return
		}
		respond.JSON(w, h.logger, http.StatusBadRequest, respond.ErrorResponse{Error: "invalid request body", Code: "invalid_body"})
		return
	}

	created, err := h.create.Create(r.Context(), in)
	if err != nil {
		respond.Error(w, h.logger, err)
		return
	}

	w.Header().Set("Location", created.URL)
	respond.JSON(w, h.logger, http.StatusCreated, created)
}

// GetTenant returns the metadata of the resolved tenant.
// GET /v1/tenant
func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		respond.Error(w, h.logger, errors.New("tenant middleware not installed"))
		return
	}
	respond.JSON(w, h.logger, http.StatusOK, tenant)
}

// TenantHealth round-trips a trivial query on the tenant's database. A failure
// evicts the cached client so the next request builds a fresh one.
// GET /v1/tenant/health
func (h *TenantHandler) TenantHealth(w http.ResponseWriter, r *http.Request) {
	tenant, okTenant := middleware.TenantFromContext(r.Context())
	db, okDB := middleware.DBFromContext(r.Context())
	if !okTenant || !okDB {
		respond.Error(w, h.logger, errors.New("tenant middleware not installed"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	start := time.Now()
	if _, err := db.Exec(ctx, "SELECT 1"); err != nil {
		h.reporter.ReportFailure(tenant, err)
		reason := domain.ErrTenantUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = domain.ErrConnectTimeout
		}
		respond.Error(w, h.logger, domain.ConnectionFailure(reason, err))
		return
	}

	respond.JSON(w, h.logger, http.StatusOK, map[string]any{
		"status":     "ok",
		"tenant":     tenant.Slug,
		"latency_ms": time.Since(start).Milliseconds(),
	})
}
