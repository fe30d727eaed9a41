package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/handler"
	"github.com/V4T54L/tenant-plane/internal/adapter/api/middleware"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

// AdminDeps groups what the admin router serves.
type AdminDeps struct {
	APIKeys  domain.APIKeyRepository
	Queue    *usecase.AdminQueueUseCase
	Tenants  *usecase.AdminTenantUseCase
	Pool     handler.PoolAdmin
	Broker   *handler.SSEBroker
	Gatherer prometheus.Gatherer
}

// NewAdminRouter creates and configures the HTTP router for operator
// endpoints. Everything except /health and /metrics requires an API key.
func NewAdminRouter(deps AdminDeps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.Auth(deps.APIKeys, logger)
	protect := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	// Tenants
	tenantHandler := handler.NewAdminTenantHandler(deps.Tenants, deps.Pool, logger)
	protect("GET /admin/tenants/{slug}", tenantHandler.GetTenant)
	protect("POST /admin/tenants/{id}/status", tenantHandler.ChangeStatus)
	protect("POST /admin/tenants/{id}/reprovision", tenantHandler.Reprovision)

	// Connection pool
	protect("GET /admin/pool/stats", tenantHandler.PoolStats)
	protect("DELETE /admin/pool/tenants/{id}", tenantHandler.EvictTenant)
	protect("DELETE /admin/pool", tenantHandler.ClearPool)
	mux.Handle("GET /admin/pool/events", auth(deps.Broker))

	// Provisioning queue
	if deps.Queue != nil {
		queueHandler := handler.NewQueueHandler(deps.Queue, logger)
		protect("GET /admin/queue", queueHandler.Overview)
		protect("GET /admin/queue/pending", queueHandler.PendingJobs)
		protect("POST /admin/queue/pending/reassign", queueHandler.Reassign)
		protect("POST /admin/queue/pending/discard", queueHandler.Discard)
		protect("GET /admin/queue/dead-letters", queueHandler.DeadLetters)
		protect("POST /admin/queue/dead-letters/trim", queueHandler.TrimDeadLetters)
		protect("POST /admin/queue/dead-letters/{id}/requeue", queueHandler.Requeue)
	}

	return middleware.Logging(logger)(mux)
}
