package api

import (
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/handler"
	"github.com/V4T54L/tenant-plane/internal/adapter/api/middleware"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

// NewRouter creates and configures the public HTTP router: tenant signup and
// the tenant-scoped routes behind the resolution middleware.
func NewRouter(
	cfg *config.Config,
	logger *slog.Logger,
	createUseCase *usecase.CreateTenantUseCase,
	resolver *usecase.ResolveTenantUseCase,
	broker *handler.SSEBroker,
) http.Handler {
	mux := http.NewServeMux()

	tenantHandler := handler.NewTenantHandler(createUseCase, resolver, logger, cfg.PoolHealthTimeout)

	// Middleware
	tenantMiddleware := middleware.Tenant(resolver, middleware.TenantOptions{
		Header:     cfg.TenantHeader,
		BaseDomain: cfg.TenantBaseDomain,
		MaskState:  cfg.MaskTenantState,
	}, logger)
	scoped := func(h http.HandlerFunc) http.Handler {
		return tenantMiddleware(broker.Track(h))
	}

	// Routes
	mux.HandleFunc("POST /tenants", tenantHandler.CreateTenant)
	mux.Handle("GET /v1/tenant", scoped(tenantHandler.GetTenant))
	mux.Handle("GET /v1/tenant/health", scoped(tenantHandler.TenantHealth))

	// Health check
	mux.HandleFunc("GET /health", handler.HealthCheck)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", cfg.TenantHeader, middleware.RequestIDHeader},
		ExposedHeaders: []string{"Location", "Retry-After", middleware.RequestIDHeader},
	})

	return middleware.Logging(logger)(c.Handler(mux))
}
