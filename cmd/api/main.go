package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/V4T54L/tenant-plane/internal/adapter/api"
	"github.com/V4T54L/tenant-plane/internal/adapter/api/handler"
	"github.com/V4T54L/tenant-plane/internal/adapter/connpool"
	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/adapter/repository/postgres"
	"github.com/V4T54L/tenant-plane/internal/adapter/repository/queue"
	"github.com/V4T54L/tenant-plane/internal/adapter/secrets"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
	"github.com/V4T54L/tenant-plane/internal/pkg/logger"
	"github.com/V4T54L/tenant-plane/internal/usecase"

	_ "github.com/lib/pq" // Keep for postgres driver
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	apiMetrics := metrics.NewAPIMetrics(reg)
	poolMetrics := metrics.NewPoolMetrics(reg)
	provisionMetrics := metrics.NewProvisionMetrics(reg)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Registry Database ---
	db, err := sql.Open("postgres", cfg.ControlDatabaseURL)
	if err != nil {
		logger.Error("failed to open registry database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to registry database", "error", err)
		os.Exit(1)
	}

	tenantRepo := postgres.NewCachedTenantRepository(postgres.NewTenantRepository(db, logger), cfg.RegistryCacheTTL, apiMetrics)
	apiKeyRepo := postgres.NewAPIKeyRepository(db, logger, cfg.APIKeyCacheTTL, apiMetrics)

	// --- Provisioning Queue ---
	jobQueue, err := queue.Open(ctx, cfg, logger, provisionMetrics)
	if err != nil {
		logger.Error("failed to open provisioning queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()
	go jobQueue.StartHealthCheck(ctx)

	// --- Secret Store ---
	var secretStore domain.SecretStore
	if cfg.ConnectionMode == config.ConnectionModeSecret {
		store, err := secrets.NewAWSStore(ctx, cfg.AWSRegion, cfg.SecretPrefix, cfg.SecretCacheTTL, logger)
		if err != nil {
			logger.Error("failed to initialize secret store", "error", err)
			os.Exit(1)
		}
		secretStore = store
	}

	// --- Tenant Connection Pool ---
	pool, err := connpool.New(&postgres.Dialer{
		MaxOpenConns:    cfg.PoolMaxConnsPerTenant,
		MaxIdleConns:    cfg.PoolMaxConnsPerTenant,
		ConnMaxLifetime: cfg.PoolTTL,
	}, connpool.Options{
		Capacity:            cfg.PoolCapacity,
		TTL:                 cfg.PoolTTL,
		MaxIdle:             cfg.PoolMaxIdle,
		HealthTimeout:       cfg.PoolHealthTimeout,
		ConnectTimeout:      cfg.PoolConnectTimeout,
		MaxTotalConnections: cfg.PoolMaxTotalConnections,
		MaxConnsPerTenant:   cfg.PoolMaxConnsPerTenant,
	}, logger, poolMetrics)
	if err != nil {
		logger.Error("failed to create tenant connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	go pool.StartHealthCheck(ctx, cfg.PoolHealthInterval)

	// --- Use Cases ---
	createUseCase := usecase.NewCreateTenantUseCase(tenantRepo, jobQueue, logger, apiMetrics, cfg.TenantBaseDomain, cfg.DefaultTrialDays)
	resolveUseCase := usecase.NewResolveTenantUseCase(tenantRepo, secretStore, pool, logger, apiMetrics)
	adminTenantUseCase := usecase.NewAdminTenantUseCase(tenantRepo, jobQueue, pool, logger)
	var adminQueueUseCase *usecase.AdminQueueUseCase
	if jobQueue.Admin != nil {
		adminQueueUseCase = usecase.NewAdminQueueUseCase(jobQueue.Admin, logger)
	}

	// --- Initialize SSE Broker ---
	sseBroker := handler.NewSSEBroker(ctx, pool, time.Second, logger)

	// --- Admin and Metrics Server ---
	adminServer := &http.Server{
		Addr: cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(api.AdminDeps{
			APIKeys:  apiKeyRepo,
			Queue:    adminQueueUseCase,
			Tenants:  adminTenantUseCase,
			Pool:     pool,
			Broker:   sseBroker,
			Gatherer: reg,
		}, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
			stop()
		}
	}()

	// --- Public Server ---
	apiServer := &http.Server{
		Addr:         cfg.APIServerAddr,
		Handler:      api.NewRouter(cfg, logger, createUseCase, resolveUseCase, sseBroker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting api server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully", "pool", pool.Stats())
}
