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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/handler"
	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/adapter/migrate"
	"github.com/V4T54L/tenant-plane/internal/adapter/repository/postgres"
	"github.com/V4T54L/tenant-plane/internal/adapter/repository/queue"
	"github.com/V4T54L/tenant-plane/internal/adapter/secrets"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
	"github.com/V4T54L/tenant-plane/internal/pkg/logger"
	"github.com/V4T54L/tenant-plane/internal/usecase"

	_ "github.com/lib/pq"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting provisioning worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewProvisionMetrics(reg)

	// Connect to the registry database
	controlDB, err := sql.Open("postgres", cfg.ControlDatabaseURL)
	if err != nil {
		log.Error("failed to open registry database", "error", err)
		os.Exit(1)
	}
	defer controlDB.Close()
	if err := controlDB.PingContext(ctx); err != nil {
		log.Error("failed to connect to registry database", "error", err)
		os.Exit(1)
	}
	log.Info("connected to registry database")

	// Administrative connection used for CREATE DATABASE
	adminDB, err := sql.Open("postgres", cfg.AdminDatabaseURL)
	if err != nil {
		log.Error("failed to open admin database connection", "error", err)
		os.Exit(1)
	}
	defer adminDB.Close()
	adminDB.SetMaxOpenConns(cfg.ProvisionConcurrency)

	baseURL := cfg.TenantDatabaseBaseURL
	if baseURL == "" {
		baseURL = cfg.AdminDatabaseURL
	}
	factory, err := postgres.NewDatabaseFactory(adminDB, baseURL, cfg.TenantDatabaseTemplate, log)
	if err != nil {
		log.Error("failed to create database factory", "error", err)
		os.Exit(1)
	}

	jobQueue, err := queue.Open(ctx, cfg, log, m)
	if err != nil {
		log.Error("failed to open provisioning queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	var secretStore domain.SecretStore
	storeSecrets := cfg.ConnectionMode == config.ConnectionModeSecret
	if storeSecrets {
		store, err := secrets.NewAWSStore(ctx, cfg.AWSRegion, cfg.SecretPrefix, cfg.SecretCacheTTL, log)
		if err != nil {
			log.Error("failed to initialize secret store", "error", err)
			os.Exit(1)
		}
		secretStore = store
	}

	// Create a unique consumer name for this instance
	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "provisioner-default"
	}

	tenantRepo := postgres.NewTenantRepository(controlDB, log)
	provisionUseCase := usecase.NewProvisionTenantUseCase(
		tenantRepo,
		factory,
		migrate.NewCommandRunner(cfg.MigrateCommand, cfg.MigrateArgs, cfg.SchemaVersion, cfg.MigrationTimeout, log),
		postgres.NewAdvisoryLocker(controlDB, log),
		secretStore,
		jobQueue,
		log,
		m,
		usecase.ProvisionOptions{
			Consumer:         consumerName,
			BatchSize:        cfg.ProvisionBatchSize,
			Concurrency:      cfg.ProvisionConcurrency,
			MaxAttempts:      cfg.ProvisionMaxAttempts,
			JobTimeout:       cfg.ProvisionJobTimeout,
			ActivateRetries:  cfg.ProvisionActivateRetries,
			ActivateBackoff:  time.Second,
			PollInterval:     cfg.ProvisionPollInterval,
			MaxLockDeferrals: cfg.ProvisionMaxLockDeferrals,
			StoreSecrets:     storeSecrets,
		},
	)
	reconciler := usecase.NewReconcileUseCase(tenantRepo, jobQueue, log, m, cfg.ReconcileStuckAfter)

	// Metrics server
	metricsMux := http.NewServeMux()
	metricsMux.HandleFunc("GET /health", handler.HealthCheck)
	metricsMux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.AdminServerAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		jobQueue.StartHealthCheck(gctx)
		return nil
	})
	g.Go(func() error {
		reconciler.Run(gctx, cfg.ReconcileInterval)
		return nil
	})
	g.Go(func() error {
		return provisionUseCase.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("provisioning worker stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("provisioning worker shut down gracefully")
}
