package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/handler"
	"github.com/V4T54L/tenant-plane/internal/adapter/connpool"
	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/domain/mocks"
	"github.com/V4T54L/tenant-plane/internal/pkg/config"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

type staticKeys map[string]bool

func (k staticKeys) IsValid(_ context.Context, key string) (bool, error) { return k[key], nil }

type servers struct {
	public http.Handler
	admin  http.Handler
}

func newServers(t *testing.T) servers {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		TenantHeader:      "X-Tenant-Slug",
		TenantBaseDomain:  "example.com",
		MaskTenantState:   true,
		CORSOrigins:       []string{"https://app.example.com"},
		PoolHealthTimeout: time.Second,
		DefaultTrialDays:  14,
	}

	id := uuid.New()
	acme := &domain.Tenant{
		ID:         id,
		Slug:       "acme",
		Name:       "Acme",
		Status:     domain.StatusActive,
		Connection: domain.ConnectionDescriptor{DirectURL: "postgres://tenant@db:5432/" + domain.DatabaseName("acme", id)},
	}
	banned := &domain.Tenant{ID: uuid.New(), Slug: "banned", Name: "Banned", Status: domain.StatusSuspended}
	repo := mocks.NewMockTenantRepository(acme, banned)
	queue := &mocks.MockJobQueue{}

	reg := prometheus.NewRegistry()
	pool, err := connpool.New(&mocks.MockDialer{}, connpool.Options{
		Capacity:            10,
		TTL:                 time.Minute,
		MaxIdle:             time.Minute,
		HealthTimeout:       time.Second,
		ConnectTimeout:      time.Second,
		MaxTotalConnections: 20,
		MaxConnsPerTenant:   2,
	}, logger, metrics.NewPoolMetrics(reg))
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	apiMetrics := metrics.NewAPIMetrics(reg)
	broker := handler.NewSSEBroker(ctx, pool, time.Second, logger)
	resolver := usecase.NewResolveTenantUseCase(repo, nil, pool, logger, apiMetrics)

	return servers{
		public: NewRouter(cfg, logger, usecase.NewCreateTenantUseCase(repo, queue, logger, apiMetrics, cfg.TenantBaseDomain, cfg.DefaultTrialDays), resolver, broker),
		admin: NewAdminRouter(AdminDeps{
			APIKeys:  staticKeys{"operator-key": true},
			Tenants:  usecase.NewAdminTenantUseCase(repo, queue, pool, logger),
			Pool:     pool,
			Broker:   broker,
			Gatherer: reg,
		}, logger),
	}
}

func TestRouter_PublicSurface(t *testing.T) {
	s := newServers(t)

	tests := []struct {
		name       string
		method     string
		path       string
		host       string
		slug       string
		body       string
		wantStatus int
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "signup", method: http.MethodPost, path: "/tenants", body: `{"slug":"globex","name":"Globex"}`, wantStatus: http.StatusCreated},
		{name: "tenant by header", method: http.MethodGet, path: "/v1/tenant", slug: "acme", wantStatus: http.StatusOK},
		{name: "tenant by subdomain", method: http.MethodGet, path: "/v1/tenant/health", host: "acme.example.com", wantStatus: http.StatusOK},
		{name: "no tenant", method: http.MethodGet, path: "/v1/tenant", wantStatus: http.StatusUnauthorized},
		{name: "suspended is masked", method: http.MethodGet, path: "/v1/tenant", slug: "banned", wantStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodDelete, path: "/tenants", wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.host != "" {
				req.Host = tt.host
			}
			if tt.slug != "" {
				req.Header.Set("X-Tenant-Slug", tt.slug)
			}
			rr := httptest.NewRecorder()
			s.public.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	s := newServers(t)

	req := httptest.NewRequest(http.MethodOptions, "/tenants", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	s.public.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminRouter(t *testing.T) {
	s := newServers(t)

	tests := []struct {
		name       string
		method     string
		path       string
		key        string
		wantStatus int
		wantBody   string
	}{
		{name: "health is open", method: http.MethodGet, path: "/health", wantStatus: http.StatusOK},
		{name: "metrics are open", method: http.MethodGet, path: "/metrics", wantStatus: http.StatusOK, wantBody: "tenant_plane_pool_entries"},
		{name: "stats need a key", method: http.MethodGet, path: "/admin/pool/stats", wantStatus: http.StatusUnauthorized},
		{name: "stats", method: http.MethodGet, path: "/admin/pool/stats", key: "operator-key", wantStatus: http.StatusOK, wantBody: `"hits"`},
		{name: "suspended is distinct", method: http.MethodGet, path: "/admin/tenants/banned", key: "operator-key", wantStatus: http.StatusOK, wantBody: `"SUSPENDED"`},
		{name: "clear", method: http.MethodDelete, path: "/admin/pool", key: "operator-key", wantStatus: http.StatusOK},
		{name: "queue not mounted without a redis queue", method: http.MethodGet, path: "/admin/queue", key: "operator-key", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rr := httptest.NewRecorder()
			s.admin.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			assert.Contains(t, rr.Body.String(), tt.wantBody)
		})
	}
}
