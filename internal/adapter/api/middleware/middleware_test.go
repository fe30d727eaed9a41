package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/tenant-plane/internal/adapter/api/respond"
	"github.com/V4T54L/tenant-plane/internal/adapter/connpool"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/domain/mocks"
	"github.com/V4T54L/tenant-plane/internal/usecase"
)

type stubKeys struct {
	valid string
	err   error
}

func (s stubKeys) IsValid(_ context.Context, key string) (bool, error) {
	return key == s.valid, s.err
}

func tenant(slug string, status domain.TenantStatus) *domain.Tenant {
	id := uuid.New()
	return &domain.Tenant{
		ID:         id,
		Slug:       slug,
		Name:       slug,
		Status:     status,
		Connection: domain.ConnectionDescriptor{DirectURL: "postgres://tenant@db:5432/" + domain.DatabaseName(slug, id)},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func newResolver(t *testing.T, dialer connpool.Dialer, tenants ...*domain.Tenant) (*usecase.ResolveTenantUseCase, *connpool.Pool) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool, err := connpool.New(dialer, connpool.Options{
		Capacity:            10,
		TTL:                 time.Minute,
		MaxIdle:             time.Minute,
		HealthTimeout:       time.Second,
		ConnectTimeout:      time.Second,
		MaxTotalConnections: 20,
		MaxConnsPerTenant:   2,
	}, logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return usecase.NewResolveTenantUseCase(mocks.NewMockTenantRepository(tenants...), nil, pool, logger, nil), pool
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) respond.ErrorResponse {
	t.Helper()
	var body respond.ErrorResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestTenant(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	acme := tenant("acme", domain.StatusActive)
	banned := tenant("banned", domain.StatusSuspended)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := TenantFromContext(r.Context())
		if !ok {
			http.Error(w, "no tenant", http.StatusInternalServerError)
			return
		}
		if _, ok := DBFromContext(r.Context()); !ok {
			http.Error(w, "no db", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(got.Slug))
	})

	tests := []struct {
		name     string
		header   string
		host     string
		mask     bool
		wantCode int
		wantBody string
		wantErr  string
	}{
		{name: "header", header: "acme", wantCode: http.StatusOK, wantBody: "acme"},
		{name: "subdomain fallback", host: "acme.example.com:8080", wantCode: http.StatusOK, wantBody: "acme"},
		{name: "nested subdomain ignored", host: "x.acme.example.com", wantCode: http.StatusUnauthorized, wantErr: "tenant_identity_required"},
		{name: "missing", wantCode: http.StatusUnauthorized, wantErr: "tenant_identity_required"},
		{name: "malformed", header: "ACME!", wantCode: http.StatusUnauthorized, wantErr: "tenant_identity_required"},
		{name: "unknown", header: "nobody", wantCode: http.StatusNotFound, wantErr: "tenant_not_found"},
		{name: "suspended distinct", header: "banned", wantCode: http.StatusForbidden, wantErr: "tenant_suspended"},
		{name: "suspended masked", header: "banned", mask: true, wantCode: http.StatusNotFound, wantErr: "tenant_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, pool := newResolver(t, &mocks.MockDialer{}, acme, banned)
			mw := Tenant(resolver, TenantOptions{Header: "X-Tenant-Slug", BaseDomain: "example.com", MaskState: tt.mask}, logger)

			req := httptest.NewRequest(http.MethodGet, "/v1/tenant", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-Slug", tt.header)
			}
			if tt.host != "" {
				req.Host = tt.host
			}
			rr := httptest.NewRecorder()
			mw(echo).ServeHTTP(rr, req)

			assert.Equal(t, tt.wantCode, rr.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, decodeError(t, rr).Code)
			} else {
				assert.Equal(t, tt.wantBody, rr.Body.String())
			}
			assert.Zero(t, pool.Stats().LeasedHandles, "lease must be released after the handler returns")
		})
	}
}

func TestTenant_ConnectionFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	acme := tenant("acme", domain.StatusActive)
	resolver, _ := newResolver(t, &mocks.MockDialer{Err: domain.ConnectionFailure(domain.ErrConnectTimeout, errors.New("i/o timeout"))}, acme)
	mw := Tenant(resolver, TenantOptions{Header: "X-Tenant-Slug", MaskState: true}, logger)

	req := httptest.NewRequest(http.MethodGet, "/v1/tenant", nil)
	req.Header.Set("X-Tenant-Slug", "acme")
	rr := httptest.NewRecorder()
	mw(http.NotFoundHandler()).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "connect_timeout", decodeError(t, rr).Code)
}

func TestSlugFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "Acme.Example.com."
	assert.Equal(t, "acme", SlugFromRequest(req, "X-Tenant-Slug", "example.com"))
	assert.Equal(t, "", SlugFromRequest(req, "X-Tenant-Slug", ""))

	req.Host = "example.com"
	assert.Equal(t, "", SlugFromRequest(req, "X-Tenant-Slug", "example.com"))

	req.Header.Set("X-Tenant-Slug", " globex ")
	assert.Equal(t, "globex", SlugFromRequest(req, "X-Tenant-Slug", "example.com"))
}

func TestAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		key      string
		repo     stubKeys
		wantCode int
	}{
		{"valid", "secret", stubKeys{valid: "secret"}, http.StatusNoContent},
		{"missing", "", stubKeys{valid: "secret"}, http.StatusUnauthorized},
		{"invalid", "guess", stubKeys{valid: "secret"}, http.StatusUnauthorized},
		{"store error", "secret", stubKeys{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/pool/stats", nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			rr := httptest.NewRecorder()
			Auth(tt.repo, logger)(ok).ServeHTTP(rr, req)
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}
}

func TestAuth_StoresOperator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var operator string
	h := Auth(stubKeys{valid: "secret"}, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = OperatorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/pool/stats", nil)
	req.Header.Set(APIKeyHeader, "secret")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, domain.OperatorID("secret"), operator)
	assert.NotContains(t, operator, "secret")
	assert.Empty(t, OperatorFromContext(context.Background()))
}

func TestLogging_AssignsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rr.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, "abc-123", rr.Header().Get(RequestIDHeader))
}
