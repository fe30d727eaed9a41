package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/V4T54L/tenant-plane/internal/adapter/connpool"
	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

// TenantPool is the part of the connection cache the request path uses.
type TenantPool interface {
	Get(ctx context.Context, tenantID, dbURL string) (*connpool.Handle, error)
	Invalidate(tenantID string) bool
}

// ResolvedTenant is an ACTIVE tenant together with a leased client for its
// database. Release must be called once the request is done with it.
type ResolvedTenant struct {
	Tenant *domain.Tenant
	handle *connpool.Handle
}

// DB returns the tenant's database client.
func (r *ResolvedTenant) DB() domain.TenantDB { return r.handle.DB() }

// Release returns the client lease.
func (r *ResolvedTenant) Release() { r.handle.Release() }

// ResolveTenantUseCase maps a tenant slug to a live database client.
type ResolveTenantUseCase struct {
	repo    domain.TenantRepository
	secrets domain.SecretStore
	pool    TenantPool
	logger  *slog.Logger
	metrics *metrics.APIMetrics
}

// NewResolveTenantUseCase creates a new ResolveTenantUseCase. secrets may be
// nil when every tenant uses a direct URL.
func NewResolveTenantUseCase(repo domain.TenantRepository, secrets domain.SecretStore, pool TenantPool, logger *slog.Logger, m *metrics.APIMetrics) *ResolveTenantUseCase {
	return &ResolveTenantUseCase{
		repo:    repo,
		secrets: secrets,
		pool:    pool,
		logger:  logger.With("component", "tenant_resolver"),
		metrics: m,
	}
}

// Resolve looks the tenant up, checks that it is ACTIVE and leases a client
// for its database. Each rejection reason has its own error.
func (uc *ResolveTenantUseCase) Resolve(ctx context.Context, slug string) (*ResolvedTenant, error) {
	if slug == "" {
		uc.metrics.Resolution("invalid")
		return nil, domain.ErrMissingTenantSlug
	}
	if err := domain.ValidateSlug(slug); err != nil {
		uc.metrics.Resolution("invalid")
		return nil, err
	}

	tenant, err := uc.repo.FindBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			uc.metrics.Resolution("not_found")
			return nil, err
		}
		uc.metrics.Resolution("error")
		return nil, fmt.Errorf("lookup tenant %q: %w", slug, err)
	}
	if err := statusError(tenant.Status); err != nil {
		uc.metrics.Resolution(outcomeFor(err))
		return nil, err
	}

	dbURL, err := uc.connectionURL(ctx, tenant)
	if err != nil {
		uc.metrics.Resolution(outcomeFor(err))
		return nil, err
	}

	handle, err := uc.pool.Get(ctx, tenant.ID.String(), dbURL)
	if err != nil {
		if domain.KindOf(err) == domain.KindConnection {
			uc.pool.Invalidate(tenant.ID.String())
		}
		uc.metrics.Resolution(outcomeFor(err))
		uc.logger.Warn("Failed to acquire tenant client", "tenant_id", tenant.ID, "slug", slug, "error", err)
		return nil, err
	}

	uc.metrics.Resolution("ok")
	return &ResolvedTenant{Tenant: tenant, handle: handle}, nil
}

// ReportFailure drops the tenant's cached client after a request found it
// broken, so the next request builds a fresh one.
func (uc *ResolveTenantUseCase) ReportFailure(tenant *domain.Tenant, cause error) {
	if uc.pool.Invalidate(tenant.ID.String()) {
		uc.logger.Warn("Evicted broken tenant client", "tenant_id", tenant.ID, "error", redact.Text(cause.Error()))
	}
}

func (uc *ResolveTenantUseCase) connectionURL(ctx context.Context, tenant *domain.Tenant) (string, error) {
	d := tenant.Connection
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("tenant %s has no usable connection descriptor", tenant.ID)
	}
	if d.DirectURL != "" {
		return d.DirectURL, nil
	}
	if uc.secrets == nil {
		return "", fmt.Errorf("tenant %s uses secret %s but no secret store is configured", tenant.ID, redact.Reference(d.SecretRef))
	}
	dbURL, err := uc.secrets.GetSecret(ctx, d.SecretRef)
	if err != nil {
		return "", domain.ConnectionFailure(domain.ErrTenantUnreachable, fmt.Errorf("read secret %s: %w", redact.Reference(d.SecretRef), err))
	}
	return dbURL, nil
}

func statusError(s domain.TenantStatus) error {
	switch s {
	case domain.StatusActive:
		return nil
	case domain.StatusInactive:
		return domain.ErrTenantInactive
	case domain.StatusSuspended:
		return domain.ErrTenantSuspended
	case domain.StatusProvisioning:
		return domain.ErrTenantProvisioning
	}
	return fmt.Errorf("unknown tenant status %q", s)
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrTenantNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrTenantInactive):
		return "inactive"
	case errors.Is(err, domain.ErrTenantSuspended):
		return "suspended"
	case errors.Is(err, domain.ErrTenantProvisioning):
		return "provisioning"
	case errors.Is(err, domain.ErrConnection):
		return "connection"
	}
	return "error"
}
