package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

// CreateTenantInput is the signup payload.
type CreateTenantInput struct {
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	TrialDays *int   `json:"trialDays,omitempty"`
}

// CreatedTenant is returned as soon as the tenant row exists. Status is
// always PROVISIONING; activation happens in the background.
type CreatedTenant struct {
	ID          uuid.UUID           `json:"id"`
	Slug        string              `json:"slug"`
	Status      domain.TenantStatus `json:"status"`
	URL         string              `json:"url"`
	TrialEndsAt *time.Time          `json:"trialEndsAt,omitempty"`
}

// CreateTenantUseCase registers a tenant and queues its provisioning.
type CreateTenantUseCase struct {
	repo             domain.TenantRepository
	queue            domain.JobQueue
	logger           *slog.Logger
	metrics          *metrics.APIMetrics
	baseDomain       string
	defaultTrialDays int
	now              func() time.Time
}

// NewCreateTenantUseCase creates a new CreateTenantUseCase.
func NewCreateTenantUseCase(repo domain.TenantRepository, queue domain.JobQueue, logger *slog.Logger, m *metrics.APIMetrics, baseDomain string, defaultTrialDays int) *CreateTenantUseCase {
	return &CreateTenantUseCase{
		repo:             repo,
		queue:            queue,
		logger:           logger.With("component", "create_tenant"),
		metrics:          m,
		baseDomain:       baseDomain,
		defaultTrialDays: defaultTrialDays,
		now:              time.Now,
	}
}

// Create validates the input, inserts the tenant and enqueues a provisioning
// job. A failed enqueue does not fail the request: the tenant row is already
// committed and the reconciler re-enqueues tenants that never get picked up.
func (uc *CreateTenantUseCase) Create(ctx context.Context, in CreateTenantInput) (*CreatedTenant, error) {
	trialDays := uc.defaultTrialDays
	if in.TrialDays != nil {
		trialDays = *in.TrialDays
	}

	tenant, err := domain.NewTenant(in.Slug, in.Name, trialDays, uc.now())
	if err != nil {
		return nil, err
	}
	if err := uc.repo.Create(ctx, tenant); err != nil {
		return nil, fmt.Errorf("register tenant %q: %w", tenant.Slug, err)
	}
	if uc.metrics != nil {
		uc.metrics.TenantsCreated.Inc()
	}

	if err := uc.queue.Enqueue(ctx, domain.ProvisioningJob{TenantID: tenant.ID}); err != nil {
		uc.logger.Error("Failed to enqueue provisioning job, leaving it to the reconciler",
			"tenant_id", tenant.ID, "slug", tenant.Slug, "error", err)
	} else {
		uc.logger.Info("Tenant registered", "tenant_id", tenant.ID, "slug", tenant.Slug)
	}

	return &CreatedTenant{
		ID:          tenant.ID,
		Slug:        tenant.Slug,
		Status:      tenant.Status,
		URL:         TenantURL(uc.baseDomain, tenant.Slug),
		TrialEndsAt: tenant.TrialEndsAt,
	}, nil
}

// TenantURL is the address a tenant's users reach the product on.
func TenantURL(baseDomain, slug string) string {
	if baseDomain == "" {
		return "/" + slug
	}
	return "https://" + slug + "." + baseDomain
}
