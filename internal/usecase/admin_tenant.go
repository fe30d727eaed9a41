package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// AdminTenantUseCase backs the operator endpoints for tenants.
type AdminTenantUseCase struct {
	repo   domain.TenantRepository
	queue  domain.JobQueue
	pool   TenantPool
	logger *slog.Logger
}

// NewAdminTenantUseCase creates a new AdminTenantUseCase.
func NewAdminTenantUseCase(repo domain.TenantRepository, queue domain.JobQueue, pool TenantPool, logger *slog.Logger) *AdminTenantUseCase {
	return &AdminTenantUseCase{
		repo:   repo,
		queue:  queue,
		pool:   pool,
		logger: logger.With("component", "admin_tenants"),
	}
}

// GetBySlug returns the tenant regardless of its status.
func (uc *AdminTenantUseCase) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	if err := domain.ValidateSlug(slug); err != nil {
		return nil, err
	}
	return uc.repo.FindBySlug(ctx, slug)
}

// ChangeStatus moves a provisioned tenant between ACTIVE, INACTIVE and
// SUSPENDED. Leaving ACTIVE drops the tenant's cached client.
func (uc *AdminTenantUseCase) ChangeStatus(ctx context.Context, id uuid.UUID, to domain.TenantStatus) (*domain.Tenant, error) {
	tenant, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tenant.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s to %s", domain.ErrInvalidTransition, tenant.Status, to)
	}
	if err := uc.repo.UpdateStatus(ctx, id, tenant.Status, to); err != nil {
		return nil, err
	}
	if to != domain.StatusActive {
		uc.pool.Invalidate(id.String())
	}

	uc.logger.Info("Tenant status changed", "tenant_id", id, "slug", tenant.Slug, "from", tenant.Status, "to", to)
	tenant.Status = to
	return tenant, nil
}

// Reprovision clears a dead-letter annotation and queues a fresh job for a
// tenant still in PROVISIONING.
func (uc *AdminTenantUseCase) Reprovision(ctx context.Context, id uuid.UUID) error {
	tenant, err := uc.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if tenant.Status != domain.StatusProvisioning {
		return fmt.Errorf("%w: tenant is %s", domain.ErrInvalidTransition, tenant.Status)
	}
	if err := uc.repo.RecordProvisioningFailure(ctx, id, 0, ""); err != nil {
		return fmt.Errorf("clear provisioning failure: %w", err)
	}
	if err := uc.queue.Enqueue(ctx, domain.ProvisioningJob{TenantID: id}); err != nil {
		return fmt.Errorf("enqueue provisioning job: %w", err)
	}

	uc.logger.Info("Tenant queued for reprovisioning", "tenant_id", id, "slug", tenant.Slug, "previous_error", tenant.LastError)
	return nil
}
