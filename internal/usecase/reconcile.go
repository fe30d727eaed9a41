package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

const reconcileBatchSize = 100

// ReconcileUseCase re-enqueues tenants whose provisioning job was lost, for
// example because the queue and the local WAL were both unavailable when the
// tenant was created.
type ReconcileUseCase struct {
	repo       domain.TenantRepository
	queue      domain.JobQueue
	logger     *slog.Logger
	metrics    *metrics.ProvisionMetrics
	stuckAfter time.Duration
	now        func() time.Time
}

// NewReconcileUseCase creates a new ReconcileUseCase.
func NewReconcileUseCase(repo domain.TenantRepository, queue domain.JobQueue, logger *slog.Logger, m *metrics.ProvisionMetrics, stuckAfter time.Duration) *ReconcileUseCase {
	return &ReconcileUseCase{
		repo:       repo,
		queue:      queue,
		logger:     logger.With("component", "reconciler"),
		metrics:    m,
		stuckAfter: stuckAfter,
		now:        time.Now,
	}
}

// Run calls Reconcile every interval until ctx is done.
func (uc *ReconcileUseCase) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			uc.logger.Info("Stopping reconciler")
			return
		case <-ticker.C:
			if _, err := uc.Reconcile(ctx); err != nil {
				uc.logger.Error("Reconcile pass failed", "error", err)
			}
		}
	}
}

// Reconcile enqueues one job per stuck tenant. Dead-lettered tenants carry an
// error annotation and are left for an operator.
func (uc *ReconcileUseCase) Reconcile(ctx context.Context) (int, error) {
	stuck, err := uc.repo.ListStuckProvisioning(ctx, uc.now().Add(-uc.stuckAfter), reconcileBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list stuck tenants: %w", err)
	}

	enqueued := 0
	for _, t := range stuck {
		if err := uc.queue.Enqueue(ctx, domain.ProvisioningJob{TenantID: t.ID}); err != nil {
			return enqueued, fmt.Errorf("re-enqueue tenant %s: %w", t.ID, err)
		}
		// Bumps updated_at so the tenant is not picked again before stuckAfter.
		if err := uc.repo.RecordProvisioningFailure(ctx, t.ID, t.ProvisionAttempts, ""); err != nil {
			uc.logger.Warn("Failed to touch re-enqueued tenant", "tenant_id", t.ID, "error", err)
		}
		enqueued++
		if uc.metrics != nil {
			uc.metrics.Reconciled.Inc()
		}
		uc.logger.Warn("Re-enqueued stuck tenant", "tenant_id", t.ID, "slug", t.Slug, "created_at", t.CreatedAt)
	}
	return enqueued, nil
}
