package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

const (
	defaultListCount = 100
	maxListCount     = 1000
)

// AdminQueueUseCase lets operators inspect and repair the provisioning queue.
type AdminQueueUseCase struct {
	repo   domain.QueueAdminRepository
	logger *slog.Logger
}

// NewAdminQueueUseCase creates a new AdminQueueUseCase.
func NewAdminQueueUseCase(repo domain.QueueAdminRepository, logger *slog.Logger) *AdminQueueUseCase {
	return &AdminQueueUseCase{repo: repo, logger: logger.With("component", "admin_queue")}
}

func (uc *AdminQueueUseCase) Overview(ctx context.Context) (*domain.QueueOverview, error) {
	return uc.repo.Overview(ctx)
}

// PendingJobs lists unacknowledged jobs. An empty worker lists all of them.
func (uc *AdminQueueUseCase) PendingJobs(ctx context.Context, worker string, count int64) ([]domain.PendingJob, error) {
	return uc.repo.PendingJobs(ctx, worker, clampCount(count))
}

// Reassign moves stalled jobs to another worker, typically after the owner
// died for good.
func (uc *AdminQueueUseCase) Reassign(ctx context.Context, worker string, minIdle time.Duration, messageIDs []string) ([]domain.ProvisioningJob, error) {
	if worker == "" {
		return nil, fmt.Errorf("%w: worker is required", domain.ErrInvalidQueueOp)
	}
	if len(messageIDs) == 0 {
		return nil, fmt.Errorf("%w: message_ids cannot be empty", domain.ErrInvalidQueueOp)
	}
	if minIdle < 0 {
		return nil, fmt.Errorf("%w: min_idle cannot be negative", domain.ErrInvalidQueueOp)
	}
	jobs, err := uc.repo.Reassign(ctx, worker, minIdle, messageIDs)
	if err != nil {
		return nil, err
	}
	uc.logger.Info("reassigned pending jobs", "worker", worker, "requested", len(messageIDs), "claimed", len(jobs))
	return jobs, nil
}

// Discard drops pending jobs. The affected tenants stay PROVISIONING until
// the reconciler re-enqueues them.
func (uc *AdminQueueUseCase) Discard(ctx context.Context, messageIDs ...string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, fmt.Errorf("%w: message_ids cannot be empty", domain.ErrInvalidQueueOp)
	}
	n, err := uc.repo.Discard(ctx, messageIDs...)
	if err != nil {
		return 0, err
	}
	uc.logger.Warn("discarded pending jobs", "count", n)
	return n, nil
}

func (uc *AdminQueueUseCase) DeadLetters(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	return uc.repo.DeadLetters(ctx, clampCount(count))
}

// Requeue gives a dead-lettered job a fresh set of attempts.
func (uc *AdminQueueUseCase) Requeue(ctx context.Context, messageID string) (*domain.ProvisioningJob, error) {
	if messageID == "" {
		return nil, fmt.Errorf("%w: message id is required", domain.ErrInvalidQueueOp)
	}
	job, err := uc.repo.Requeue(ctx, messageID)
	if err != nil {
		return nil, err
	}
	uc.logger.Info("requeued dead-lettered job", "tenant_id", job.TenantID, "dead_letter_id", messageID, "message_id", job.MessageID)
	return job, nil
}

// TrimDeadLetters keeps the newest maxLen dead letters. Zero empties the DLQ.
func (uc *AdminQueueUseCase) TrimDeadLetters(ctx context.Context, maxLen int64) (int64, error) {
	if maxLen < 0 {
		return 0, fmt.Errorf("%w: maxlen cannot be negative", domain.ErrInvalidQueueOp)
	}
	return uc.repo.TrimDeadLetters(ctx, maxLen)
}

func clampCount(count int64) int64 {
	switch {
	case count <= 0:
		return defaultListCount
	case count > maxListCount:
		return maxListCount
	}
	return count
}
