package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// AdminRepository implements domain.QueueAdminRepository over the same
// stream, group and DLQ as JobQueue.
type AdminRepository struct {
	client *redis.Client
	logger *slog.Logger
	opts   QueueOptions
}

// NewAdminRepository creates a new Redis queue admin repository.
func NewAdminRepository(client *redis.Client, logger *slog.Logger, opts QueueOptions) *AdminRepository {
	return &AdminRepository{client: client, logger: logger.With("component", "redis_queue_admin"), opts: opts}
}

// Overview reports stream and DLQ lengths together with the consumer group's
// pending count and workers.
func (r *AdminRepository) Overview(ctx context.Context) (*domain.QueueOverview, error) {
	pipe := r.client.Pipeline()
	length := pipe.XLen(ctx, r.opts.Stream)
	dead := pipe.XLen(ctx, r.opts.DLQ)
	groups := pipe.XInfoGroups(ctx, r.opts.Stream)
	consumers := pipe.XInfoConsumers(ctx, r.opts.Stream, r.opts.Group)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("inspect %s: %w", r.opts.Stream, err)
	}

	out := &domain.QueueOverview{
		Length:       length.Val(),
		DeadLettered: dead.Val(),
		Workers:      []domain.WorkerInfo{},
	}
	for _, g := range groups.Val() {
		if g.Name == r.opts.Group {
			out.Pending = g.Pending
			out.LastDeliveredID = g.LastDeliveredID
		}
	}
	for _, c := range consumers.Val() {
		out.Workers = append(out.Workers, domain.WorkerInfo{
			Name:    c.Name,
			Pending: c.Pending,
			IdleMS:  c.Idle.Milliseconds(),
		})
	}
	return out, nil
}

// PendingJobs lists unacknowledged deliveries oldest first and resolves the
// tenant each one belongs to.
func (r *AdminRepository) PendingJobs(ctx context.Context, worker string, count int64) ([]domain.PendingJob, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   r.opts.Stream,
		Group:    r.opts.Group,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: worker,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending %s: %w", r.opts.Stream, err)
	}
	if len(pending) == 0 {
		return []domain.PendingJob{}, nil
	}

	pipe := r.client.Pipeline()
	entries := make([]*redis.XMessageSliceCmd, len(pending))
	for i, p := range pending {
		entries[i] = pipe.XRangeN(ctx, r.opts.Stream, p.ID, p.ID, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xrange %s: %w", r.opts.Stream, err)
	}

	out := make([]domain.PendingJob, 0, len(pending))
	for i, p := range pending {
		job := domain.PendingJob{
			MessageID:  p.ID,
			Worker:     p.Consumer,
			IdleMS:     p.Idle.Milliseconds(),
			Deliveries: p.RetryCount,
		}
		// Entries trimmed out of the stream stay pending without a payload.
		if msgs := entries[i].Val(); len(msgs) == 1 {
			if decoded, err := decodeJob(msgs[0]); err == nil {
				job.TenantID = decoded.TenantID
			}
		}
		out = append(out, job)
	}
	return out, nil
}

// Reassign moves pending jobs to worker and returns them decoded.
func (r *AdminRepository) Reassign(ctx context.Context, worker string, minIdle time.Duration, messageIDs []string) ([]domain.ProvisioningJob, error) {
	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.opts.Stream,
		Group:    r.opts.Group,
		Consumer: worker,
		MinIdle:  minIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", r.opts.Stream, err)
	}

	jobs := make([]domain.ProvisioningJob, 0, len(claimed))
	for _, msg := range claimed {
		job, err := decodeJob(msg)
		if err != nil {
			r.logger.Warn("claimed message is not a provisioning job", "message_id", msg.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *AdminRepository) Discard(ctx context.Context, messageIDs ...string) (int64, error) {
	n, err := r.client.XAck(ctx, r.opts.Stream, r.opts.Group, messageIDs...).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s: %w", r.opts.Stream, err)
	}
	return n, nil
}

// DeadLetters returns the newest count entries of the DLQ.
func (r *AdminRepository) DeadLetters(ctx context.Context, count int64) ([]domain.DeadLetter, error) {
	msgs, err := r.client.XRevRangeN(ctx, r.opts.DLQ, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", r.opts.DLQ, err)
	}

	out := make([]domain.DeadLetter, 0, len(msgs))
	for _, msg := range msgs {
		dl, err := decodeDeadLetter(msg)
		if err != nil {
			r.logger.Warn("skipping malformed dead letter", "message_id", msg.ID, "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue appends the dead-lettered job to the main stream and deletes it
// from the DLQ in one transaction. The job starts again at attempt 1.
func (r *AdminRepository) Requeue(ctx context.Context, messageID string) (*domain.ProvisioningJob, error) {
	msgs, err := r.client.XRangeN(ctx, r.opts.DLQ, messageID, messageID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", r.opts.DLQ, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("dead letter %s: %w", messageID, domain.ErrJobNotFound)
	}
	job, err := decodeJob(msgs[0])
	if err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", messageID, err)
	}

	pipe := r.client.TxPipeline()
	added := pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: r.opts.Stream,
		Values: map[string]any{payloadField: msgs[0].Values[payloadField]},
	})
	pipe.XDel(ctx, r.opts.DLQ, messageID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("requeue tenant %s: %w", job.TenantID, err)
	}

	job.MessageID = added.Val()
	job.Attempt = 0
	return &job, nil
}

func (r *AdminRepository) TrimDeadLetters(ctx context.Context, maxLen int64) (int64, error) {
	n, err := r.client.XTrimMaxLen(ctx, r.opts.DLQ, maxLen).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", r.opts.DLQ, err)
	}
	return n, nil
}

func decodeDeadLetter(msg redis.XMessage) (domain.DeadLetter, error) {
	job, err := decodeJob(msg)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	dl := domain.DeadLetter{MessageID: msg.ID, TenantID: job.TenantID}
	if s, ok := msg.Values["attempts"].(string); ok {
		dl.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := msg.Values["reason"].(string); ok {
		dl.Reason = s
	}
	if s, ok := msg.Values["failed_at"].(string); ok {
		dl.FailedAt, _ = time.Parse(time.RFC3339, s)
	}
	return dl, nil
}
