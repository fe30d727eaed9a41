package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

const payloadField = "payload"

// QueueOptions names the streams and timings of a JobQueue.
type QueueOptions struct {
	Stream string
	Group  string
	DLQ    string

	// ClaimIdle is how long a delivery may stay unacknowledged before another
	// consumer reclaims it. It must outlast the longest running job.
	ClaimIdle time.Duration
	// RetryBackoff is how soon a nacked delivery becomes reclaimable.
	RetryBackoff time.Duration
	// Block bounds how long Dequeue waits for new jobs.
	Block time.Duration
}

// JobQueue implements domain.JobQueue on a Redis Stream with a consumer
// group. Enqueues fall back to the local WAL while Redis is unreachable.
type JobQueue struct {
	client      *redis.Client
	logger      *slog.Logger
	wal         domain.WALRepository
	opts        QueueOptions
	metrics     *metrics.ProvisionMetrics
	isAvailable atomic.Bool
}

// NewJobQueue creates the queue and its consumer group. The WAL is optional;
// pass nil for consumers that never enqueue.
func NewJobQueue(client *redis.Client, logger *slog.Logger, opts QueueOptions, wal domain.WALRepository, m *metrics.ProvisionMetrics) *JobQueue {
	if opts.Block == 0 {
		opts.Block = 2 * time.Second
	}
	q := &JobQueue{
		client:  client,
		logger:  logger.With("component", "redis_job_queue"),
		wal:     wal,
		opts:    opts,
		metrics: m,
	}
	q.isAvailable.Store(true)

	if err := q.setupConsumerGroup(context.Background()); err != nil {
		q.markDown(err)
	}
	return q
}

func (q *JobQueue) setupConsumerGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !isRedisBusyGroupError(err) {
		return fmt.Errorf("create consumer group %s: %w", q.opts.Group, err)
	}
	return nil
}

// Enqueue appends job to the stream, or to the WAL when Redis is down.
func (q *JobQueue) Enqueue(ctx context.Context, job domain.ProvisioningJob) error {
	if !q.isAvailable.Load() {
		return q.writeWAL(ctx, job, nil)
	}

	if err := q.add(ctx, job); err != nil {
		if !isNetworkError(err) {
			return err
		}
		q.markDown(err)
		return q.writeWAL(ctx, job, err)
	}
	return nil
}

func (q *JobQueue) add(ctx context.Context, job domain.ProvisioningJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode provisioning job: %w", err)
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.Stream,
		Values: map[string]any{payloadField: payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.opts.Stream, err)
	}
	return nil
}

func (q *JobQueue) writeWAL(ctx context.Context, job domain.ProvisioningJob, cause error) error {
	if q.wal == nil {
		if cause == nil {
			cause = errors.New("redis is unavailable")
		}
		return fmt.Errorf("enqueue tenant %s: wal not configured: %w", job.TenantID, cause)
	}
	q.logger.Warn("redis unavailable, writing provisioning job to wal", "tenant_id", job.TenantID)
	return q.wal.Write(ctx, job)
}

// Dequeue first reclaims deliveries idle longer than ClaimIdle, then reads
// new jobs to fill the batch.
func (q *JobQueue) Dequeue(ctx context.Context, consumer string, count int) ([]domain.ProvisioningJob, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.opts.Stream,
		Group:    q.opts.Group,
		Consumer: consumer,
		MinIdle:  q.opts.ClaimIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.opts.Stream, err)
	}

	messages := claimed
	if remaining := count - len(claimed); remaining > 0 {
		block := q.opts.Block
		if len(claimed) > 0 {
			block = -1
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: consumer,
			Streams:  []string{q.opts.Stream, ">"},
			Count:    int64(remaining),
			Block:    block,
		}).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if len(messages) == 0 {
				return nil, fmt.Errorf("xreadgroup %s: %w", q.opts.Stream, err)
			}
			q.logger.Warn("failed to read new jobs, returning reclaimed ones", "error", err)
		}
		if len(streams) > 0 {
			messages = append(messages, streams[0].Messages...)
		}
	}
	if len(messages) == 0 {
		return nil, nil
	}

	attempts, err := q.deliveryCounts(ctx, messages)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	jobs := make([]domain.ProvisioningJob, 0, len(messages))
	for _, msg := range messages {
		job, err := decodeJob(msg)
		if err != nil {
			q.logger.Warn("dropping malformed provisioning job", "message_id", msg.ID, "error", err)
			if ackErr := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID).Err(); ackErr != nil {
				q.logger.Error("failed to ack malformed job", "message_id", msg.ID, "error", ackErr)
			}
			continue
		}
		job.Attempt = attempts[msg.ID]
		job.Consumer = consumer
		job.DeliveredAt = now
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// deliveryCounts reads the delivery counter of each message from the
// pending entries list.
func (q *JobQueue) deliveryCounts(ctx context.Context, messages []redis.XMessage) (map[string]int, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.XPendingExtCmd, len(messages))
	for i, msg := range messages {
		cmds[i] = pipe.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: q.opts.Stream,
			Group:  q.opts.Group,
			Start:  msg.ID,
			End:    msg.ID,
			Count:  1,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xpending %s: %w", q.opts.Stream, err)
	}

	counts := make(map[string]int, len(messages))
	for i, msg := range messages {
		counts[msg.ID] = 1
		if pending, err := cmds[i].Result(); err == nil && len(pending) == 1 {
			counts[msg.ID] = int(pending[0].RetryCount)
		}
	}
	return counts, nil
}

func decodeJob(msg redis.XMessage) (domain.ProvisioningJob, error) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		return domain.ProvisioningJob{}, errors.New("missing payload field")
	}
	var job domain.ProvisioningJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.ProvisioningJob{}, err
	}
	job.MessageID = msg.ID
	return job, nil
}

// Ack acknowledges processed jobs.
func (q *JobQueue) Ack(ctx context.Context, jobs ...domain.ProvisioningJob) error {
	ids := messageIDs(jobs)
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", q.opts.Stream, err)
	}
	return nil
}

// Nack leaves the delivery pending but backdates its idle time so Dequeue
// reclaims it after RetryBackoff instead of ClaimIdle. JUSTID keeps the
// delivery count unchanged; the reclaim bumps it.
func (q *JobQueue) Nack(ctx context.Context, job domain.ProvisioningJob) error {
	if job.MessageID == "" || job.Consumer == "" {
		return nil
	}
	idle := q.opts.ClaimIdle - q.opts.RetryBackoff
	if idle < 0 {
		idle = 0
	}
	err := q.client.Do(ctx, "XCLAIM", q.opts.Stream, q.opts.Group, job.Consumer, 0, job.MessageID,
		"IDLE", idle.Milliseconds(), "JUSTID").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("nack %s: %w", job.MessageID, err)
	}
	q.logger.Debug("job scheduled for redelivery", "tenant_id", job.TenantID, "message_id", job.MessageID, "attempt", job.Attempt, "backoff", q.opts.RetryBackoff)
	return nil
}

// DeadLetter copies job to the DLQ stream and acknowledges the original in
// one round trip.
func (q *JobQueue) DeadLetter(ctx context.Context, job domain.ProvisioningJob, reason string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode provisioning job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opts.DLQ,
		Values: map[string]any{
			payloadField:      payload,
			"original_stream": q.opts.Stream,
			"original_msg_id": job.MessageID,
			"attempts":        strconv.Itoa(job.Attempt),
			"reason":          reason,
			"failed_at":       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if job.MessageID != "" {
		pipe.XAck(ctx, q.opts.Stream, q.opts.Group, job.MessageID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter tenant %s: %w", job.TenantID, err)
	}

	q.logger.Warn("provisioning job dead-lettered", "tenant_id", job.TenantID, "attempts", job.Attempt, "reason", reason)
	return nil
}

// StartHealthCheck pings Redis every interval and replays the WAL once the
// connection comes back. It blocks until ctx is done.
func (q *JobQueue) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.client.Ping(ctx).Err(); err != nil {
				q.markDown(err)
				continue
			}
			if q.isAvailable.CompareAndSwap(false, true) {
				q.logger.Info("redis connection recovered")
				q.setWALGauge(0)
				if err := q.setupConsumerGroup(ctx); err != nil {
					q.logger.Error("failed to ensure consumer group", "error", err)
				}
				if err := q.ReplayWAL(ctx); err != nil {
					q.logger.Error("failed to replay wal after redis recovery", "error", err)
					q.markDown(err)
				}
			}
		}
	}
}

// ReplayWAL pushes jobs recorded while Redis was down and truncates the WAL.
func (q *JobQueue) ReplayWAL(ctx context.Context) error {
	if q.wal == nil {
		return nil
	}
	if err := q.wal.Replay(ctx, func(job domain.ProvisioningJob) error {
		return q.add(ctx, job)
	}); err != nil {
		return fmt.Errorf("replay wal: %w", err)
	}
	if err := q.wal.Truncate(ctx); err != nil {
		return fmt.Errorf("truncate wal after replay: %w", err)
	}
	return nil
}

// Available reports whether the last Redis operation succeeded.
func (q *JobQueue) Available() bool {
	return q.isAvailable.Load()
}

func (q *JobQueue) markDown(err error) {
	if q.isAvailable.CompareAndSwap(true, false) {
		q.logger.Error("redis connection lost", "error", err)
		q.setWALGauge(1)
	}
}

func (q *JobQueue) setWALGauge(v float64) {
	if q.metrics != nil && q.wal != nil {
		q.metrics.WALActive.Set(v)
	}
}

func messageIDs(jobs []domain.ProvisioningJob) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.MessageID != "" {
			ids = append(ids, j.MessageID)
		}
	}
	return ids
}

func isRedisBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
