package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// QueueOptions names the JetStream objects backing a JobQueue.
type QueueOptions struct {
	Stream     string
	Subject    string
	DLQSubject string
	Durable    string

	// AckWait is how long a delivery may run before JetStream redelivers it.
	AckWait time.Duration
	// RetryBackoff delays redelivery after a Nack.
	RetryBackoff time.Duration
	// FetchWait bounds how long Dequeue waits for new jobs.
	FetchWait time.Duration
}

// JobQueue implements domain.JobQueue on a JetStream durable pull consumer.
type JobQueue struct {
	js     nats.JetStreamContext
	sub    *nats.Subscription
	opts   QueueOptions
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]*nats.Msg
}

// NewJobQueue ensures the stream exists and binds the durable consumer.
func NewJobQueue(nc *nats.Conn, logger *slog.Logger, opts QueueOptions) (*JobQueue, error) {
	if opts.FetchWait == 0 {
		opts.FetchWait = 2 * time.Second
	}
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{opts.Subject, opts.DLQSubject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("add stream %s: %w", opts.Stream, err)
	}

	sub, err := js.PullSubscribe(opts.Subject, opts.Durable,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(opts.AckWait),
		nats.BindStream(opts.Stream),
	)
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", opts.Subject, err)
	}

	return &JobQueue{
		js:       js,
		sub:      sub,
		opts:     opts,
		logger:   logger.With("component", "nats_job_queue"),
		inflight: make(map[string]*nats.Msg),
	}, nil
}

func (q *JobQueue) Enqueue(ctx context.Context, job domain.ProvisioningJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode provisioning job: %w", err)
	}
	if _, err := q.js.Publish(q.opts.Subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", q.opts.Subject, err)
	}
	return nil
}

// Dequeue fetches up to count jobs. The consumer name is implied by the
// durable and only used for logging.
func (q *JobQueue) Dequeue(ctx context.Context, consumer string, count int) ([]domain.ProvisioningJob, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, q.opts.FetchWait)
	defer cancel()

	msgs, err := q.sub.Fetch(count, nats.Context(fetchCtx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", q.opts.Subject, err)
	}

	jobs := make([]domain.ProvisioningJob, 0, len(msgs))
	for _, msg := range msgs {
		meta, err := msg.Metadata()
		if err != nil {
			q.logger.Warn("message without jetstream metadata", "consumer", consumer, "error", err)
			continue
		}
		job, err := decodeJob(msg.Data, meta)
		if err != nil {
			q.logger.Warn("terminating malformed provisioning job", "sequence", meta.Sequence.Stream, "error", err)
			_ = msg.Term()
			continue
		}

		q.mu.Lock()
		q.inflight[job.MessageID] = msg
		q.mu.Unlock()
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func decodeJob(data []byte, meta *nats.MsgMetadata) (domain.ProvisioningJob, error) {
	var job domain.ProvisioningJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, err
	}
	job.MessageID = strconv.FormatUint(meta.Sequence.Stream, 10)
	job.Attempt = int(meta.NumDelivered)
	job.DeliveredAt = time.Now()
	return job, nil
}

func (q *JobQueue) take(job domain.ProvisioningJob) (*nats.Msg, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.inflight[job.MessageID]
	if !ok {
		return nil, fmt.Errorf("no in-flight delivery %s for tenant %s", job.MessageID, job.TenantID)
	}
	delete(q.inflight, job.MessageID)
	return msg, nil
}

func (q *JobQueue) Ack(ctx context.Context, jobs ...domain.ProvisioningJob) error {
	var errs []error
	for _, job := range jobs {
		msg, err := q.take(job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := msg.Ack(nats.Context(ctx)); err != nil {
			errs = append(errs, fmt.Errorf("ack tenant %s: %w", job.TenantID, err))
		}
	}
	return errors.Join(errs...)
}

// Nack asks JetStream to redeliver after RetryBackoff.
func (q *JobQueue) Nack(ctx context.Context, job domain.ProvisioningJob) error {
	msg, err := q.take(job)
	if err != nil {
		return err
	}
	return msg.NakWithDelay(q.opts.RetryBackoff)
}

// DeadLetter publishes the job on the DLQ subject and terminates the
// original delivery so it is never redelivered.
func (q *JobQueue) DeadLetter(ctx context.Context, job domain.ProvisioningJob, reason string) error {
	msg, err := q.take(job)
	if err != nil {
		return err
	}

	dead := nats.NewMsg(q.opts.DLQSubject)
	dead.Data = msg.Data
	dead.Header.Set("Tenant-Id", job.TenantID.String())
	dead.Header.Set("Attempts", strconv.Itoa(job.Attempt))
	dead.Header.Set("Reason", reason)
	dead.Header.Set("Failed-At", time.Now().UTC().Format(time.RFC3339))
	if _, err := q.js.PublishMsg(dead, nats.Context(ctx)); err != nil {
		// Leave the original pending so nothing is lost.
		_ = msg.NakWithDelay(q.opts.RetryBackoff)
		return fmt.Errorf("publish dead letter for tenant %s: %w", job.TenantID, err)
	}
	if err := msg.Term(); err != nil {
		return fmt.Errorf("terminate tenant %s: %w", job.TenantID, err)
	}
	q.logger.Warn("provisioning job dead-lettered", "tenant_id", job.TenantID, "attempts", job.Attempt, "reason", reason)
	return nil
}

// Close drains the pull subscription.
func (q *JobQueue) Close() error {
	return q.sub.Drain()
}
