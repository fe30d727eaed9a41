package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

const defaultMaxLockDeferrals = 30

// ProvisionOptions tunes the provisioning worker.
type ProvisionOptions struct {
	Consumer        string
	BatchSize       int
	Concurrency     int
	MaxAttempts     int
	JobTimeout      time.Duration
	ActivateRetries int
	ActivateBackoff time.Duration
	PollInterval    time.Duration

	// MaxLockDeferrals is the delivery count after which a job that still
	// finds the tenant lock held is dead-lettered. It must cover more than
	// one JobTimeout worth of redeliveries.
	MaxLockDeferrals int

	// StoreSecrets puts the tenant URL in the secret store and keeps only
	// the reference in the registry.
	StoreSecrets bool
}

// ProvisionTenantUseCase turns PROVISIONING tenants into ACTIVE ones: it
// creates the physical database, applies the tenant schema and records the
// connection descriptor. Every step is safe to repeat, so redelivered jobs
// converge on the same result.
type ProvisionTenantUseCase struct {
	repo     domain.TenantRepository
	factory  domain.DatabaseFactory
	migrator domain.MigrationRunner
	locker   domain.Locker
	secrets  domain.SecretStore
	queue    domain.JobQueue
	logger   *slog.Logger
	metrics  *metrics.ProvisionMetrics
	opts     ProvisionOptions
}

// NewProvisionTenantUseCase creates a new ProvisionTenantUseCase. secrets may
// be nil unless opts.StoreSecrets is set.
func NewProvisionTenantUseCase(
	repo domain.TenantRepository,
	factory domain.DatabaseFactory,
	migrator domain.MigrationRunner,
	locker domain.Locker,
	secrets domain.SecretStore,
	queue domain.JobQueue,
	logger *slog.Logger,
	m *metrics.ProvisionMetrics,
	opts ProvisionOptions,
) *ProvisionTenantUseCase {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Concurrency
	}
	if opts.ActivateRetries <= 0 {
		opts.ActivateRetries = 1
	}
	if opts.MaxLockDeferrals <= 0 {
		opts.MaxLockDeferrals = defaultMaxLockDeferrals
	}
	return &ProvisionTenantUseCase{
		repo:     repo,
		factory:  factory,
		migrator: migrator,
		locker:   locker,
		secrets:  secrets,
		queue:    queue,
		logger:   logger.With("component", "provisioner"),
		metrics:  m,
		opts:     opts,
	}
}

// Run processes batches until ctx is cancelled.
func (uc *ProvisionTenantUseCase) Run(ctx context.Context) error {
	uc.logger.Info("Starting provisioning worker", "consumer", uc.opts.Consumer, "concurrency", uc.opts.Concurrency)
	for {
		n, err := uc.ProcessBatch(ctx)
		if ctx.Err() != nil {
			uc.logger.Info("Provisioning worker stopped")
			return nil
		}
		if err != nil || n == 0 {
			if err != nil {
				uc.logger.Error("Failed to process provisioning batch", "error", err)
			}
			select {
			case <-time.After(uc.opts.PollInterval):
			case <-ctx.Done():
				uc.logger.Info("Provisioning worker stopped")
				return nil
			}
		}
	}
}

// ProcessBatch dequeues up to BatchSize jobs and provisions them in
// parallel. Each job is acked, nacked or dead-lettered before it returns.
func (uc *ProvisionTenantUseCase) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := uc.queue.Dequeue(ctx, uc.opts.Consumer, uc.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue provisioning jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	uc.logger.Debug("Dequeued provisioning jobs", "count", len(jobs))

	var g errgroup.Group
	g.SetLimit(uc.opts.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			uc.handle(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (uc *ProvisionTenantUseCase) handle(ctx context.Context, job domain.ProvisioningJob) {
	start := time.Now()
	jobCtx := ctx
	if uc.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, uc.opts.JobTimeout)
		defer cancel()
	}

	err := uc.Provision(jobCtx, job.TenantID)
	if uc.metrics != nil {
		uc.metrics.JobDuration.Observe(time.Since(start).Seconds())
	}
	log := uc.logger.With("tenant_id", job.TenantID, "message_id", job.MessageID, "attempt", job.Attempt)

	switch {
	case err == nil:
		uc.metrics.Job("activated")
		if err := uc.queue.Ack(ctx, job); err != nil {
			log.Error("Failed to ack provisioning job", "error", err)
		}

	case errors.Is(err, domain.ErrTenantNotFound):
		uc.metrics.Job("missing")
		log.Warn("Provisioning job references an unknown tenant")
		uc.countDeadLetter()
		if err := uc.queue.DeadLetter(ctx, job, "tenant not found"); err != nil {
			log.Error("Failed to dead-letter provisioning job", "error", err)
		}

	case errors.Is(err, domain.ErrProvisioningInFlight) && job.Attempt >= uc.opts.MaxLockDeferrals:
		uc.deadLetter(ctx, log, job, fmt.Errorf("tenant lock still held after %d deliveries: %w", job.Attempt, err))

	case errors.Is(err, domain.ErrProvisioningInFlight):
		uc.metrics.Job("in_flight")
		log.Info("Provisioning already in flight elsewhere, deferring job")
		if err := uc.queue.Nack(ctx, job); err != nil {
			log.Error("Failed to nack provisioning job", "error", err)
		}

	case job.Attempt >= uc.opts.MaxAttempts:
		uc.deadLetter(ctx, log, job, err)

	default:
		uc.metrics.Job("retry")
		log.Warn("Provisioning attempt failed, job will be redelivered", "error", redact.Text(err.Error()))
		if err := uc.queue.Nack(ctx, job); err != nil {
			log.Error("Failed to nack provisioning job", "error", err)
		}
	}
}

// deadLetter gives up on a job: the tenant stays PROVISIONING with an error
// annotation and the job moves to the dead-letter queue for an operator.
func (uc *ProvisionTenantUseCase) deadLetter(ctx context.Context, log *slog.Logger, job domain.ProvisioningJob, cause error) {
	uc.metrics.Job("dead_lettered")
	uc.countDeadLetter()
	msg := redact.Text(cause.Error())
	log.Error("Provisioning abandoned after max attempts", "max_attempts", uc.opts.MaxAttempts, "error", msg)

	if err := uc.repo.RecordProvisioningFailure(ctx, job.TenantID, job.Attempt, msg); err != nil {
		log.Error("Failed to annotate tenant with provisioning failure", "error", err)
	}
	if err := uc.queue.DeadLetter(ctx, job, msg); err != nil {
		log.Error("Failed to dead-letter provisioning job", "error", err)
	}
}

func (uc *ProvisionTenantUseCase) countDeadLetter() {
	if uc.metrics != nil {
		uc.metrics.DeadLettered.Inc()
	}
}

// Provision runs the provisioning steps for one tenant while holding the
// tenant's advisory lock. It returns nil if the tenant is already active.
func (uc *ProvisionTenantUseCase) Provision(ctx context.Context, tenantID uuid.UUID) error {
	id := tenantID.String()
	release, acquired, err := uc.locker.TryLock(ctx, "provision:"+id)
	if err != nil {
		return &domain.ProvisioningError{TenantID: id, Step: "lock", Err: err}
	}
	if !acquired {
		return domain.ErrProvisioningInFlight
	}
	defer release()

	tenant, err := uc.repo.FindByID(ctx, tenantID)
	if errors.Is(err, domain.ErrTenantNotFound) {
		return err
	}
	if err != nil {
		return &domain.ProvisioningError{TenantID: id, Step: "load", Err: err}
	}
	if tenant.Status != domain.StatusProvisioning {
		uc.logger.Info("Tenant already provisioned, skipping", "tenant_id", id, "status", tenant.Status)
		return nil
	}

	name := domain.DatabaseName(tenant.Slug, tenant.ID)
	dbURL, err := uc.ensureDatabase(ctx, name)
	if err != nil {
		return &domain.ProvisioningError{TenantID: id, Step: "create_database", Err: err}
	}

	version, err := uc.migrator.Migrate(ctx, dbURL)
	if err != nil {
		return &domain.ProvisioningError{TenantID: id, Step: "migrate", Err: err}
	}

	descriptor := domain.ConnectionDescriptor{DirectURL: dbURL}
	if uc.opts.StoreSecrets {
		ref, err := uc.secrets.PutSecret(ctx, id, dbURL)
		if err != nil {
			return &domain.ProvisioningError{TenantID: id, Step: "store_secret", Err: err}
		}
		descriptor = domain.ConnectionDescriptor{SecretRef: ref}
	}

	activation := domain.Activation{Connection: descriptor, DatabaseName: name, SchemaVersion: version}
	if err := uc.activate(ctx, tenantID, activation); err != nil {
		return &domain.ProvisioningError{TenantID: id, Step: "activate", Err: err}
	}

	uc.logger.Info("Tenant provisioned", "tenant_id", id, "slug", tenant.Slug, "database", name, "schema_version", version)
	return nil
}

func (uc *ProvisionTenantUseCase) ensureDatabase(ctx context.Context, name string) (string, error) {
	exists, err := uc.factory.DatabaseExists(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		uc.logger.Info("Database already exists, reusing it", "database", name)
		return uc.factory.ConnectionURL(name), nil
	}
	return uc.factory.CreateDatabase(ctx, name)
}

// activate retries the final registry write. The database and schema already
// exist at this point, so giving up here only costs a full redelivery.
func (uc *ProvisionTenantUseCase) activate(ctx context.Context, tenantID uuid.UUID, a domain.Activation) error {
	var lastErr error
	for i := 0; i < uc.opts.ActivateRetries; i++ {
		err := uc.repo.Activate(ctx, tenantID, a)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrTenantNotFound) || errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrInvalidDescriptor) {
			return err
		}
		lastErr = err
		uc.logger.Warn("Failed to activate tenant, retrying...", "tenant_id", tenantID, "attempt", i+1, "error", err)
		select {
		case <-time.After(uc.opts.ActivateBackoff):
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		}
	}
	return lastErr
}
