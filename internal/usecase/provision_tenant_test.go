package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/V4T54L/tenant-plane/internal/domain/mocks"
)

type provisionFixture struct {
	repo     *mocks.MockTenantRepository
	factory  *mocks.MockDatabaseFactory
	migrator *mocks.MockMigrationRunner
	locker   *mocks.MockLocker
	secrets  *mocks.MockSecretStore
	queue    *mocks.MockJobQueue
}

func newProvisionFixture(tenants ...*domain.Tenant) *provisionFixture {
	return &provisionFixture{
		repo:     mocks.NewMockTenantRepository(tenants...),
		factory:  mocks.NewMockDatabaseFactory(),
		migrator: &mocks.MockMigrationRunner{Version: "3"},
		locker:   &mocks.MockLocker{},
		secrets:  mocks.NewMockSecretStore(),
		queue:    &mocks.MockJobQueue{},
	}
}

func (f *provisionFixture) useCase(opts ProvisionOptions) *ProvisionTenantUseCase {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	opts.Consumer = "test-consumer"
	opts.ActivateBackoff = time.Millisecond
	return NewProvisionTenantUseCase(f.repo, f.factory, f.migrator, f.locker, f.secrets, f.queue, logger, nil, opts)
}

func provisioningTenant(t *testing.T, slug string) *domain.Tenant {
	t.Helper()
	tenant, err := domain.NewTenant(slug, "Tenant "+slug, 14, time.Now())
	if err != nil {
		t.Fatalf("failed to build tenant: %v", err)
	}
	return tenant
}

func TestProvisionTenantUseCase_Provision(t *testing.T) {
	t.Run("Activates tenant", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		uc := f.useCase(ProvisionOptions{})

		if err := uc.Provision(context.Background(), tenant.ID); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		got := f.repo.Get(tenant.ID)
		wantName := domain.DatabaseName("acme", tenant.ID)
		if got.Status != domain.StatusActive {
			t.Errorf("expected ACTIVE, got %s", got.Status)
		}
		if got.DatabaseName != wantName {
			t.Errorf("expected database %q, got %q", wantName, got.DatabaseName)
		}
		if got.Connection.DirectURL != f.factory.ConnectionURL(wantName) {
			t.Errorf("unexpected direct url %q", got.Connection.DirectURL)
		}
		if got.SchemaVersion != "3" {
			t.Errorf("expected schema version 3, got %q", got.SchemaVersion)
		}
		if f.locker.Acquired != 1 || f.locker.Released != 1 {
			t.Errorf("expected lock acquired and released once, got %d/%d", f.locker.Acquired, f.locker.Released)
		}
	})

	t.Run("Redelivery after success is a no-op", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		uc := f.useCase(ProvisionOptions{})

		for i := 0; i < 3; i++ {
			if err := uc.Provision(context.Background(), tenant.ID); err != nil {
				t.Fatalf("delivery %d: expected no error, got %v", i+1, err)
			}
		}

		if n := f.factory.CreatedCount(); n != 1 {
			t.Errorf("expected 1 database created, got %d", n)
		}
		if n := f.migrator.RunCount(); n != 1 {
			t.Errorf("expected 1 migration run, got %d", n)
		}
		if n := f.repo.Mutations(tenant.ID); n != 1 {
			t.Errorf("expected 1 registry write, got %d", n)
		}
	})

	t.Run("Migration failure leaves tenant untouched and retry converges", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.migrator.Err = fmt.Errorf("%w: exit code 1", domain.ErrMigrationFailed)
		uc := f.useCase(ProvisionOptions{})

		err := uc.Provision(context.Background(), tenant.ID)
		var perr *domain.ProvisioningError
		if !errors.As(err, &perr) || perr.Step != "migrate" {
			t.Fatalf("expected migrate ProvisioningError, got %v", err)
		}
		if !domain.IsRetryable(err) {
			t.Error("provisioning errors must be retryable")
		}
		if f.repo.Mutations(tenant.ID) != 0 {
			t.Error("a failed migration must not mutate the tenant row")
		}
		if f.repo.Get(tenant.ID).Status != domain.StatusProvisioning {
			t.Error("tenant must remain PROVISIONING")
		}

		f.migrator.Err = nil
		if err := uc.Provision(context.Background(), tenant.ID); err != nil {
			t.Fatalf("expected retry to succeed, got %v", err)
		}
		if n := f.factory.CreatedCount(); n != 1 {
			t.Errorf("expected the existing database to be reused, got %d creates", n)
		}
		if f.repo.Get(tenant.ID).Status != domain.StatusActive {
			t.Error("tenant must be ACTIVE after the retry")
		}
	})

	t.Run("Database creation failure", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.factory.CreateErr = errors.New("permission denied to create database")
		uc := f.useCase(ProvisionOptions{})

		err := uc.Provision(context.Background(), tenant.ID)
		var perr *domain.ProvisioningError
		if !errors.As(err, &perr) || perr.Step != "create_database" {
			t.Fatalf("expected create_database ProvisioningError, got %v", err)
		}
		if f.migrator.RunCount() != 0 {
			t.Error("migration must not run without a database")
		}
		if f.repo.Mutations(tenant.ID) != 0 {
			t.Error("tenant row must not be mutated")
		}
	})

	t.Run("Activation is retried", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.repo.ActivateErr = errors.New("connection reset by peer")
		f.repo.ActivateFails = 2
		uc := f.useCase(ProvisionOptions{ActivateRetries: 3})

		if err := uc.Provision(context.Background(), tenant.ID); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if f.repo.ActivateCalls != 3 {
			t.Errorf("expected 3 activate calls, got %d", f.repo.ActivateCalls)
		}
		if f.repo.Get(tenant.ID).Status != domain.StatusActive {
			t.Error("tenant must be ACTIVE")
		}
	})

	t.Run("Lock held elsewhere", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.locker.Hold("provision:" + tenant.ID.String())
		uc := f.useCase(ProvisionOptions{})

		err := uc.Provision(context.Background(), tenant.ID)
		if !errors.Is(err, domain.ErrProvisioningInFlight) {
			t.Fatalf("expected ErrProvisioningInFlight, got %v", err)
		}
		if f.factory.CreatedCount() != 0 || f.repo.FindCalls != 0 {
			t.Error("no step may run without the lock")
		}
	})

	t.Run("Unknown tenant", func(t *testing.T) {
		f := newProvisionFixture()
		uc := f.useCase(ProvisionOptions{})

		err := uc.Provision(context.Background(), uuid.New())
		if !errors.Is(err, domain.ErrTenantNotFound) {
			t.Fatalf("expected ErrTenantNotFound, got %v", err)
		}
	})

	t.Run("Secret mode stores only the reference", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		uc := f.useCase(ProvisionOptions{StoreSecrets: true})

		if err := uc.Provision(context.Background(), tenant.ID); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		got := f.repo.Get(tenant.ID)
		if got.Connection.DirectURL != "" {
			t.Error("direct url must not be stored in secret mode")
		}
		stored, err := f.secrets.GetSecret(context.Background(), got.Connection.SecretRef)
		if err != nil {
			t.Fatalf("expected secret to be readable, got %v", err)
		}
		if stored != f.factory.ConnectionURL(got.DatabaseName) {
			t.Errorf("unexpected secret value %q", stored)
		}
	})

	t.Run("Secret store failure", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.secrets.PutErr = errors.New("throttled")
		uc := f.useCase(ProvisionOptions{StoreSecrets: true})

		err := uc.Provision(context.Background(), tenant.ID)
		var perr *domain.ProvisioningError
		if !errors.As(err, &perr) || perr.Step != "store_secret" {
			t.Fatalf("expected store_secret ProvisioningError, got %v", err)
		}
		if f.repo.Get(tenant.ID).Status != domain.StatusProvisioning {
			t.Error("tenant must remain PROVISIONING")
		}
	})
}

func TestProvisionTenantUseCase_ProcessBatch(t *testing.T) {
	t.Run("Outcomes", func(t *testing.T) {
		ok := provisioningTenant(t, "ok-tenant")
		failing := provisioningTenant(t, "failing")
		exhausted := provisioningTenant(t, "exhausted")
		f := newProvisionFixture(ok, failing, exhausted)
		uc := f.useCase(ProvisionOptions{MaxAttempts: 3, Concurrency: 2})

		f.queue.Pending = []domain.ProvisioningJob{{TenantID: ok.ID, MessageID: "1-0", Attempt: 1}}
		if _, err := uc.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		f.migrator.Err = fmt.Errorf("%w: exit code 2", domain.ErrMigrationFailed)
		f.queue.Pending = []domain.ProvisioningJob{
			{TenantID: failing.ID, MessageID: "2-0", Attempt: 1},
			{TenantID: exhausted.ID, MessageID: "3-0", Attempt: 3},
			{TenantID: uuid.New(), MessageID: "4-0", Attempt: 1},
		}
		n, err := uc.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if n != 3 {
			t.Errorf("expected 3 jobs processed, got %d", n)
		}

		acked, nacked, dead := f.queue.Counts()
		if acked != 1 || nacked != 1 || dead != 2 {
			t.Errorf("expected acked=1 nacked=1 dead=2, got %d/%d/%d", acked, nacked, dead)
		}

		got := f.repo.Get(exhausted.ID)
		if got.Status != domain.StatusProvisioning {
			t.Errorf("dead-lettered tenant must stay PROVISIONING, got %s", got.Status)
		}
		if got.LastError == "" || got.ProvisionAttempts != 3 {
			t.Errorf("expected failure annotation, got attempts=%d error=%q", got.ProvisionAttempts, got.LastError)
		}
		if f.repo.Get(failing.ID).LastError != "" {
			t.Error("a job below max attempts must not annotate the tenant")
		}
	})

	t.Run("Many tenants in parallel", func(t *testing.T) {
		var tenants []*domain.Tenant
		var jobs []domain.ProvisioningJob
		for i := 0; i < 12; i++ {
			tenant := provisioningTenant(t, fmt.Sprintf("tenant-%d", i))
			tenants = append(tenants, tenant)
			jobs = append(jobs, domain.ProvisioningJob{TenantID: tenant.ID, Attempt: 1})
		}
		f := newProvisionFixture(tenants...)
		f.queue.Pending = jobs
		uc := f.useCase(ProvisionOptions{Concurrency: 4, BatchSize: 20})

		if _, err := uc.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		for _, tenant := range tenants {
			if f.repo.Get(tenant.ID).Status != domain.StatusActive {
				t.Errorf("tenant %s not active", tenant.Slug)
			}
		}
		if n := f.factory.CreatedCount(); n != len(tenants) {
			t.Errorf("expected %d databases, got %d", len(tenants), n)
		}
	})

	t.Run("Lock contention is deferred", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.locker.Hold("provision:" + tenant.ID.String())
		f.queue.Pending = []domain.ProvisioningJob{{TenantID: tenant.ID, Attempt: 10}}
		uc := f.useCase(ProvisionOptions{MaxAttempts: 3, MaxLockDeferrals: 20})

		if _, err := uc.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		_, nacked, dead := f.queue.Counts()
		if nacked != 1 || dead != 0 {
			t.Errorf("a busy lock within its deferral budget must be nacked, got nacked=%d dead=%d", nacked, dead)
		}
	})

	t.Run("Lock held past the deferral budget", func(t *testing.T) {
		tenant := provisioningTenant(t, "acme")
		f := newProvisionFixture(tenant)
		f.locker.Hold("provision:" + tenant.ID.String())
		f.queue.Pending = []domain.ProvisioningJob{{TenantID: tenant.ID, Attempt: 20}}
		uc := f.useCase(ProvisionOptions{MaxAttempts: 3, MaxLockDeferrals: 20})

		if _, err := uc.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		_, nacked, dead := f.queue.Counts()
		if nacked != 0 || dead != 1 {
			t.Errorf("expected the job to be dead-lettered, got nacked=%d dead=%d", nacked, dead)
		}
		if got := f.repo.Get(tenant.ID); got.LastError == "" {
			t.Error("expected the tenant to carry the failure annotation")
		}
	})

	t.Run("Dead letters are counted once", func(t *testing.T) {
		exhausted := provisioningTenant(t, "exhausted")
		f := newProvisionFixture(exhausted)
		f.migrator.Err = fmt.Errorf("%w: exit code 2", domain.ErrMigrationFailed)
		f.queue.Pending = []domain.ProvisioningJob{
			{TenantID: exhausted.ID, MessageID: "1-0", Attempt: 3},
			{TenantID: uuid.New(), MessageID: "2-0", Attempt: 1},
		}
		m := metrics.NewProvisionMetrics(prometheus.NewRegistry())
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		uc := NewProvisionTenantUseCase(f.repo, f.factory, f.migrator, f.locker, f.secrets, f.queue, logger, m,
			ProvisionOptions{Consumer: "test-consumer", BatchSize: 10, MaxAttempts: 3, ActivateBackoff: time.Millisecond})

		if _, err := uc.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if got := testutil.ToFloat64(m.DeadLettered); got != 2 {
			t.Errorf("expected 2 dead letters counted, got %v", got)
		}
	})

	t.Run("Dequeue failure", func(t *testing.T) {
		f := newProvisionFixture()
		f.queue.DequeueErr = errors.New("redis: connection refused")
		uc := f.useCase(ProvisionOptions{})

		if _, err := uc.ProcessBatch(context.Background()); err == nil {
			t.Fatal("expected an error, got nil")
		}
	})
}

func TestProvisionTenantUseCase_RunStopsOnCancel(t *testing.T) {
	f := newProvisionFixture()
	uc := f.useCase(ProvisionOptions{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- uc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
