package domain

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TenantRepository is the durable tenant registry and the single source of
// truth for tenant metadata and status.
type TenantRepository interface {
	// Create inserts a new tenant. Slug uniqueness is enforced by the store
	// and reported as ErrSlugTaken.
	Create(ctx context.Context, t *Tenant) error

	FindByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	FindBySlug(ctx context.Context, slug string) (*Tenant, error)

	// UpdateStatus moves a tenant from one status to another. It fails with
	// ErrStatusConflict if the current status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to TenantStatus) error

	// UpdateConnection replaces the connection descriptor.
	UpdateConnection(ctx context.Context, id uuid.UUID, d ConnectionDescriptor) error

	// Activate atomically stores the connection descriptor and flips a
	// PROVISIONING tenant to ACTIVE.
	Activate(ctx context.Context, id uuid.UUID, a Activation) error

	// RecordProvisioningFailure annotates a tenant whose provisioning was
	// abandoned. The status stays PROVISIONING.
	RecordProvisioningFailure(ctx context.Context, id uuid.UUID, attempts int, message string) error

	// ListStuckProvisioning returns unannotated PROVISIONING tenants created
	// before olderThan.
	ListStuckProvisioning(ctx context.Context, olderThan time.Time, limit int) ([]Tenant, error)
}

// DatabaseFactory creates and destroys physical tenant databases over an
// administrative connection.
type DatabaseFactory interface {
	CreateDatabase(ctx context.Context, name string) (string, error)
	DropDatabase(ctx context.Context, name string) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	ConnectionURL(name string) string
}

// MigrationRunner applies the tenant schema to a database. Running it twice
// against the same database must be safe.
type MigrationRunner interface {
	Migrate(ctx context.Context, dbURL string) (version string, err error)
}

// Locker serializes work on a logical key across processes.
type Locker interface {
	// TryLock returns acquired=false without blocking if the key is held.
	// release must be called exactly once when acquired is true.
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// SecretStore holds tenant connection URLs in production deployments.
type SecretStore interface {
	GetSecret(ctx context.Context, ref string) (string, error)
	PutSecret(ctx context.Context, name, value string) (ref string, err error)
}

// JobQueue is the at-least-once transport for provisioning jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, job ProvisioningJob) error

	// Dequeue returns up to count jobs for consumer, including jobs whose
	// previous delivery was never acknowledged.
	Dequeue(ctx context.Context, consumer string, count int) ([]ProvisioningJob, error)

	Ack(ctx context.Context, jobs ...ProvisioningJob) error

	// Nack hands a job back for redelivery after the queue's backoff.
	Nack(ctx context.Context, job ProvisioningJob) error

	// DeadLetter moves a job out of the main queue for operator attention.
	DeadLetter(ctx context.Context, job ProvisioningJob, reason string) error
}

// TenantDB is a live client for one tenant database.
type TenantDB interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// APIKeyRepository defines the interface for validating operator API keys.
type APIKeyRepository interface {
	// IsValid checks if the provided API key is valid and active.
	// Implementations should handle caching to reduce database load.
	IsValid(ctx context.Context, key string) (bool, error)
}

// WALRepository defines the interface for the local job log used while the
// queue is unreachable.
type WALRepository interface {
	// Write appends a job to the local WAL file.
	Write(ctx context.Context, job ProvisioningJob) error

	// Replay reads jobs from the WAL and sends them to a handler function.
	// The handler is responsible for re-enqueueing the job.
	Replay(ctx context.Context, handler func(job ProvisioningJob) error) error

	// Truncate removes WAL segments that have been successfully replayed.
	Truncate(ctx context.Context) error
}

// QueueAdminRepository inspects and repairs the provisioning queue.
type QueueAdminRepository interface {
	Overview(ctx context.Context) (*QueueOverview, error)

	// PendingJobs lists unacknowledged deliveries, optionally for one worker.
	PendingJobs(ctx context.Context, worker string, count int64) ([]PendingJob, error)

	// Reassign hands pending jobs idle for at least minIdle to worker.
	Reassign(ctx context.Context, worker string, minIdle time.Duration, messageIDs []string) ([]ProvisioningJob, error)

	// Discard acknowledges pending jobs without running them.
	Discard(ctx context.Context, messageIDs ...string) (int64, error)

	DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error)

	// Requeue moves a dead-lettered job back onto the main queue. It
	// returns ErrJobNotFound if messageID is not in the dead-letter queue.
	Requeue(ctx context.Context, messageID string) (*ProvisioningJob, error)

	TrimDeadLetters(ctx context.Context, maxLen int64) (int64, error)
}
