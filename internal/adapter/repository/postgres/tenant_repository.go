package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

const (
	pqUniqueViolation   = "23505"
	pqDuplicateDatabase = "42P04"
)

const tenantColumns = `id, slug, name, status, db_url, secret_ref, database_name, schema_version,
	trial_ends_at, provision_attempts, last_error, created_at, updated_at`

// TenantRepository implements domain.TenantRepository on the control database.
type TenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTenantRepository creates a new PostgreSQL tenant registry.
func NewTenantRepository(db *sql.DB, logger *slog.Logger) *TenantRepository {
	return &TenantRepository{db: db, logger: logger.With("component", "tenant_repository")}
}

// Create inserts t. The unique index on slug is the only uniqueness check.
func (r *TenantRepository) Create(ctx context.Context, t *domain.Tenant) error {
	const query = `INSERT INTO tenants (id, slug, name, status, trial_ends_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.ExecContext(ctx, query, t.ID, t.Slug, t.Name, string(t.Status), t.TrialEndsAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %q", domain.ErrSlugTaken, t.Slug)
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *TenantRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

func (r *TenantRepository) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return scanTenant(row)
}

// UpdateStatus is a compare-and-set on the status column.
func (r *TenantRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.TenantStatus) error {
	const query = `UPDATE tenants SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`

	res, err := r.db.ExecContext(ctx, query, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update tenant status: %w", err)
	}
	if err := r.expectOneRow(ctx, res, id); err != nil {
		return err
	}
	r.logger.Info("tenant status changed", "tenant_id", id, "from", from, "to", to)
	return nil
}

func (r *TenantRepository) UpdateConnection(ctx context.Context, id uuid.UUID, d domain.ConnectionDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	const query = `UPDATE tenants SET db_url = NULLIF($2, ''), secret_ref = NULLIF($3, ''), updated_at = NOW() WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, d.DirectURL, d.SecretRef)
	if err != nil {
		return fmt.Errorf("update tenant connection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant connection: %w", err)
	}
	if n == 0 {
		return domain.ErrTenantNotFound
	}
	return nil
}

// Activate stores the connection descriptor and flips the tenant to ACTIVE in
// one statement, so no reader ever sees ACTIVE without a descriptor.
func (r *TenantRepository) Activate(ctx context.Context, id uuid.UUID, a domain.Activation) error {
	if err := a.Connection.Validate(); err != nil {
		return err
	}
	const query = `UPDATE tenants
		SET status = 'ACTIVE', db_url = NULLIF($2, ''), secret_ref = NULLIF($3, ''),
			database_name = $4, schema_version = $5, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PROVISIONING'`

	res, err := r.db.ExecContext(ctx, query, id, a.Connection.DirectURL, a.Connection.SecretRef, a.DatabaseName, a.SchemaVersion)
	if err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	if n == 1 {
		return nil
	}

	// Nothing matched: either a redelivered job already activated the tenant
	// or an operator moved it elsewhere.
	var status string
	var dbName sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT status, database_name FROM tenants WHERE id = $1`, id).Scan(&status, &dbName)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrTenantNotFound
	}
	if err != nil {
		return fmt.Errorf("activate tenant: %w", err)
	}
	if domain.TenantStatus(status) == domain.StatusActive && dbName.String == a.DatabaseName {
		return nil
	}
	return fmt.Errorf("%w: tenant is %s", domain.ErrStatusConflict, status)
}

// RecordProvisioningFailure annotates a PROVISIONING tenant. An empty message
// clears the annotation.
func (r *TenantRepository) RecordProvisioningFailure(ctx context.Context, id uuid.UUID, attempts int, message string) error {
	const query = `UPDATE tenants SET provision_attempts = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1 AND status = 'PROVISIONING'`

	res, err := r.db.ExecContext(ctx, query, id, attempts, message)
	if err != nil {
		return fmt.Errorf("record provisioning failure: %w", err)
	}
	return r.expectOneRow(ctx, res, id)
}

// ListStuckProvisioning returns unannotated PROVISIONING tenants last touched
// before olderThan, oldest first.
func (r *TenantRepository) ListStuckProvisioning(ctx context.Context, olderThan time.Time, limit int) ([]domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants
		WHERE status = 'PROVISIONING' AND last_error IS NULL AND updated_at < $1
		ORDER BY updated_at LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck tenants: %w", err)
	}
	defer rows.Close()

	var tenants []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, *t)
	}
	return tenants, rows.Err()
}

// expectOneRow turns a zero-row update into ErrTenantNotFound or
// ErrStatusConflict.
func (r *TenantRepository) expectOneRow(ctx context.Context, res sql.Result, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check tenant existence: %w", err)
	}
	if !exists {
		return domain.ErrTenantNotFound
	}
	return domain.ErrStatusConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var (
		t             domain.Tenant
		status        string
		dbURL         sql.NullString
		secretRef     sql.NullString
		databaseName  sql.NullString
		schemaVersion sql.NullString
		trialEndsAt   sql.NullTime
		lastError     sql.NullString
	)
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &status, &dbURL, &secretRef, &databaseName, &schemaVersion,
		&trialEndsAt, &t.ProvisionAttempts, &lastError, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}

	t.Status = domain.TenantStatus(status)
	t.Connection = domain.ConnectionDescriptor{DirectURL: dbURL.String, SecretRef: secretRef.String}
	t.DatabaseName = databaseName.String
	t.SchemaVersion = schemaVersion.String
	t.LastError = lastError.String
	if trialEndsAt.Valid {
		ends := trialEndsAt.Time
		t.TrialEndsAt = &ends
	}
	return &t, nil
}
