package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/lib/pq"

	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
)

// DatabaseFactory creates physical tenant databases over an administrative
// connection. CREATE DATABASE cannot run inside a transaction, so every
// statement runs in autocommit.
type DatabaseFactory struct {
	db       *sql.DB
	baseURL  string
	template string
	logger   *slog.Logger
}

// NewDatabaseFactory returns a factory whose tenant URLs are derived from
// baseURL with the database path replaced.
func NewDatabaseFactory(db *sql.DB, baseURL, template string, logger *slog.Logger) (*DatabaseFactory, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid tenant database base url %q", redact.URL(baseURL))
	}
	return &DatabaseFactory{
		db:       db,
		baseURL:  baseURL,
		template: template,
		logger:   logger.With("component", "database_factory"),
	}, nil
}

// CreateDatabase creates name from the configured template and returns its
// connection URL. An existing database with the same name counts as success.
func (f *DatabaseFactory) CreateDatabase(ctx context.Context, name string) (string, error) {
	stmt := "CREATE DATABASE " + pq.QuoteIdentifier(name)
	if f.template != "" {
		stmt += " TEMPLATE " + pq.QuoteIdentifier(f.template)
	}

	if _, err := f.db.ExecContext(ctx, stmt); err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || pqErr.Code != pqDuplicateDatabase {
			return "", fmt.Errorf("create database %s: %w", name, err)
		}
		f.logger.Info("database already exists", "database", name)
	} else {
		f.logger.Info("database created", "database", name)
	}
	return f.ConnectionURL(name), nil
}

// DropDatabase terminates open sessions and drops name if it exists.
func (f *DatabaseFactory) DropDatabase(ctx context.Context, name string) error {
	const terminate = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
	if _, err := f.db.ExecContext(ctx, terminate, name); err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", name, err)
	}
	if _, err := f.db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(name)); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	f.logger.Info("database dropped", "database", name)
	return nil
}

func (f *DatabaseFactory) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := f.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check database %s: %w", name, err)
	}
	return exists, nil
}

// ConnectionURL returns the URL of the tenant database name.
func (f *DatabaseFactory) ConnectionURL(name string) string {
	u, _ := url.Parse(f.baseURL)
	u.Path = "/" + name
	u.RawPath = ""
	return u.String()
}
