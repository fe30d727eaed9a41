package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// TenantClient is a live client for one tenant database.
type TenantClient struct {
	db *sql.DB
}

func (c *TenantClient) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.db.QueryContext(ctx, query, args...)
}

func (c *TenantClient) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *TenantClient) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *TenantClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *TenantClient) Close() error {
	return c.db.Close()
}

// Dialer opens tenant clients. The caller bounds the attempt with ctx.
type Dialer struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// DriverName defaults to "postgres".
	DriverName string
}

// Dial opens and verifies a client for dbURL. A ctx deadline yields
// ErrConnectTimeout, any other failure ErrTenantUnreachable.
func (d *Dialer) Dial(ctx context.Context, dbURL string) (domain.TenantDB, error) {
	driver := d.DriverName
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dbURL)
	if err != nil {
		return nil, domain.ConnectionFailure(domain.ErrTenantUnreachable, err)
	}
	if d.MaxOpenConns > 0 {
		db.SetMaxOpenConns(d.MaxOpenConns)
	}
	if d.MaxIdleConns > 0 {
		db.SetMaxIdleConns(d.MaxIdleConns)
	}
	if d.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(d.ConnMaxLifetime)
	}

	// lib/pq does not abort an in-progress dial when ctx expires, so the
	// ping runs aside and the deadline is enforced here.
	done := make(chan error, 1)
	go func() { done <- db.PingContext(ctx) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		go func() {
			<-done
			db.Close()
		}()
		return nil, dialFailure(ctx, ctx.Err())
	}
	if err != nil {
		db.Close()
		return nil, dialFailure(ctx, err)
	}
	return &TenantClient{db: db}, nil
}

func dialFailure(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return domain.ConnectionFailure(domain.ErrConnectTimeout, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("dial tenant database: %w", ctx.Err())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ConnectionFailure(domain.ErrConnectTimeout, err)
	}
	return domain.ConnectionFailure(domain.ErrTenantUnreachable, err)
}
