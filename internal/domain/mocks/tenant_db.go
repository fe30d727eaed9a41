package mocks

import (
	"context"
	"database/sql"

	"github.com/V4T54L/tenant-plane/internal/domain"
)

// MockTenantDB is a domain.TenantDB that never reaches a database.
type MockTenantDB struct {
	// URL is the address the client was dialed with.
	URL     string
	ExecErr error
	PingErr error
}

func (m *MockTenantDB) Query(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, nil
}

func (m *MockTenantDB) QueryRow(context.Context, string, ...any) *sql.Row {
	return nil
}

func (m *MockTenantDB) Exec(context.Context, string, ...any) (sql.Result, error) {
	return nil, m.ExecErr
}

func (m *MockTenantDB) Ping(context.Context) error {
	return m.PingErr
}

func (m *MockTenantDB) Close() error {
	return nil
}

// MockDialer returns DB for every dial, or a fresh MockTenantDB for the
// dialed URL when DB is nil.
type MockDialer struct {
	DB  *MockTenantDB
	Err error
}

func (d *MockDialer) Dial(ctx context.Context, dbURL string) (domain.TenantDB, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if d.DB != nil {
		return d.DB, nil
	}
	return &MockTenantDB{URL: dbURL}, nil
}
