package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const unlockTimeout = 5 * time.Second

// AdvisoryLocker implements domain.Locker with session-level Postgres
// advisory locks. Each held lock pins one connection until released.
type AdvisoryLocker struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAdvisoryLocker(db *sql.DB, logger *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{db: db, logger: logger.With("component", "advisory_lock")}
}

// TryLock attempts pg_try_advisory_lock on a 64-bit hash of key.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	lockID := lockKey(key)
	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockID); err != nil {
				l.logger.Warn("advisory unlock failed, discarding session", "key", key, "error", err)
				discard(conn)
			}
			conn.Close()
		})
	}
	return release, true, nil
}

// discard marks conn broken so Close drops the session instead of returning
// it to the pool. Postgres frees session-level locks when the session ends.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
}

func lockKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
