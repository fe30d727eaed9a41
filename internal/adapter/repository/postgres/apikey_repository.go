package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

type apiKeyCacheEntry struct {
	valid     bool
	expiresAt time.Time
}

// APIKeyRepository validates operator API keys against operator_api_keys.
// Keys are stored and cached only as SHA-256 digests.
type APIKeyRepository struct {
	db       *sql.DB
	logger   *slog.Logger
	cacheTTL time.Duration
	metrics  *metrics.APIMetrics

	mu    sync.RWMutex
	cache map[string]apiKeyCacheEntry
}

// NewAPIKeyRepository creates a new instance of the PostgreSQL API key repository.
func NewAPIKeyRepository(db *sql.DB, logger *slog.Logger, cacheTTL time.Duration, m *metrics.APIMetrics) *APIKeyRepository {
	return &APIKeyRepository{
		db:       db,
		logger:   logger.With("component", "apikey_repository"),
		cacheTTL: cacheTTL,
		metrics:  m,
		cache:    make(map[string]apiKeyCacheEntry),
	}
}

// IsValid checks the cache first and falls back to the database when the
// digest is unknown or its entry has expired.
func (r *APIKeyRepository) IsValid(ctx context.Context, key string) (bool, error) {
	digest := domain.HashAPIKey(key)

	r.mu.RLock()
	entry, found := r.cache[digest]
	r.mu.RUnlock()

	if found && time.Now().Before(entry.expiresAt) {
		if r.metrics != nil {
			r.metrics.APIKeyCacheHits.Inc()
		}
		return entry.valid, nil
	}
	if r.metrics != nil {
		r.metrics.APIKeyCacheMisses.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another request may have filled the entry while we waited.
	entry, found = r.cache[digest]
	if found && time.Now().Before(entry.expiresAt) {
		return entry.valid, nil
	}

	const query = `SELECT EXISTS(SELECT 1 FROM operator_api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW()))`

	var valid bool
	if err := r.db.QueryRowContext(ctx, query, digest).Scan(&valid); err != nil {
		r.logger.Error("failed to validate operator key", "error", err)
		return false, err
	}

	r.cache[digest] = apiKeyCacheEntry{valid: valid, expiresAt: time.Now().Add(r.cacheTTL)}
	return valid, nil
}
