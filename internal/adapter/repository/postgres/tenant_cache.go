package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

type tenantCacheEntry struct {
	tenant    domain.Tenant
	expiresAt time.Time
}

// CachedTenantRepository fronts a registry with a short-lived FindBySlug
// cache for the request path. Writes made through it drop the affected
// entries; writes made elsewhere become visible after the TTL.
type CachedTenantRepository struct {
	domain.TenantRepository

	ttl     time.Duration
	metrics *metrics.APIMetrics

	mu    sync.RWMutex
	cache map[string]tenantCacheEntry
	now   func() time.Time
}

// NewCachedTenantRepository wraps next. A zero ttl disables caching.
func NewCachedTenantRepository(next domain.TenantRepository, ttl time.Duration, m *metrics.APIMetrics) *CachedTenantRepository {
	return &CachedTenantRepository{
		TenantRepository: next,
		ttl:              ttl,
		metrics:          m,
		cache:            make(map[string]tenantCacheEntry),
		now:              time.Now,
	}
}

func (r *CachedTenantRepository) FindBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	if r.ttl <= 0 {
		return r.TenantRepository.FindBySlug(ctx, slug)
	}

	r.mu.RLock()
	entry, found := r.cache[slug]
	r.mu.RUnlock()

	if found && r.now().Before(entry.expiresAt) {
		if r.metrics != nil {
			r.metrics.RegistryCacheHits.Inc()
		}
		t := entry.tenant
		return &t, nil
	}
	if r.metrics != nil {
		r.metrics.RegistryCacheMisses.Inc()
	}

	t, err := r.TenantRepository.FindBySlug(ctx, slug)
	if err != nil {
		// Misses are not cached so a new tenant shows up on its next request.
		return nil, err
	}

	r.mu.Lock()
	r.cache[slug] = tenantCacheEntry{tenant: *t, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()
	return t, nil
}

func (r *CachedTenantRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to domain.TenantStatus) error {
	defer r.InvalidateID(id)
	return r.TenantRepository.UpdateStatus(ctx, id, from, to)
}

func (r *CachedTenantRepository) UpdateConnection(ctx context.Context, id uuid.UUID, d domain.ConnectionDescriptor) error {
	defer r.InvalidateID(id)
	return r.TenantRepository.UpdateConnection(ctx, id, d)
}

func (r *CachedTenantRepository) Activate(ctx context.Context, id uuid.UUID, a domain.Activation) error {
	defer r.InvalidateID(id)
	return r.TenantRepository.Activate(ctx, id, a)
}

// Invalidate drops the cached entry for slug.
func (r *CachedTenantRepository) Invalidate(slug string) {
	r.mu.Lock()
	delete(r.cache, slug)
	r.mu.Unlock()
}

// InvalidateID drops any cached entry for the tenant with the given id.
func (r *CachedTenantRepository) InvalidateID(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for slug, entry := range r.cache {
		if entry.tenant.ID == id {
			delete(r.cache, slug)
		}
	}
}
