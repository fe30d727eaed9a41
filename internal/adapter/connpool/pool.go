package connpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/V4T54L/tenant-plane/internal/adapter/metrics"
	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
	"github.com/V4T54L/tenant-plane/internal/domain"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("connection pool closed")

const (
	reasonCapacity    = "capacity"
	reasonTTL         = "ttl"
	reasonIdle        = "idle"
	reasonUnhealthy   = "unhealthy"
	reasonDescriptor  = "descriptor"
	reasonInvalidated = "invalidated"
)

const healthCheckParallelism = 8

// Dialer opens a verified client for a tenant database. It must honor the
// deadline carried by ctx.
type Dialer interface {
	Dial(ctx context.Context, dbURL string) (domain.TenantDB, error)
}

// Options bounds the cache.
type Options struct {
	// Capacity is the maximum number of cached tenant clients.
	Capacity int
	// TTL is how long an unleased client may go unused before it expires.
	// Every lease refreshes it. Expiry is checked on Get and by the health
	// loop.
	TTL time.Duration
	// MaxIdle is a stricter idle bound applied only by the health loop.
	// Zero disables it.
	MaxIdle time.Duration

	HealthTimeout  time.Duration
	ConnectTimeout time.Duration

	// Each entry and each in-flight build reserves MaxConnsPerTenant
	// connections out of MaxTotalConnections.
	MaxTotalConnections int
	MaxConnsPerTenant   int
}

type entry struct {
	tenantID    string
	fingerprint string
	client      domain.TenantDB
	lastUsed    time.Time
	refs        int
	evicted     bool
	reason      string
}

// Handle is a lease on a cached client. The client is not closed while a
// handle is outstanding, even if its entry is evicted.
type Handle struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

// DB returns the leased client.
func (h *Handle) DB() domain.TenantDB { return h.entry.client }

// Release returns the lease. Calling it more than once is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() { h.pool.release(h.entry) })
}

// Pool caches one database client per tenant. Lookups for the same tenant
// share a single in-flight build, evicted clients are closed once their last
// lease is released, and the sum of reserved connections never exceeds
// Options.MaxTotalConnections.
type Pool struct {
	dialer  Dialer
	opts    Options
	logger  *slog.Logger
	metrics *metrics.PoolMetrics
	now     func() time.Time
	builds  singleflight.Group

	mu        sync.Mutex
	lru       *simplelru.LRU[string, *entry]
	reserved  int
	inflight  int
	leased    int
	doomed    []domain.TenantDB
	closed    bool
	hits      uint64
	misses    uint64
	evictions uint64
	exhausted uint64
}

// New creates a pool. m may be nil.
func New(dialer Dialer, opts Options, logger *slog.Logger, m *metrics.PoolMetrics) (*Pool, error) {
	if opts.MaxConnsPerTenant <= 0 || opts.MaxTotalConnections < opts.MaxConnsPerTenant {
		return nil, fmt.Errorf("invalid connection ceilings: %d per tenant, %d total", opts.MaxConnsPerTenant, opts.MaxTotalConnections)
	}
	p := &Pool{
		dialer:  dialer,
		opts:    opts,
		logger:  logger.With("component", "connection_pool"),
		metrics: m,
		now:     time.Now,
	}
	lru, err := simplelru.NewLRU[string, *entry](opts.Capacity, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	p.lru = lru
	return p, nil
}

// Get returns a leased client for the tenant's database at dbURL, building
// one if none is cached. A cached client for a different URL is discarded.
// The caller must Release the handle.
func (p *Pool) Get(ctx context.Context, tenantID, dbURL string) (*Handle, error) {
	fp := domain.Fingerprint(dbURL)
	for attempt := 0; attempt < 3; attempt++ {
		h, err := p.lookup(tenantID, fp, attempt == 0)
		if err != nil || h != nil {
			return h, err
		}

		ch := p.builds.DoChan(tenantID+"/"+fp, func() (any, error) {
			return p.build(ctx, tenantID, fp, dbURL)
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for tenant client: %w", ctx.Err())
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			if h := p.lease(res.Val.(*entry)); h != nil {
				return h, nil
			}
		}
		// The fresh entry was evicted before it could be leased.
	}
	return nil, domain.ConnectionFailure(domain.ErrPoolExhausted, nil)
}

// lookup leases the cached entry if it is usable. Only the first lookup of a
// Get records a miss.
func (p *Pool) lookup(tenantID, fp string, countMiss bool) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ConnectionFailure(ErrClosed, nil)
	}
	var h *Handle
	if e, ok := p.lru.Get(tenantID); ok {
		switch {
		case e.fingerprint != fp:
			p.removeLocked(e, reasonDescriptor)
		case p.expiredLocked(e):
			p.removeLocked(e, reasonTTL)
		default:
			h = p.leaseLocked(e)
			p.hits++
			if p.metrics != nil {
				p.metrics.Hits.Inc()
			}
		}
	}
	if h == nil && countMiss {
		p.misses++
		if p.metrics != nil {
			p.metrics.Misses.Inc()
		}
	}
	doomed := p.unlock()
	closeAll(doomed)
	return h, nil
}

func (p *Pool) lease(e *entry) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.evicted || p.closed {
		return nil
	}
	return p.leaseLocked(e)
}

func (p *Pool) leaseLocked(e *entry) *Handle {
	e.refs++
	e.lastUsed = p.now()
	p.leased++
	return &Handle{pool: p, entry: e}
}

func (p *Pool) release(e *entry) {
	p.mu.Lock()
	e.refs--
	p.leased--
	e.lastUsed = p.now()
	if e.evicted && e.refs == 0 {
		p.doomed = append(p.doomed, e.client)
	}
	doomed := p.unlock()
	closeAll(doomed)
}

// build runs once per tenant and URL at a time. The dial is detached from the
// caller's cancellation so a departing caller does not fail the others
// waiting on the same build.
func (p *Pool) build(ctx context.Context, tenantID, fp, dbURL string) (*entry, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ConnectionFailure(ErrClosed, nil)
	}
	if e, ok := p.lru.Peek(tenantID); ok && e.fingerprint == fp && !p.expiredLocked(e) {
		p.mu.Unlock()
		return e, nil
	}
	if !p.reserveLocked() {
		p.exhausted++
		if p.metrics != nil {
			p.metrics.Exhausted.Inc()
		}
		doomed := p.unlock()
		closeAll(doomed)
		p.logger.Warn("Connection ceiling reached", "tenant_id", tenantID, "max_total_connections", p.opts.MaxTotalConnections)
		return nil, domain.ConnectionFailure(domain.ErrPoolExhausted, nil)
	}
	p.inflight++
	doomed := p.unlock()
	closeAll(doomed)

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ConnectTimeout)
	defer cancel()
	start := time.Now()
	client, err := p.dialer.Dial(dialCtx, dbURL)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		err = classify(dialCtx, err)
	}

	p.mu.Lock()
	p.inflight--
	if err != nil {
		p.reserved -= p.opts.MaxConnsPerTenant
		closeAll(p.unlock())
		reason := "unreachable"
		if errors.Is(err, domain.ErrConnectTimeout) {
			reason = "timeout"
		}
		p.metrics.Built(elapsed, reason)
		p.logger.Warn("Failed to build tenant client", "tenant_id", tenantID, "reason", reason, "error", redact.Text(err.Error()))
		return nil, err
	}
	if p.closed {
		p.reserved -= p.opts.MaxConnsPerTenant
		closeAll(p.unlock())
		client.Close()
		return nil, domain.ConnectionFailure(ErrClosed, nil)
	}
	if old, ok := p.lru.Peek(tenantID); ok {
		if old.fingerprint == fp && !p.expiredLocked(old) {
			p.reserved -= p.opts.MaxConnsPerTenant
			closeAll(p.unlock())
			client.Close()
			return old, nil
		}
		p.removeLocked(old, reasonDescriptor)
	}
	e := &entry{tenantID: tenantID, fingerprint: fp, client: client, lastUsed: p.now()}
	p.lru.Add(tenantID, e)
	doomed = p.unlock()
	closeAll(doomed)

	p.metrics.Built(elapsed, "")
	p.logger.Info("Built tenant client", "tenant_id", tenantID, "fingerprint", fp, "duration_seconds", elapsed)
	return e, nil
}

// reserveLocked claims one tenant's share of the global ceiling, sweeping
// expired entries first if the ceiling is reached. Live entries are never
// displaced to make room.
func (p *Pool) reserveLocked() bool {
	if p.reserved+p.opts.MaxConnsPerTenant > p.opts.MaxTotalConnections {
		p.sweepExpiredLocked()
	}
	if p.reserved+p.opts.MaxConnsPerTenant > p.opts.MaxTotalConnections {
		return false
	}
	p.reserved += p.opts.MaxConnsPerTenant
	return true
}

func (p *Pool) sweepExpiredLocked() {
	for _, key := range p.lru.Keys() {
		if e, ok := p.lru.Peek(key); ok && p.expiredLocked(e) {
			p.removeLocked(e, reasonTTL)
		}
	}
}

// expiredLocked reports whether e has sat unleased for at least TTL.
func (p *Pool) expiredLocked(e *entry) bool {
	return p.opts.TTL > 0 && e.refs == 0 && p.now().Sub(e.lastUsed) >= p.opts.TTL
}

func (p *Pool) removeLocked(e *entry, reason string) {
	e.reason = reason
	p.lru.Remove(e.tenantID)
}

// onEvict runs under p.mu for every entry leaving the LRU.
func (p *Pool) onEvict(_ string, e *entry) {
	if e.reason == "" {
		e.reason = reasonCapacity
	}
	e.evicted = true
	p.reserved -= p.opts.MaxConnsPerTenant
	p.evictions++
	p.metrics.Evicted(e.reason)
	if e.refs == 0 {
		p.doomed = append(p.doomed, e.client)
	}
	p.logger.Debug("Evicted tenant client", "tenant_id", e.tenantID, "reason", e.reason, "leases", e.refs)
}

// unlock releases p.mu and hands back the clients that must now be closed.
func (p *Pool) unlock() []domain.TenantDB {
	doomed := p.doomed
	p.doomed = nil
	p.metrics.Occupancy(p.reserved, p.lru.Len())
	p.mu.Unlock()
	return doomed
}

func closeAll(clients []domain.TenantDB) {
	for _, c := range clients {
		c.Close()
	}
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, domain.ErrConnection) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.ConnectionFailure(domain.ErrConnectTimeout, err)
	}
	return domain.ConnectionFailure(domain.ErrTenantUnreachable, err)
}

// Invalidate drops the tenant's cached client. It reports whether one was
// cached.
func (p *Pool) Invalidate(tenantID string) bool {
	p.mu.Lock()
	e, ok := p.lru.Peek(tenantID)
	if ok {
		p.removeLocked(e, reasonInvalidated)
	}
	doomed := p.unlock()
	closeAll(doomed)
	if ok {
		p.logger.Info("Invalidated tenant client", "tenant_id", tenantID)
	}
	return ok
}

// Clear drops every cached client and returns how many were dropped.
func (p *Pool) Clear() int {
	p.mu.Lock()
	n := p.clearLocked()
	doomed := p.unlock()
	closeAll(doomed)
	p.logger.Info("Cleared connection pool", "entries", n)
	return n
}

func (p *Pool) clearLocked() int {
	keys := p.lru.Keys()
	for _, key := range keys {
		if e, ok := p.lru.Peek(key); ok {
			e.reason = reasonInvalidated
		}
	}
	p.lru.Purge()
	return len(keys)
}

// Close drops every client and rejects further lookups. Leased clients are
// closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.clearLocked()
	doomed := p.unlock()
	closeAll(doomed)
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.PoolStats{
		Hits:             p.hits,
		Misses:           p.misses,
		Evictions:        p.evictions,
		Exhausted:        p.exhausted,
		TotalConnections: p.reserved,
		ActiveEntries:    p.lru.Len(),
		InflightBuilds:   p.inflight,
		LeasedHandles:    p.leased,
	}
}

// StartHealthCheck runs CheckHealth every interval until ctx is done.
func (p *Pool) StartHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping connection pool health check")
			return
		case <-ticker.C:
			p.CheckHealth(ctx)
		}
	}
}

// CheckHealth evicts expired and idle entries, then pings the rest and evicts
// the ones that fail.
func (p *Pool) CheckHealth(ctx context.Context) {
	p.mu.Lock()
	now := p.now()
	var probes []*entry
	for _, key := range p.lru.Keys() {
		e, ok := p.lru.Peek(key)
		if !ok {
			continue
		}
		switch {
		case p.expiredLocked(e):
			p.removeLocked(e, reasonTTL)
		case p.opts.MaxIdle > 0 && e.refs == 0 && now.Sub(e.lastUsed) >= p.opts.MaxIdle:
			p.removeLocked(e, reasonIdle)
		default:
			probes = append(probes, e)
		}
	}
	doomed := p.unlock()
	closeAll(doomed)

	var (
		mu        sync.Mutex
		unhealthy []*entry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckParallelism)
	for _, e := range probes {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, p.opts.HealthTimeout)
			defer cancel()
			if err := e.client.Ping(pingCtx); err != nil {
				p.logger.Warn("Tenant client failed health check", "tenant_id", e.tenantID, "error", err)
				mu.Lock()
				unhealthy = append(unhealthy, e)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(unhealthy) == 0 {
		return
	}

	p.mu.Lock()
	for _, e := range unhealthy {
		if cur, ok := p.lru.Peek(e.tenantID); ok && cur == e {
			p.removeLocked(e, reasonUnhealthy)
		}
	}
	doomed = p.unlock()
	closeAll(doomed)
}
