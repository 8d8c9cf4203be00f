package repository

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/svcfields"
	"pkt.systems/tccstore/txn"
)

const (
	// DefaultCacheMaxBytes bounds the cached payload bytes.
	DefaultCacheMaxBytes int64 = 16 << 20
	// DefaultCacheTTL evicts entries not read for this long.
	DefaultCacheTTL = 120 * time.Second
	// recordOverhead approximates per-entry bookkeeping in the byte budget.
	recordOverhead = 64
)

// Cached decorates a Repository with an in-process LRU of the latest record
// per identity. Every mutation drops the identity before reaching the inner
// repository and only repopulates it from a successful result. Reads that
// overlap a mutation of the same identity do not fill the cache, so a
// deleted or superseded record is never served after the mutation returns.
//
// The cache is local: writes made by other processes are only observed once
// the entry expires or is refreshed by FindAll.
type Cached struct {
	inner   Repository
	cache   *recordCache
	logger  pslog.Logger
	metrics *repoMetrics
}

var _ Repository = (*Cached)(nil)

// CacheOption customises a Cached repository.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	maxBytes int64
	ttl      time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	provider metric.MeterProvider
}

// WithCacheMaxBytes sets the byte budget.
func WithCacheMaxBytes(n int64) CacheOption {
	return func(o *cacheOptions) { o.maxBytes = n }
}

// WithCacheTTL sets the idle expiry. Zero disables expiry.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(o *cacheOptions) { o.ttl = d }
}

// WithCacheClock sets the time source used for expiry.
func WithCacheClock(c clock.Clock) CacheOption {
	return func(o *cacheOptions) { o.clock = c }
}

// WithCacheLogger sets the base logger.
func WithCacheLogger(logger pslog.Logger) CacheOption {
	return func(o *cacheOptions) { o.logger = logger }
}

// WithCacheMeterProvider sets the otel meter provider.
func WithCacheMeterProvider(mp metric.MeterProvider) CacheOption {
	return func(o *cacheOptions) { o.provider = mp }
}

// NewCached wraps inner.
func NewCached(inner Repository, opts ...CacheOption) *Cached {
	o := cacheOptions{maxBytes: DefaultCacheMaxBytes, ttl: DefaultCacheTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(o.logger), "repository.cache")
	return &Cached{
		inner:   inner,
		cache:   newRecordCache(o.maxBytes, o.ttl, clock.OrReal(o.clock)),
		logger:  logger,
		metrics: newRepoMetrics(o.provider.Meter("pkt.systems/tccstore/repository/cache"), logger),
	}
}

// Inner returns the wrapped repository.
func (c *Cached) Inner() Repository { return c.inner }

// Len reports the number of cached identities.
func (c *Cached) Len() int { return c.cache.len() }

// Create implements Repository.
func (c *Cached) Create(ctx context.Context, rec *txn.Record) (int64, error) {
	if rec == nil {
		return c.inner.Create(ctx, rec)
	}
	gen := c.cache.invalidate(rec.Xid)
	defer c.cache.release()
	n, err := c.inner.Create(ctx, rec)
	if err != nil {
		return n, err
	}
	c.cache.putSince(rec, gen)
	return n, nil
}

// Update implements Repository.
func (c *Cached) Update(ctx context.Context, rec *txn.Record) (*txn.Record, error) {
	if rec == nil {
		return c.inner.Update(ctx, rec)
	}
	gen := c.cache.invalidate(rec.Xid)
	defer c.cache.release()
	out, err := c.inner.Update(ctx, rec)
	if err != nil {
		return out, err
	}
	c.cache.putSince(out, gen)
	return out, nil
}

// Delete implements Repository. The identity is invalidated again once the
// inner delete returns, so reads that started while it ran cannot cache
// the removed record.
func (c *Cached) Delete(ctx context.Context, rec *txn.Record) (int64, error) {
	if rec == nil {
		return c.inner.Delete(ctx, rec)
	}
	c.cache.invalidate(rec.Xid)
	defer c.cache.release()
	n, err := c.inner.Delete(ctx, rec)
	c.cache.invalidate(rec.Xid)
	c.cache.release()
	return n, err
}

// FindOne implements Repository. Hits return a private copy.
func (c *Cached) FindOne(ctx context.Context, id txn.Xid) (*txn.Record, bool, error) {
	if rec, ok := c.cache.get(id); ok {
		c.metrics.recordCache(ctx, true)
		c.logger.Trace("repository.cache.hit", svcfields.XidKey, id.String())
		return rec, true, nil
	}
	c.metrics.recordCache(ctx, false)
	gen := c.cache.acquire()
	defer c.cache.release()
	rec, found, err := c.inner.FindOne(ctx, id)
	if err != nil || !found {
		return rec, found, err
	}
	c.cache.putSince(rec, gen)
	return rec, true, nil
}

// FindAll implements Repository. It always reaches the inner repository
// and refreshes the cache from the result.
func (c *Cached) FindAll(ctx context.Context) ([]*txn.Record, error) {
	gen := c.cache.acquire()
	defer c.cache.release()
	recs, err := c.inner.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	c.refresh(recs, gen)
	return recs, nil
}

// FindAllUnmodifiedSince implements Repository.
func (c *Cached) FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*txn.Record, error) {
	gen := c.cache.acquire()
	defer c.cache.release()
	recs, err := c.inner.FindAllUnmodifiedSince(ctx, threshold)
	if err != nil {
		return nil, err
	}
	c.refresh(recs, gen)
	return recs, nil
}

func (c *Cached) refresh(recs []*txn.Record, gen uint64) {
	skipped := 0
	for _, rec := range recs {
		if !c.cache.putSince(rec, gen) {
			skipped++
		}
	}
	if skipped > 0 {
		c.logger.Trace("repository.cache.refresh.skipped", "records", len(recs), "skipped", skipped)
	}
}

// DeleteAll implements Repository.
func (c *Cached) DeleteAll(ctx context.Context) error {
	return c.inner.DeleteAll(ctx)
}

// recordCache is a byte-bounded LRU. Every mutation bumps gen and stamps
// the identity in touched; a fill is accepted only when the identity was
// not touched after the caller's generation was taken. touched is cleared
// whenever no operation is in flight.
type recordCache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	clock    clock.Clock
	used     int64
	lru      *list.List
	entries  map[txn.Xid]*list.Element

	gen      uint64
	inflight int
	touched  map[txn.Xid]uint64
}

type recordCacheEntry struct {
	id       txn.Xid
	rec      *txn.Record
	size     int64
	lastUsed time.Time
}

func newRecordCache(maxBytes int64, ttl time.Duration, clk clock.Clock) *recordCache {
	if maxBytes <= 0 {
		return nil
	}
	return &recordCache{
		maxBytes: maxBytes,
		ttl:      ttl,
		clock:    clk,
		lru:      list.New(),
		entries:  make(map[txn.Xid]*list.Element),
		touched:  make(map[txn.Xid]uint64),
	}
}

// acquire registers an in-flight read and returns the generation its
// result must be checked against.
func (c *recordCache) acquire() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight++
	return c.gen
}

// invalidate drops id, marks it touched at a new generation and registers
// an in-flight mutation. Callers must release.
func (c *recordCache) invalidate(id txn.Xid) uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.touched[id] = c.gen
	if elem, ok := c.entries[id]; ok {
		c.removeLocked(elem)
	}
	c.inflight++
	return c.gen
}

func (c *recordCache) release() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.inflight <= 0 {
		c.inflight = 0
		clear(c.touched)
	}
}

// putSince stores rec unless its identity was touched after gen.
func (c *recordCache) putSince(rec *txn.Record, gen uint64) bool {
	if c == nil || rec == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.touched[rec.Xid] > gen {
		return false
	}
	return c.putLocked(rec)
}

func entrySize(rec *txn.Record) int64 {
	return int64(len(rec.Payload)+len(rec.Xid.GlobalID)+len(rec.Xid.BranchID)) + recordOverhead
}

func (c *recordCache) get(id txn.Xid) (*txn.Record, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*recordCacheEntry)
	now := c.clock.Now()
	if c.ttl > 0 && now.Sub(entry.lastUsed) >= c.ttl {
		c.removeLocked(elem)
		return nil, false
	}
	entry.lastUsed = now
	c.lru.MoveToFront(elem)
	return entry.rec.Clone(), true
}

func (c *recordCache) put(rec *txn.Record) bool {
	if c == nil || rec == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(rec)
}

func (c *recordCache) putLocked(rec *txn.Record) bool {
	size := entrySize(rec)
	if size > c.maxBytes {
		return false
	}
	clone := rec.Clone()
	now := c.clock.Now()
	if elem, ok := c.entries[rec.Xid]; ok {
		entry := elem.Value.(*recordCacheEntry)
		if entry.rec.Version > clone.Version {
			return false
		}
		c.used -= entry.size
		entry.rec, entry.size, entry.lastUsed = clone, size, now
		c.used += size
		c.lru.MoveToFront(elem)
		c.evictLocked()
		return true
	}
	elem := c.lru.PushFront(&recordCacheEntry{id: rec.Xid, rec: clone, size: size, lastUsed: now})
	c.entries[rec.Xid] = elem
	c.used += size
	c.evictLocked()
	return true
}

func (c *recordCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *recordCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*recordCacheEntry)
	delete(c.entries, entry.id)
	c.used -= entry.size
	c.lru.Remove(elem)
}

func (c *recordCache) evictLocked() {
	for c.used > c.maxBytes && c.lru.Len() > 0 {
		c.removeLocked(c.lru.Back())
	}
}
