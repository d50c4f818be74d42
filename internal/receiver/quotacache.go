package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// QuotaEntry is the cached request budget for the user owning a slug.
// Remaining is advisory: the store does not re-check quota on write, so
// over-admission is bounded by the cache TTL times the ingest rate.
type QuotaEntry struct {
	OwnerID     *string
	Remaining   int64
	Limit       int64
	PeriodEnd   int64
	IsUnlimited bool
	lastSync    time.Time
}

// QuotaCache caches per-slug quota with single-flight refresh. Admission
// decrements happen locally under the cache lock; the store's counter
// catches up via the batch capture pipeline.
type QuotaCache struct {
	mu       sync.RWMutex
	entries  map[string]*QuotaEntry
	inFlight map[string]*inFlightFetch
	ttl      time.Duration
	maxSize  int
	fetch    func(ctx context.Context, slug string) (*types.QuotaResponse, error)
	log      zerolog.Logger
}

// NewQuotaCache builds a cache that refreshes entries via fetch. A janitor
// goroutine evicts stale entries until ctx is cancelled.
func NewQuotaCache(ctx context.Context, ttl time.Duration, fetch func(ctx context.Context, slug string) (*types.QuotaResponse, error), log zerolog.Logger) *QuotaCache {
	c := &QuotaCache{
		entries:  make(map[string]*QuotaEntry),
		inFlight: make(map[string]*inFlightFetch),
		ttl:      ttl,
		maxSize:  maxCacheEntries,
		fetch:    fetch,
		log:      log,
	}
	go c.cleanupLoop(ctx)
	return c
}

// Check returns a snapshot of the quota for slug, refreshing from the store
// when stale. A nil entry with nil error means the endpoint is unknown to
// the store; callers fail open. Refreshes are single-flight per slug.
func (c *QuotaCache) Check(ctx context.Context, slug string) (*QuotaEntry, error) {
	c.mu.RLock()
	entry, exists := c.entries[slug]
	isStale := !exists || time.Since(entry.lastSync) > c.ttl
	var snapshot *QuotaEntry
	if exists {
		cp := *entry
		snapshot = &cp
	}
	c.mu.RUnlock()

	if !isStale {
		return snapshot, nil
	}

	c.mu.Lock()
	entry, exists = c.entries[slug]
	isStale = !exists || time.Since(entry.lastSync) > c.ttl
	if !isStale {
		cp := *entry
		c.mu.Unlock()
		return &cp, nil
	}

	if req, ok := c.inFlight[slug]; ok {
		c.mu.Unlock()
		select {
		case <-req.done:
			if req.err != nil {
				if exists {
					return snapshot, nil
				}
				return nil, req.err
			}
			if req.result == nil {
				return nil, nil
			}
			cp := *req.result.(*QuotaEntry)
			return &cp, nil
		case <-ctx.Done():
			if exists {
				return snapshot, nil
			}
			return nil, ctx.Err()
		}
	}

	req := &inFlightFetch{done: make(chan struct{})}
	c.inFlight[slug] = req
	c.mu.Unlock()

	newEntry, err := c.refresh(ctx, slug)

	c.mu.Lock()
	delete(c.inFlight, slug)
	if err == nil && newEntry != nil {
		c.entries[slug] = newEntry
	}
	if newEntry != nil {
		req.result = newEntry
	}
	req.err = err
	c.mu.Unlock()
	close(req.done)

	if err != nil {
		if exists {
			c.log.Warn().Str("slug", slug).Err(err).Msg("quota refresh failed, using stale cache")
			return snapshot, nil
		}
		return nil, err
	}
	if newEntry == nil {
		return nil, nil
	}
	cp := *newEntry
	return &cp, nil
}

func (c *QuotaCache) refresh(ctx context.Context, slug string) (*QuotaEntry, error) {
	resp, err := c.fetch(ctx, slug)
	if err != nil {
		return nil, err
	}
	if resp.Error == "not_found" {
		return nil, nil
	}

	entry := &QuotaEntry{
		OwnerID:     resp.OwnerID,
		Remaining:   resp.Remaining,
		Limit:       resp.Limit,
		IsUnlimited: resp.Remaining == -1,
		lastSync:    time.Now(),
	}
	if resp.PeriodEnd != nil {
		entry.PeriodEnd = *resp.PeriodEnd
	}
	return entry, nil
}

// Admit atomically consumes one unit of the cached quota. It reports false
// only when the cached budget is finite and exhausted; unknown slugs and
// unlimited quotas are always admitted.
func (c *QuotaCache) Admit(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[slug]
	if !exists || entry.IsUnlimited {
		return true
	}
	if entry.Remaining <= 0 {
		return false
	}
	entry.Remaining--
	return true
}

// Evict removes a slug from the cache so the next lookup refetches.
func (c *QuotaCache) Evict(slug string) {
	c.mu.Lock()
	delete(c.entries, slug)
	c.mu.Unlock()
}

func (c *QuotaCache) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *QuotaCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	staleThreshold := c.ttl * 2
	for slug, entry := range c.entries {
		if now.Sub(entry.lastSync) > staleThreshold {
			delete(c.entries, slug)
		}
	}

	for len(c.entries) > c.maxSize {
		var oldestSlug string
		var oldestTime time.Time
		for slug, entry := range c.entries {
			if oldestSlug == "" || entry.lastSync.Before(oldestTime) {
				oldestSlug = slug
				oldestTime = entry.lastSync
			}
		}
		if oldestSlug == "" {
			return
		}
		delete(c.entries, oldestSlug)
	}
}
