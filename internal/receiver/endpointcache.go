package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// inFlightFetch tracks an in-progress cache refresh so concurrent misses on
// the same slug coalesce into one upstream call.
type inFlightFetch struct {
	done   chan struct{}
	result any
	err    error
}

type endpointEntry struct {
	info     *types.EndpointInfo
	lastSync time.Time
}

// EndpointCache caches endpoint configuration so mock responses can be
// emitted without touching the store. Refreshes are single-flight per slug
// and fall back to the stale entry when the store is unreachable.
type EndpointCache struct {
	mu       sync.RWMutex
	entries  map[string]*endpointEntry
	inFlight map[string]*inFlightFetch
	ttl      time.Duration
	maxSize  int
	fetch    func(ctx context.Context, slug string) (*types.EndpointInfo, error)
	log      zerolog.Logger
}

// NewEndpointCache builds a cache that refreshes entries via fetch. A
// janitor goroutine evicts stale entries until ctx is cancelled.
func NewEndpointCache(ctx context.Context, ttl time.Duration, fetch func(ctx context.Context, slug string) (*types.EndpointInfo, error), log zerolog.Logger) *EndpointCache {
	c := &EndpointCache{
		entries:  make(map[string]*endpointEntry),
		inFlight: make(map[string]*inFlightFetch),
		ttl:      ttl,
		maxSize:  maxCacheEntries,
		fetch:    fetch,
		log:      log,
	}
	go c.cleanupLoop(ctx)
	return c
}

// Get returns the endpoint info for slug, refreshing when the cached entry
// is older than the TTL. At most one refresh per slug is in flight at any
// time; all concurrent callers receive its result.
func (c *EndpointCache) Get(ctx context.Context, slug string) (*types.EndpointInfo, error) {
	c.mu.RLock()
	entry, exists := c.entries[slug]
	isStale := !exists || time.Since(entry.lastSync) > c.ttl
	c.mu.RUnlock()

	if !isStale {
		return entry.info, nil
	}

	c.mu.Lock()
	// Another goroutine may have refreshed while we waited for the lock.
	entry, exists = c.entries[slug]
	isStale = !exists || time.Since(entry.lastSync) > c.ttl
	if !isStale {
		c.mu.Unlock()
		return entry.info, nil
	}

	if req, ok := c.inFlight[slug]; ok {
		c.mu.Unlock()
		select {
		case <-req.done:
			if req.err != nil {
				if exists {
					return entry.info, nil
				}
				return nil, req.err
			}
			return req.result.(*types.EndpointInfo), nil
		case <-ctx.Done():
			if exists {
				return entry.info, nil
			}
			return nil, ctx.Err()
		}
	}

	req := &inFlightFetch{done: make(chan struct{})}
	c.inFlight[slug] = req
	c.mu.Unlock()

	info, err := c.fetch(ctx, slug)

	c.mu.Lock()
	delete(c.inFlight, slug)
	// Never cache not_found: the endpoint may be created a moment later and
	// a cached miss would block it for a full TTL.
	if err == nil && info != nil && info.Error == "" {
		c.entries[slug] = &endpointEntry{info: info, lastSync: time.Now()}
	}
	req.result = info
	req.err = err
	c.mu.Unlock()
	close(req.done)

	if err != nil {
		if exists {
			c.log.Warn().Str("slug", slug).Err(err).Msg("endpoint refresh failed, using stale cache")
			return entry.info, nil
		}
		return nil, err
	}

	return info, nil
}

// Evict removes a slug from the cache so the next lookup refetches.
func (c *EndpointCache) Evict(slug string) {
	c.mu.Lock()
	delete(c.entries, slug)
	c.mu.Unlock()
}

func (c *EndpointCache) cleanupLoop(ctx context.Context) {
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

// cleanup drops entries older than 2x TTL, then the oldest entries beyond
// the size cap.
func (c *EndpointCache) cleanup() {
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
