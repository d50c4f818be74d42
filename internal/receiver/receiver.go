// Package receiver implements the webhook edge: it accepts arbitrary HTTP
// at /w/{slug}, answers with the endpoint's configured mock response, and
// ships captures to the store in batches. All store I/O is off the hot path
// behind two TTL caches and a per-slug batcher.
package receiver

import "time"

const (
	maxBodySize          = 100 * 1024        // max inbound webhook body
	maxStoreResponseSize = 1024 * 1024       // max response read from the store
	httpTimeout          = 10 * time.Second  // store client timeout
	quotaCacheTTL        = 30 * time.Second  // how long to trust cached quota
	endpointCacheTTL     = 60 * time.Second  // how long to trust cached endpoint info
	batchFlushInterval   = 100 * time.Millisecond
	batchMaxSize         = 50   // flush when a slug's batch reaches this size
	batchMaxPerSlug      = 1000 // drop oldest beyond this many buffered per slug
	shutdownTimeout      = 10 * time.Second
	maxCacheEntries      = 10000
	cacheCleanupInterval = 5 * time.Minute
	maxSlugLen           = 50
	maxHeaderKeyLen      = 256  // mock response header key cap
	maxHeaderValueLen    = 8192 // mock response header value cap

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// isValidSlug reports whether slug matches ^[A-Za-z0-9_-]{1,50}$. Slugs are
// used as map keys and appear in store URLs, so nothing else gets through.
func isValidSlug(slug string) bool {
	if len(slug) == 0 || len(slug) > maxSlugLen {
		return false
	}
	for _, r := range slug {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		isSpecial := r == '-' || r == '_'
		if isLower || isUpper || isDigit || isSpecial {
			continue
		}
		return false
	}
	return true
}
