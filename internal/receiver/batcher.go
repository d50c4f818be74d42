package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// DispatchFunc ships one slug's batch to the store. It runs on a background
// goroutine with a fresh timeout context so in-flight captures survive the
// inbound request being cancelled.
type DispatchFunc func(ctx context.Context, slug string, requests []types.BufferedRequest)

// RequestBatcher buffers captured requests per slug and flushes them when a
// batch fills up or the flush interval elapses. In-flight dispatches are
// tracked in a wait group for graceful shutdown.
type RequestBatcher struct {
	mu         sync.Mutex
	wg         sync.WaitGroup
	buffers    map[string][]types.BufferedRequest
	timers     map[string]*time.Timer
	maxSize    int
	maxPerSlug int
	interval   time.Duration
	dispatch   DispatchFunc
	log        zerolog.Logger
}

func NewRequestBatcher(maxSize int, interval time.Duration, dispatch DispatchFunc, log zerolog.Logger) *RequestBatcher {
	return &RequestBatcher{
		buffers:    make(map[string][]types.BufferedRequest),
		timers:     make(map[string]*time.Timer),
		maxSize:    maxSize,
		maxPerSlug: batchMaxPerSlug,
		interval:   interval,
		dispatch:   dispatch,
		log:        log,
	}
}

// Add buffers a request for slug. Hitting maxSize flushes synchronously;
// otherwise the flush timer is re-armed so bursts coalesce into one batch.
// A full per-slug buffer drops the oldest request rather than grow without
// bound.
func (b *RequestBatcher) Add(slug string, req types.BufferedRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.buffers[slug]) >= b.maxPerSlug {
		b.log.Warn().Str("slug", slug).Int("buffered", len(b.buffers[slug])).Msg("buffer full, dropping oldest request")
		b.buffers[slug] = b.buffers[slug][1:]
	}

	b.buffers[slug] = append(b.buffers[slug], req)

	if len(b.buffers[slug]) >= b.maxSize {
		b.flushLocked(slug)
		return
	}

	if timer, exists := b.timers[slug]; exists {
		// Stop returns false if the timer already fired; the stale callback
		// just finds an empty buffer.
		timer.Stop()
	}
	b.timers[slug] = time.AfterFunc(b.interval, func() {
		b.Flush(slug)
	})
}

// Flush dispatches all buffered requests for a slug.
func (b *RequestBatcher) Flush(slug string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(slug)
}

// flushLocked must be called with b.mu held. It detaches the buffer and
// dispatches it on a background goroutine.
func (b *RequestBatcher) flushLocked(slug string) {
	requests := b.buffers[slug]
	if len(requests) == 0 {
		return
	}

	delete(b.buffers, slug)
	if timer, exists := b.timers[slug]; exists {
		timer.Stop()
		delete(b.timers, slug)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()

		b.dispatch(ctx, slug, requests)
	}()
}

// FlushAll enqueues every pending buffer for dispatch. Called on shutdown.
func (b *RequestBatcher) FlushAll() {
	b.mu.Lock()
	slugs := make([]string, 0, len(b.buffers))
	for slug := range b.buffers {
		slugs = append(slugs, slug)
	}
	b.mu.Unlock()

	for _, slug := range slugs {
		b.Flush(slug)
	}
}

// Wait blocks until all in-flight dispatch goroutines complete.
func (b *RequestBatcher) Wait() {
	b.wg.Wait()
}
