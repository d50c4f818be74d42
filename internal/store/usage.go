package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UsageScheduler applies deferred usage increments. Each owner gets a
// single-consumer queue, so counter writes for one owner serialize without
// ever blocking the capture path, and concurrent bursts across many
// endpoints of the same owner cannot contend on the user row.
type UsageScheduler struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	queues map[string]chan int64
	apply  func(ctx context.Context, ownerID string, n int64) error
	log    zerolog.Logger
	closed bool
}

func NewUsageScheduler(apply func(ctx context.Context, ownerID string, n int64) error, log zerolog.Logger) *UsageScheduler {
	return &UsageScheduler{
		queues: make(map[string]chan int64),
		apply:  apply,
		log:    log,
	}
}

// Schedule enqueues an increment of n for ownerID. The increment is applied
// after the enclosing capture write has committed; callers never wait on
// the user row.
func (s *UsageScheduler) Schedule(ownerID string, n int64) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().Str("ownerId", ownerID).Int64("count", n).Msg("usage scheduler closed, dropping increment")
		return
	}
	ch, ok := s.queues[ownerID]
	if !ok {
		ch = make(chan int64, 1024)
		s.queues[ownerID] = ch
		s.wg.Add(1)
		go s.consume(ownerID, ch)
	}
	// Send under the lock so Close cannot close the channel mid-send.
	ch <- n
	s.mu.Unlock()
}

// consume drains one owner's queue, coalescing whatever is immediately
// available into a single counter write.
func (s *UsageScheduler) consume(ownerID string, ch chan int64) {
	defer s.wg.Done()

	for n := range ch {
		total := n
	drain:
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					break drain
				}
				total += m
			default:
				break drain
			}
		}
		s.applyTotal(ownerID, total)
	}
}

func (s *UsageScheduler) applyTotal(ownerID string, total int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.apply(ctx, ownerID, total); err != nil {
		s.log.Error().Str("ownerId", ownerID).Int64("count", total).Err(err).Msg("usage increment failed")
	}
}

// Close stops accepting increments and drains every pending queue.
func (s *UsageScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, ch := range s.queues {
		close(ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
