package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// CleanupJob reaps expired ephemeral endpoints. Request rows are deleted in
// batches; the endpoint itself goes only once a batch comes back short,
// which signals no rows remain. Re-running converges, so a tick that dies
// mid-drain is harmless.
type CleanupJob struct {
	repo     Repository
	notifier *ReceiverNotifier
	interval time.Duration
	log      zerolog.Logger
}

func NewCleanupJob(repo Repository, notifier *ReceiverNotifier, interval time.Duration, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo:     repo,
		notifier: notifier,
		interval: interval,
		log:      log,
	}
}

// Run ticks until ctx is cancelled.
func (j *CleanupJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.log.Error().Err(err).Msg("cleanup tick failed")
			}
		}
	}
}

// RunOnce processes one batch of expired endpoints.
func (j *CleanupJob) RunOnce(ctx context.Context) error {
	now := time.Now().UnixMilli()

	expired, err := j.repo.ExpiredEndpoints(ctx, now, cleanupScanLimit)
	if err != nil {
		return err
	}

	for i := range expired {
		ep := &expired[i]

		deleted, err := j.repo.DeleteRequests(ctx, ep.ID, cleanupBatchSize)
		if err != nil {
			j.log.Error().Str("slug", ep.Slug).Err(err).Msg("request cleanup failed")
			continue
		}
		if deleted == cleanupBatchSize {
			// A full batch means more rows may remain; the endpoint stays
			// until a later tick drains it.
			j.log.Debug().Str("slug", ep.Slug).Int("deleted", deleted).Msg("cleanup batch full, endpoint kept")
			continue
		}

		if err := j.repo.DeleteEndpoint(ctx, ep.ID); err != nil {
			j.log.Error().Str("slug", ep.Slug).Err(err).Msg("endpoint delete failed")
			continue
		}
		j.notifier.Invalidate(ctx, ep.Slug)
		j.log.Info().Str("slug", ep.Slug).Int("deleted", deleted).Msg("expired endpoint removed")
	}

	return nil
}
