package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/internal/config"
)

// PeriodResetJob rolls pro users into their next billing period once the
// current one ends. Cancelled subscriptions are downgraded to the free
// plan. Free users never appear here; their period opens lazily on the
// next capture.
type PeriodResetJob struct {
	repo Repository
	cfg  *config.Store
	log  zerolog.Logger
}

func NewPeriodResetJob(repo Repository, cfg *config.Store, log zerolog.Logger) *PeriodResetJob {
	return &PeriodResetJob{repo: repo, cfg: cfg, log: log}
}

// Run ticks until ctx is cancelled.
func (j *PeriodResetJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.PeriodResetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.RunOnce(ctx); err != nil {
				j.log.Error().Err(err).Msg("period reset tick failed")
			}
		}
	}
}

// RunOnce processes one batch of users whose period has ended.
func (j *PeriodResetJob) RunOnce(ctx context.Context) error {
	now := time.Now().UnixMilli()

	users, err := j.repo.UsersPastPeriod(ctx, now, periodScanLimit)
	if err != nil {
		return err
	}

	for i := range users {
		u := &users[i]
		if u.Plan != "pro" || u.PeriodEnd == nil {
			continue
		}

		if u.CancelAtPeriodEnd {
			if err := j.repo.Downgrade(ctx, u.ID, j.cfg.FreeRequestLimit); err != nil {
				j.log.Error().Str("userId", u.ID).Err(err).Msg("downgrade failed")
				continue
			}
			j.log.Info().Str("userId", u.ID).Msg("pro subscription ended, downgraded to free")
			continue
		}

		start := *u.PeriodEnd
		end := start + j.cfg.BillingPeriod.Milliseconds()
		if err := j.repo.RollPeriod(ctx, u.ID, start, end); err != nil {
			j.log.Error().Str("userId", u.ID).Err(err).Msg("period roll failed")
			continue
		}
		j.log.Info().Str("userId", u.ID).Int64("periodEnd", end).Msg("billing period rolled")
	}

	return nil
}
