// The store is the system of record behind the receiver: it persists
// captured requests, answers quota and endpoint-info lookups, and runs
// the expiry-cleanup and billing period-reset jobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/internal/config"
	"github.com/kroqdotdev/webhooks-cc/internal/store"
	"github.com/kroqdotdev/webhooks-cc/internal/store/postgres"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "store").Logger()

	cfg, err := config.LoadStore()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Warn().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	pool, err := postgres.Connect(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connect failed")
	}
	defer pool.Close()

	repo := postgres.NewRepository(pool)
	srv := store.New(cfg, repo, log)

	notifier := store.NewReceiverNotifier(cfg.ReceiverURL, cfg.SharedSecret, log)
	go store.NewCleanupJob(repo, notifier, cfg.CleanupInterval, log).Run(rootCtx)
	go store.NewPeriodResetJob(repo, cfg, log).Run(rootCtx)

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-shutdownCh
		log.Info().Msg("shutdown signal received")
		rootCancel()
		if err := srv.Shutdown(); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}()

	log.Info().Str("port", cfg.Port).Msg("webhook store starting")
	if err := srv.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
