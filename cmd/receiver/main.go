// The receiver is the public edge of webhooks.cc: it captures arbitrary
// HTTP at /w/{slug}, answers with the endpoint's mock response, and ships
// captures to the store in batches.
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
	"github.com/kroqdotdev/webhooks-cc/internal/receiver"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "receiver").Logger()

	cfg, err := config.LoadReceiver()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Debug {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Warn().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	srv := receiver.New(rootCtx, cfg, log)

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

	log.Info().Str("port", cfg.Port).Msg("webhook receiver starting")
	if err := srv.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}
