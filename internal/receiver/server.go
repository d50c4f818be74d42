package receiver

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/internal/config"
	"github.com/kroqdotdev/webhooks-cc/pkg/types"
)

// Server wires the receiver's long-lived singletons: the two caches, the
// batcher, and the store client.
type Server struct {
	app       *fiber.App
	log       zerolog.Logger
	secret    string
	store     *StoreClient
	endpoints *EndpointCache
	quotas    *QuotaCache
	batcher   *RequestBatcher
}

// New builds a fully wired receiver. Background goroutines (cache janitors)
// run until ctx is cancelled.
func New(ctx context.Context, cfg *config.Receiver, log zerolog.Logger) *Server {
	s := &Server{
		log:    log,
		secret: cfg.SharedSecret,
	}

	s.store = NewStoreClient(cfg.StoreSiteURL, cfg.SharedSecret, log)
	s.endpoints = NewEndpointCache(ctx, endpointCacheTTL, s.store.FetchEndpointInfo, log)
	s.quotas = NewQuotaCache(ctx, quotaCacheTTL, s.store.FetchQuota, log)
	s.batcher = NewRequestBatcher(batchMaxSize, batchFlushInterval, s.dispatchBatch, log)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxBodySize,
	})

	app.Use(recover.New())
	// All routes on this service are public webhook capture endpoints, so
	// allow any origin. There are no authenticated browser-facing routes.
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,PATCH,DELETE,HEAD,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Post("/cache-invalidate/:slug", s.handleCacheInvalidate)
	app.All("/w/:slug/*", s.handleWebhook)

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// dispatchBatch ships one detached batch to the store. Failures are logged
// and the batch is dropped: the sender already has its response, and the
// store's capture path is not idempotent, so a blind retry could duplicate
// rows.
func (s *Server) dispatchBatch(ctx context.Context, slug string, requests []types.BufferedRequest) {
	resp, err := s.store.CaptureBatch(ctx, slug, requests)
	if err != nil {
		s.log.Error().Str("slug", slug).Int("count", len(requests)).Err(err).Msg("batch capture failed")
		sentry.CaptureException(err)
		return
	}
	if resp.Error != "" {
		s.log.Error().Str("slug", slug).Str("storeError", resp.Error).Msg("batch capture rejected")
		return
	}
	s.log.Debug().Str("slug", slug).Int("inserted", resp.Inserted).Msg("batch captured")
}

// Listen serves until the listener is closed via Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown flushes every pending batch, waits up to the shutdown timeout
// for the in-flight dispatches, then closes the listener.
func (s *Server) Shutdown() error {
	s.log.Info().Msg("shutdown: flushing pending batches")
	s.batcher.FlushAll()

	done := make(chan struct{})
	go func() {
		s.batcher.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all pending batches flushed")
	case <-time.After(shutdownTimeout):
		s.log.Warn().Msg("shutdown timeout exceeded, some captures may be lost")
	}

	return s.app.Shutdown()
}
