package store

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/kroqdotdev/webhooks-cc/internal/config"
)

// Server exposes the store's internal HTTP actions. Every route except
// /health requires the shared secret.
type Server struct {
	app      *fiber.App
	log      zerolog.Logger
	cfg      *config.Store
	repo     Repository
	usage    *UsageScheduler
	notifier *ReceiverNotifier
}

// New wires the store server around a repository. The usage scheduler is
// owned by the server; call Close on shutdown to drain pending increments.
func New(cfg *config.Store, repo Repository, log zerolog.Logger) *Server {
	s := &Server{
		log:      log,
		cfg:      cfg,
		repo:     repo,
		notifier: NewReceiverNotifier(cfg.ReceiverURL, cfg.SharedSecret, log),
	}
	s.usage = NewUsageScheduler(repo.IncrementUsage, log)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxActionBody,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${latency}\n",
	}))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authed := app.Group("/", s.requireSecret)
	authed.Post("/capture", s.handleCapture)
	authed.Post("/capture-batch", s.handleCaptureBatch)
	authed.Get("/quota", s.handleQuota)
	authed.Get("/endpoint-info", s.handleEndpointInfo)
	authed.Post("/endpoints", s.handleCreateEndpoint)
	authed.Delete("/endpoints/:slug", s.handleDeleteEndpoint)

	s.app = app
	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// requireSecret enforces the bearer shared secret. A store deployed without
// a secret fails closed rather than serve unauthenticated writes.
func (s *Server) requireSecret(c *fiber.Ctx) error {
	if s.cfg.SharedSecret == "" {
		return c.Status(500).JSON(fiber.Map{"error": "server_misconfiguration"})
	}
	auth := c.Get("Authorization")
	expected := "Bearer " + s.cfg.SharedSecret
	if subtle.ConstantTimeCompare([]byte(auth), []byte(expected)) != 1 {
		return c.Status(401).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

// Listen serves until the listener is closed via Shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown closes the listener and drains the usage scheduler.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	s.usage.Close()
	return err
}
