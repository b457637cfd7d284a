// Package httpapi exposes the orchestrator over HTTP: the per-session
// internal surface, the sandbox-authenticated child-session surface and the
// WebSocket endpoint clients subscribe through.
package httpapi

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/health"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/metrics"
	"github.com/p-blackswan/session-orchestrator/internal/requestid"
	"github.com/p-blackswan/session-orchestrator/internal/sandbox"
	"github.com/p-blackswan/session-orchestrator/internal/session"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	CORSOrigins string
}

// Server is the orchestrator's Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	config   Config
	logger   zerolog.Logger
}

// NewServer creates and wires the HTTP server.
func NewServer(
	cfg Config,
	reg *session.Registry,
	spawner *session.Spawner,
	ix *index.Index,
	checker *health.Checker,
	m *metrics.Metrics,
	issuer *sandbox.TokenIssuer,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	handlers := NewHandlers(reg, spawner, ix, checker, issuer, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		config:   cfg,
		logger:   logger.With().Str("component", "http_server").Logger(),
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers, m)
	return s
}

func (s *Server) setupMiddleware(cfg Config, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware
	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, OPTIONS",
		}))
	}

	// Audit middleware (log every request)
	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// Skip noisy probe logging
		if path == "/healthz" || path == "/readyz" || path == "/metrics" {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", localString(c, "request_id")).
			Msg("api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	// Per-session internal surface, consumed by the platform and the sandbox
	internal := s.app.Group("/internal/sessions/:id")
	internal.Post("/init", h.InitSession)
	internal.Get("/state", h.GetState)
	internal.Post("/cancel", h.CancelSession)
	internal.Post("/archive", h.ArchiveSession)
	internal.Post("/spawn-context", h.SpawnContext)
	internal.Get("/child-summary", h.ChildSummary)
	internal.Post("/sandbox-event", h.requireSandboxToken("id"), h.SandboxEvent)
	internal.Post("/ws-token", h.IssueWSToken)
	internal.Get("/events", h.ReplayEvents)

	// Session listing off the index store
	s.app.Get("/sessions", h.ListSessions)

	// Child-session surface, authenticated with the parent's sandbox token
	children := s.app.Group("/sessions/:parentId/children", h.requireSandboxToken("parentId"))
	children.Post("/", h.SpawnChild)
	children.Get("/", h.ListChildren)
	children.Get("/:childId", h.GetChild)
	children.Post("/:childId/cancel", h.CancelChild)

	// WebSocket endpoint
	s.app.Get("/sessions/:id/ws", upgradeRequired, s.wsHandler())
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	s.logger.Info().Str("addr", addr).Msg("http server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("http server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// errorHandler maps the error taxonomy onto HTTP statuses. Failure bodies
// always carry an "error" field; internal details never leak on a 500.
func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := apperr.StatusCode(err)
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			logger.Error().
				Err(err).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("unhandled error")
			detail = "an internal error occurred"
		}

		return c.Status(code).JSON(fiber.Map{"error": detail})
	}
}

func localString(c *fiber.Ctx, key string) string {
	if v, ok := c.Locals(key).(string); ok {
		return v
	}
	return ""
}
