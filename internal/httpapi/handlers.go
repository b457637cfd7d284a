package httpapi

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/health"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/sandbox"
	"github.com/p-blackswan/session-orchestrator/internal/session"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	registry  *session.Registry
	spawner   *session.Spawner
	ix        *index.Index
	checker   *health.Checker
	issuer    *sandbox.TokenIssuer
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	reg *session.Registry,
	spawner *session.Spawner,
	ix *index.Index,
	checker *health.Checker,
	issuer *sandbox.TokenIssuer,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		registry:  reg,
		spawner:   spawner,
		ix:        ix,
		checker:   checker,
		issuer:    issuer,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// InitSession handles POST /internal/sessions/:id/init.
func (h *Handlers) InitSession(c *fiber.Ctx) error {
	var p session.InitParams
	if err := c.BodyParser(&p); err != nil {
		return apperr.InvalidInput("invalid request body: %s", err.Error())
	}

	_, view, err := h.registry.Init(c.Context(), c.Params("id"), p)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// GetState handles GET /internal/sessions/:id/state.
func (h *Handlers) GetState(c *fiber.Ctx) error {
	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	view, err := a.State(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// CancelSession handles POST /internal/sessions/:id/cancel.
func (h *Handlers) CancelSession(c *fiber.Ctx) error {
	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	view, err := a.Cancel(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// ArchiveSession handles POST /internal/sessions/:id/archive.
func (h *Handlers) ArchiveSession(c *fiber.Ctx) error {
	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	view, err := a.Archive(c.Context())
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// SpawnContext handles POST /internal/sessions/:id/spawn-context.
func (h *Handlers) SpawnContext(c *fiber.Ctx) error {
	sc, err := h.spawner.SpawnContext(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(sc)
}

// ChildSummary handles GET /internal/sessions/:id/child-summary.
func (h *Handlers) ChildSummary(c *fiber.Ctx) error {
	summary, err := h.spawner.ChildSummary(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	if summary == nil {
		summary = []*session.ChildSummaryEntry{}
	}
	return c.JSON(fiber.Map{"children": summary})
}

// SandboxEventRequest is the body of POST /internal/sessions/:id/sandbox-event.
type SandboxEventRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SandboxEvent handles POST /internal/sessions/:id/sandbox-event.
func (h *Handlers) SandboxEvent(c *fiber.Ctx) error {
	var req SandboxEventRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidInput("invalid request body: %s", err.Error())
	}

	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	ev, err := a.RecordSandboxEvent(c.Context(), req.Type, req.Data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(ev)
}

// WSTokenRequest is the body of POST /internal/sessions/:id/ws-token.
type WSTokenRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// IssueWSToken handles POST /internal/sessions/:id/ws-token.
func (h *Handlers) IssueWSToken(c *fiber.Ctx) error {
	var req WSTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidInput("invalid request body: %s", err.Error())
	}

	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}
	token, participant, err := a.IssueWSToken(c.Context(), req.UserID, req.Name, req.Avatar)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"token":       token,
		"participant": participant,
	})
}

// ReplayEvents handles GET /internal/sessions/:id/events.
func (h *Handlers) ReplayEvents(c *fiber.Ctx) error {
	a, err := h.registry.Get(c.Context(), c.Params("id"))
	if err != nil {
		return err
	}

	var cursor *string
	if cur := c.Query("cursor"); cur != "" {
		cursor = &cur
	}
	batch, err := a.Replay(c.Context(), cursor, c.QueryInt("limit", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"events":  batch.Events,
		"hasMore": batch.HasMore,
		"cursor":  batch.Cursor,
	})
}

// ListSessions handles GET /sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)
	recs, err := h.ix.List(c.Context(), c.Query("status"), limit, offset)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*index.Record{}
	}
	return c.JSON(fiber.Map{
		"sessions": recs,
		"limit":    limit,
		"offset":   offset,
	})
}

// SpawnChild handles POST /sessions/:parentId/children.
func (h *Handlers) SpawnChild(c *fiber.Ctx) error {
	var req session.SpawnChildRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidInput("invalid request body: %s", err.Error())
	}

	view, err := h.spawner.Spawn(c.Context(), c.Params("parentId"), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// ListChildren handles GET /sessions/:parentId/children.
func (h *Handlers) ListChildren(c *fiber.Ctx) error {
	recs, err := h.spawner.ListChildren(c.Context(), c.Params("parentId"))
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []*index.Record{}
	}
	return c.JSON(fiber.Map{"children": recs})
}

// GetChild handles GET /sessions/:parentId/children/:childId.
func (h *Handlers) GetChild(c *fiber.Ctx) error {
	view, err := h.spawner.ChildDetail(c.Context(), c.Params("parentId"), c.Params("childId"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// CancelChild handles POST /sessions/:parentId/children/:childId/cancel.
func (h *Handlers) CancelChild(c *fiber.Ctx) error {
	view, err := h.spawner.CancelChild(c.Context(), c.Params("parentId"), c.Params("childId"))
	if err != nil {
		return err
	}
	return c.JSON(view)
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker != nil && !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
		})
	}
	return c.JSON(fiber.Map{"status": "ready"})
}

// requireSandboxToken authenticates the bearer token against the session
// named by the given route parameter. A missing or foreign-session token is
// rejected before the handler runs.
func (h *Handlers) requireSandboxToken(param string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := c.Get(fiber.HeaderAuthorization)
		if auth == "" {
			return apperr.Unauthorized("missing bearer token")
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token == "" {
			return apperr.Unauthorized("malformed authorization header")
		}
		if err := h.issuer.Validate(token, c.Params(param)); err != nil {
			return err
		}
		return c.Next()
	}
}
