package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/metrics"
)

// State is the actor-visible snapshot of a session's sandbox.
type State struct {
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	AuthToken string `json:"-"`
}

// Controller drives one session's sandbox through
// absent → warming → running → stopped. A stopped sandbox may be replaced
// by spawning again, which issues a fresh auth token.
type Controller struct {
	sessionID string
	runtime   Runtime
	issuer    *TokenIssuer
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu        sync.Mutex
	sandboxID string
	status    string
	authToken string

	// onTransition is invoked outside the lock after each status change so
	// the actor can append a status event and broadcast it.
	onTransition func(status string)
}

// NewController creates a controller for one session.
func NewController(sessionID string, runtime Runtime, issuer *TokenIssuer, m *metrics.Metrics, logger zerolog.Logger) *Controller {
	if runtime == nil {
		runtime = NopRuntime{}
	}
	return &Controller{
		sessionID: sessionID,
		runtime:   runtime,
		issuer:    issuer,
		metrics:   m,
		status:    StatusAbsent,
		logger:    logger.With().Str("component", "sandbox").Str("session_id", sessionID).Logger(),
	}
}

// OnTransition registers the status-change callback.
func (c *Controller) OnTransition(fn func(status string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTransition = fn
}

// Snapshot returns the current sandbox state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{ID: c.sandboxID, Status: c.status, AuthToken: c.authToken}
}

// WarmupPending reports whether a spawn is currently in flight.
func (c *Controller) WarmupPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusWarming
}

// Running reports whether the sandbox is up.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusRunning
}

// AuthToken returns the sandbox's current bearer token, empty when no
// sandbox has been spawned.
func (c *Controller) AuthToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

// Spawn brings up a sandbox. Returns false without error when a warm-up is
// already in flight or the sandbox is running (idempotent). A stopped
// sandbox is replaced with a fresh identity and token.
func (c *Controller) Spawn(ctx context.Context, req SpawnRequest) (bool, error) {
	c.mu.Lock()
	if c.status == StatusWarming || c.status == StatusRunning {
		c.mu.Unlock()
		return false, nil
	}

	token, err := c.issuer.Issue(c.sessionID)
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("issuing sandbox token: %w", err)
	}

	prev := c.status
	c.sandboxID = uuid.New().String()
	c.authToken = token
	c.setStatusLocked(StatusWarming)
	c.mu.Unlock()

	req.SessionID = c.sessionID
	req.AuthToken = token

	if err := c.runtime.Spawn(ctx, req); err != nil {
		c.mu.Lock()
		c.authToken = ""
		c.sandboxID = ""
		c.setStatusLocked(prev)
		c.mu.Unlock()
		return false, fmt.Errorf("runtime spawn: %w", err)
	}

	c.logger.Info().Msg("sandbox warming")
	return true, nil
}

// MarkRunning records that the sandbox reported itself up.
func (c *Controller) MarkRunning() {
	c.mu.Lock()
	if c.status != StatusWarming {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusRunning)
	c.mu.Unlock()
	c.logger.Info().Msg("sandbox running")
}

// MarkStopped records a stop the sandbox reported on its own, without
// issuing a runtime teardown.
func (c *Controller) MarkStopped() {
	c.mu.Lock()
	if c.status == StatusAbsent || c.status == StatusStopped {
		c.mu.Unlock()
		return
	}
	c.setStatusLocked(StatusStopped)
	c.mu.Unlock()
	c.logger.Info().Msg("sandbox reported stopped")
}

// Stop tears down the sandbox. Stopping an absent or already-stopped
// sandbox is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.status == StatusAbsent || c.status == StatusStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.runtime.Stop(ctx, c.sessionID); err != nil {
		return fmt.Errorf("runtime stop: %w", err)
	}

	c.mu.Lock()
	c.setStatusLocked(StatusStopped)
	c.mu.Unlock()
	c.logger.Info().Msg("sandbox stopped")
	return nil
}

// setStatusLocked updates the status and schedules the transition callback.
// Caller must hold c.mu; the callback runs on its own goroutine so the
// actor can re-enter the controller.
func (c *Controller) setStatusLocked(status string) {
	if c.status == status {
		return
	}
	c.status = status
	if c.metrics != nil {
		c.metrics.RecordSandboxTransition(status)
	}
	if fn := c.onTransition; fn != nil {
		go fn(status)
	}
}
