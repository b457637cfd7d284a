package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/eventlog"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/metrics"
)

// Spawn admission outcomes, used as the metric label.
const (
	spawnAllowed         = "allowed"
	spawnDepthDenied     = "depth_denied"
	spawnActiveThrottled = "active_children_throttled"
	spawnTotalThrottled  = "total_children_throttled"
	spawnRepoDenied      = "repo_denied"
)

// SpawnChildRequest is an agent's request to open a child session.
type SpawnChildRequest struct {
	Prompt          string `json:"prompt"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	BaseBranch      string `json:"baseBranch,omitempty"`
	RepoOwner       string `json:"repoOwner,omitempty"`
	RepoName        string `json:"repoName,omitempty"`
}

// ChildSummaryEntry is one child in a parent's summary projection.
type ChildSummaryEntry struct {
	SessionID    string            `json:"sessionId"`
	Status       string            `json:"status"`
	Model        string            `json:"model"`
	SpawnDepth   int               `json:"spawnDepth"`
	CreatedAt    int64             `json:"createdAt"`
	RecentEvents []*eventlog.Event `json:"recentEvents"`
}

// SpawnContextView tells a sandbox what spawning room it has left.
type SpawnContextView struct {
	SessionID         string `json:"sessionId"`
	RepoOwner         string `json:"repoOwner"`
	RepoName          string `json:"repoName"`
	Model             string `json:"model"`
	SpawnDepth        int    `json:"spawnDepth"`
	MaxSpawnDepth     int    `json:"maxSpawnDepth"`
	ActiveChildren    int    `json:"activeChildren"`
	MaxActiveChildren int    `json:"maxActiveChildren"`
	TotalChildren     int    `json:"totalChildren"`
	MaxTotalChildren  int    `json:"maxTotalChildren"`
	CanSpawn          bool   `json:"canSpawn"`
}

// Spawner admits and creates child sessions on behalf of a parent.
type Spawner struct {
	reg     *Registry
	ix      *index.Index
	log     *eventlog.Log
	limits  Limits
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewSpawner creates a spawner sharing the registry's stores.
func NewSpawner(reg *Registry, limits Limits, m *metrics.Metrics, logger zerolog.Logger) *Spawner {
	return &Spawner{
		reg:     reg,
		ix:      reg.deps.Index,
		log:     reg.deps.Log,
		limits:  limits,
		metrics: m,
		logger:  logger.With().Str("component", "spawner").Logger(),
	}
}

// Spawn admits and creates one child session. Gates run in a fixed order and
// the first failure wins: depth, live-child concurrency, lifetime total, then
// repository scope. The count gates are re-checked inside the index
// transaction, so concurrent spawns can never overshoot a cap.
func (s *Spawner) Spawn(ctx context.Context, parentID string, req SpawnChildRequest) (*View, error) {
	parent, err := s.reg.Get(ctx, parentID)
	if err != nil {
		return nil, err
	}
	ps, err := parent.Describe()
	if err != nil {
		return nil, err
	}
	if ps.Status.Terminal() {
		return nil, apperr.Conflict("parent session is %s", ps.Status)
	}
	if req.Prompt == "" {
		return nil, apperr.InvalidInput("prompt is required")
	}

	if ps.SpawnDepth+1 > s.limits.MaxSpawnDepth {
		s.record(spawnDepthDenied)
		return nil, apperr.Forbidden("spawn depth limit of %d reached", s.limits.MaxSpawnDepth)
	}
	active, err := s.ix.CountActiveChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if active >= s.limits.MaxActiveChildren {
		s.record(spawnActiveThrottled)
		return nil, apperr.RateLimited("parent already has %d live child sessions", active)
	}
	total, err := s.ix.CountChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if total >= s.limits.MaxTotalChildren {
		s.record(spawnTotalThrottled)
		return nil, apperr.RateLimited("parent already spawned %d child sessions", total)
	}
	if (req.RepoOwner != "" && req.RepoOwner != ps.RepoOwner) ||
		(req.RepoName != "" && req.RepoName != ps.RepoName) {
		s.record(spawnRepoDenied)
		return nil, apperr.Forbidden("child sessions must target the parent repository %s/%s", ps.RepoOwner, ps.RepoName)
	}

	model := req.Model
	if model == "" {
		model = ps.Model
	}
	effort := req.ReasoningEffort
	if effort == "" {
		effort = ps.ReasoningEffort
	}
	branch := req.BaseBranch
	if branch == "" {
		branch = ps.BaseBranch
	}

	now := time.Now().UTC().UnixMilli()
	rec := &index.Record{
		ID:              uuid.NewString(),
		Status:          index.StatusCreated,
		RepoOwner:       ps.RepoOwner,
		RepoName:        ps.RepoName,
		Model:           model,
		ReasoningEffort: effort,
		BaseBranch:      branch,
		ParentSessionID: parentID,
		SpawnSource:     SpawnSourceAgent,
		SpawnDepth:      ps.SpawnDepth + 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.ix.CreateChild(ctx, rec, index.ChildLimits{
		MaxActiveChildren: s.limits.MaxActiveChildren,
		MaxTotalChildren:  s.limits.MaxTotalChildren,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrRateLimited) {
			s.record(spawnTotalThrottled)
		}
		return nil, err
	}

	child, err := s.reg.adopt(ctx, rec)
	if err != nil {
		s.rollbackChild(ctx, rec.ID)
		return nil, err
	}
	if _, err := child.SubmitPrompt(ctx, PromptInput{
		Content:  req.Prompt,
		AuthorID: "session:" + parentID,
		Source:   SpawnSourceAgent,
	}); err != nil {
		s.rollbackChild(ctx, rec.ID)
		return nil, err
	}

	s.record(spawnAllowed)
	if s.metrics != nil {
		s.metrics.RecordSession(SpawnSourceAgent)
	}
	s.logger.Info().
		Str("parent_id", parentID).
		Str("child_id", rec.ID).
		Int("depth", rec.SpawnDepth).
		Msg("child session spawned")
	return child.State(ctx)
}

// ListChildren returns a parent's children, newest first.
func (s *Spawner) ListChildren(ctx context.Context, parentID string) ([]*index.Record, error) {
	if _, err := s.reg.Get(ctx, parentID); err != nil {
		return nil, err
	}
	return s.ix.ListChildren(ctx, parentID)
}

// ChildDetail returns one child's full state. Ownership is re-verified per
// request; a child of a different parent is indistinguishable from a missing
// one.
func (s *Spawner) ChildDetail(ctx context.Context, parentID, childID string) (*View, error) {
	if err := s.verifyChild(ctx, parentID, childID); err != nil {
		return nil, err
	}
	child, err := s.reg.Get(ctx, childID)
	if err != nil {
		return nil, err
	}
	return child.State(ctx)
}

// CancelChild cancels one child on the parent's behalf.
func (s *Spawner) CancelChild(ctx context.Context, parentID, childID string) (*View, error) {
	if err := s.verifyChild(ctx, parentID, childID); err != nil {
		return nil, err
	}
	child, err := s.reg.Get(ctx, childID)
	if err != nil {
		return nil, err
	}
	return child.Cancel(ctx)
}

func (s *Spawner) verifyChild(ctx context.Context, parentID, childID string) error {
	ok, err := s.ix.IsChildOf(ctx, parentID, childID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("session %s has no child %s", parentID, childID)
	}
	return nil
}

// SpawnContext builds the admission snapshot handed to a session's sandbox.
func (s *Spawner) SpawnContext(ctx context.Context, sessionID string) (*SpawnContextView, error) {
	a, err := s.reg.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess, err := a.Describe()
	if err != nil {
		return nil, err
	}
	active, err := s.ix.CountActiveChildren(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	total, err := s.ix.CountChildren(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SpawnContextView{
		SessionID:         sessionID,
		RepoOwner:         sess.RepoOwner,
		RepoName:          sess.RepoName,
		Model:             sess.Model,
		SpawnDepth:        sess.SpawnDepth,
		MaxSpawnDepth:     s.limits.MaxSpawnDepth,
		ActiveChildren:    active,
		MaxActiveChildren: s.limits.MaxActiveChildren,
		TotalChildren:     total,
		MaxTotalChildren:  s.limits.MaxTotalChildren,
		CanSpawn: sess.SpawnDepth+1 <= s.limits.MaxSpawnDepth &&
			active < s.limits.MaxActiveChildren &&
			total < s.limits.MaxTotalChildren &&
			!sess.Status.Terminal(),
	}, nil
}

// ChildSummary projects each child with a noise-filtered slice of its recent
// history, sized for inclusion in a parent prompt.
func (s *Spawner) ChildSummary(ctx context.Context, parentID string) ([]*ChildSummaryEntry, error) {
	children, err := s.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	out := make([]*ChildSummaryEntry, 0, len(children))
	for _, c := range children {
		recent, err := s.log.Recent(ctx, c.ID, s.limits.EventWindowSize, NoiseEventTypes...)
		if err != nil {
			return nil, err
		}
		out = append(out, &ChildSummaryEntry{
			SessionID:    c.ID,
			Status:       c.Status,
			Model:        c.Model,
			SpawnDepth:   c.SpawnDepth,
			CreatedAt:    c.CreatedAt,
			RecentEvents: recent,
		})
	}
	return out, nil
}

// rollbackChild undoes a child insert whose bootstrap failed, so the partial
// child neither shows up in listings nor counts against the parent's caps.
func (s *Spawner) rollbackChild(ctx context.Context, childID string) {
	s.reg.Remove(childID)
	if err := s.ix.Delete(ctx, childID); err != nil {
		s.logger.Error().Err(err).Str("child_id", childID).Msg("rolling back child insert")
	}
}

func (s *Spawner) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSpawnDecision(outcome)
	}
}
