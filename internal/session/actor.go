package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/callback"
	"github.com/p-blackswan/session-orchestrator/internal/eventlog"
	"github.com/p-blackswan/session-orchestrator/internal/index"
	"github.com/p-blackswan/session-orchestrator/internal/metrics"
	"github.com/p-blackswan/session-orchestrator/internal/protocol"
	"github.com/p-blackswan/session-orchestrator/internal/sandbox"
	"github.com/p-blackswan/session-orchestrator/pkg/tokenstore"
)

// Event types appended by the actor itself. Sandbox-originated events keep
// whatever type the sandbox reported.
const (
	EventSessionInitialized = "session_initialized"
	EventMessage            = "message"
	EventStatusChanged      = "status_changed"
	EventArtifact           = "artifact"
	EventCompletion         = "completion"
	EventToolCall           = "tool_call"
	EventSandboxStatus      = "sandbox_status"
)

const warmTimeout = 30 * time.Second

// Deps bundles everything an actor needs. All fields except Runtime and
// Callbacks are required.
type Deps struct {
	Index     *index.Index
	Log       *eventlog.Log
	Tokens    tokenstore.Store
	Runtime   sandbox.Runtime
	Issuer    *sandbox.TokenIssuer
	Callbacks *callback.Delivery
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Limits    Limits
}

// PromptInput is one prompt submission regardless of transport.
type PromptInput struct {
	Content     string
	AuthorID    string
	Source      string // "ws", "http", "agent"
	CallbackURL string
}

type callbackContext struct {
	url       string
	messageID string
}

// Actor owns all mutable state for one session. Every operation runs under
// the actor mutex, so clients always observe a consistent ordering of state
// changes and broadcasts.
type Actor struct {
	id   string
	deps Deps

	mu           sync.Mutex
	sess         *Session
	participants []*Participant
	byUser       map[string]*Participant
	byID         map[string]*Participant
	messages     []*Message
	artifacts    []*Artifact
	pending      *callbackContext

	hub    *Hub
	box    *sandbox.Controller
	logger zerolog.Logger
}

func newActor(id string, deps Deps) *Actor {
	logger := deps.Logger.With().Str("component", "actor").Str("session_id", id).Logger()
	a := &Actor{
		id:     id,
		deps:   deps,
		byUser: make(map[string]*Participant),
		byID:   make(map[string]*Participant),
		hub:    NewHub(deps.Metrics, logger),
		box:    sandbox.NewController(id, deps.Runtime, deps.Issuer, deps.Metrics, logger),
		logger: logger,
	}
	a.box.OnTransition(a.onSandboxTransition)
	return a
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

// Hub exposes the connection manager to the transport layer.
func (a *Actor) Hub() *Hub { return a.hub }

// Initialized reports whether Init has run for this actor.
func (a *Actor) Initialized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess != nil
}

// Init creates the session. Calling Init twice is a conflict.
func (a *Actor) Init(ctx context.Context, p InitParams) (*View, error) {
	if p.RepoOwner == "" || p.RepoName == "" {
		return nil, apperr.InvalidInput("repoOwner and repoName are required")
	}
	model := p.Model
	if model == "" {
		model = a.deps.Limits.DefaultModel
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return nil, apperr.Conflict("session %s already initialized", a.id)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:              a.id,
		Status:          StatusCreated,
		RepoOwner:       p.RepoOwner,
		RepoName:        p.RepoName,
		Model:           model,
		ReasoningEffort: p.ReasoningEffort,
		BaseBranch:      p.BaseBranch,
		Title:           p.Title,
		SpawnSource:     SpawnSourceUser,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.deps.Index.Create(ctx, sess.toRecord()); err != nil {
		return nil, fmt.Errorf("indexing session: %w", err)
	}
	a.sess = sess

	data, _ := json.Marshal(p)
	if _, err := a.appendLocked(ctx, EventSessionInitialized, data); err != nil {
		a.sess = nil
		if derr := a.deps.Index.Delete(ctx, a.id); derr != nil {
			a.logger.Error().Err(derr).Msg("removing index record after failed append")
		}
		return nil, err
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordSession(SpawnSourceUser)
	}
	a.logger.Info().Str("repo", p.RepoOwner+"/"+p.RepoName).Msg("session initialized")
	return a.viewLocked(), nil
}

// adoptRecord takes ownership of an already-indexed session. Used for
// spawned children and for reviving sessions after a restart.
func (a *Actor) adoptRecord(rec *index.Record) {
	a.mu.Lock()
	a.sess = sessionFromRecord(rec)
	a.mu.Unlock()
}

// hydrate rebuilds messages and artifacts from the durable event log.
func (a *Actor) hydrate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var cursor *string
	for {
		batch, err := a.deps.Log.Replay(ctx, a.id, cursor, a.deps.Limits.ReplayPageSize)
		if err != nil {
			return fmt.Errorf("replaying history: %w", err)
		}
		for _, ev := range batch.Events {
			switch ev.Type {
			case EventMessage:
				var msg Message
				if err := json.Unmarshal(ev.Data, &msg); err == nil {
					a.messages = append(a.messages, &msg)
				}
			case EventArtifact:
				var art Artifact
				if err := json.Unmarshal(ev.Data, &art); err == nil {
					a.artifacts = append(a.artifacts, &art)
				}
			}
		}
		if !batch.HasMore {
			return nil
		}
		cursor = batch.Cursor
	}
}

// State returns a consistent snapshot of the session.
func (a *Actor) State(ctx context.Context) (*View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}
	return a.viewLocked(), nil
}

// Describe returns a copy of the session core, without the collections.
func (a *Actor) Describe() (Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return Session{}, apperr.NotFound("session %s not initialized", a.id)
	}
	return *a.sess, nil
}

// SubmitPrompt records a prompt, activates the session if needed and warms
// the sandbox when none is live.
func (a *Actor) SubmitPrompt(ctx context.Context, in PromptInput) (*Message, error) {
	if in.Content == "" {
		return nil, apperr.InvalidInput("prompt content is required")
	}
	if in.Source == "" {
		in.Source = "http"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}
	if a.sess.Status.Terminal() {
		return nil, apperr.Conflict("session is %s", a.sess.Status)
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Content:   in.Content,
		AuthorID:  in.AuthorID,
		Source:    in.Source,
		CreatedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(msg)
	if _, err := a.appendLocked(ctx, EventMessage, data); err != nil {
		return nil, err
	}
	a.messages = append(a.messages, msg)

	if a.sess.Status == StatusCreated {
		if err := a.setStatusLocked(ctx, StatusActive); err != nil {
			return nil, err
		}
	}
	if in.CallbackURL != "" {
		a.pending = &callbackContext{url: in.CallbackURL, messageID: msg.ID}
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordPrompt(in.Source)
	}

	a.ensureWarmLocked()
	return msg, nil
}

// ensureWarmLocked kicks off a sandbox spawn when none is live. Clients are
// told warming started before the runtime request goes out.
func (a *Actor) ensureWarmLocked() {
	if a.box.Running() || a.box.WarmupPending() {
		return
	}
	if msg, err := protocol.NewMessage(protocol.TypeSandboxWarming, protocol.SandboxWarmingPayload{SessionID: a.id}); err == nil {
		a.hub.Broadcast(msg)
	}

	req := sandbox.SpawnRequest{
		SessionID:  a.id,
		RepoOwner:  a.sess.RepoOwner,
		RepoName:   a.sess.RepoName,
		Model:      a.sess.Model,
		BaseBranch: a.sess.BaseBranch,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), warmTimeout)
		defer cancel()
		if _, err := a.box.Spawn(ctx, req); err != nil {
			a.logger.Error().Err(err).Msg("sandbox warm failed")
		}
	}()
}

// Cancel moves the session to cancelled and tears down its sandbox.
func (a *Actor) Cancel(ctx context.Context) (*View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}
	if err := a.setStatusLocked(ctx, StatusCancelled); err != nil {
		return nil, err
	}
	if err := a.box.Stop(ctx); err != nil {
		a.logger.Error().Err(err).Msg("stopping sandbox on cancel")
	}
	a.fireCallbackLocked(EventCompletion, string(StatusCancelled), nil)
	a.logger.Info().Msg("session cancelled")
	return a.viewLocked(), nil
}

// Archive moves the session to archived. Allowed from any earlier status.
func (a *Actor) Archive(ctx context.Context) (*View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}
	wasLive := !a.sess.Status.Terminal()
	if err := a.setStatusLocked(ctx, StatusArchived); err != nil {
		return nil, err
	}
	if wasLive {
		if err := a.box.Stop(ctx); err != nil {
			a.logger.Error().Err(err).Msg("stopping sandbox on archive")
		}
	}
	return a.viewLocked(), nil
}

// RecordSandboxEvent ingests an event reported by the sandbox, appends it to
// the durable log and broadcasts it to subscribers. Completion events finish
// the session and trigger the pending callback.
func (a *Actor) RecordSandboxEvent(ctx context.Context, eventType string, data json.RawMessage) (*eventlog.Event, error) {
	if eventType == "" {
		return nil, apperr.InvalidInput("event type is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}

	switch eventType {
	case EventSandboxStatus:
		var p struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, apperr.InvalidInput("malformed sandbox_status payload")
		}
		switch p.Status {
		case sandbox.StatusRunning:
			a.box.MarkRunning()
		case sandbox.StatusStopped:
			a.box.MarkStopped()
		}
	case EventArtifact:
		var art Artifact
		if err := json.Unmarshal(data, &art); err != nil {
			return nil, apperr.InvalidInput("malformed artifact payload")
		}
		if art.ID == "" {
			art.ID = uuid.NewString()
		}
		if art.CreatedAt.IsZero() {
			art.CreatedAt = time.Now().UTC()
		}
		a.artifacts = append(a.artifacts, &art)
		data, _ = json.Marshal(&art)
	case EventCompletion:
		if !a.sess.Status.Terminal() {
			if err := a.setStatusLocked(ctx, StatusCompleted); err != nil {
				return nil, err
			}
		}
		a.fireCallbackLocked(EventCompletion, string(StatusCompleted), data)
	case EventToolCall:
		a.fireCallbackLocked(EventToolCall, "ok", data)
	}

	return a.appendLocked(ctx, eventType, data)
}

// IssueWSToken registers the user as a participant (idempotently) and mints
// a subscription token for them.
func (a *Actor) IssueWSToken(ctx context.Context, userID, name, avatar string) (string, *Participant, error) {
	if userID == "" {
		return "", nil, apperr.InvalidInput("userId is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return "", nil, apperr.NotFound("session %s not initialized", a.id)
	}

	p := a.byUser[userID]
	if p == nil {
		p = &Participant{
			ID:       uuid.NewString(),
			UserID:   userID,
			Name:     name,
			Avatar:   avatar,
			Status:   "active",
			LastSeen: time.Now().UTC(),
		}
		a.participants = append(a.participants, p)
		a.byUser[userID] = p
		a.byID[p.ID] = p
	}

	value := uuid.NewString()
	if err := a.deps.Tokens.Issue(ctx, value, a.id, p.ID, a.deps.Limits.WSTokenTTL); err != nil {
		return "", nil, fmt.Errorf("issuing ws token: %w", err)
	}
	cp := *p
	return value, &cp, nil
}

// Subscribe authenticates a connection and atomically registers it with a
// snapshot: the state view and the first replay page are taken under the same
// lock that serializes broadcasts, so the client misses nothing in between.
// A non-empty resumeCursor restarts replay where a previous connection left
// off instead of from the beginning of the log.
func (a *Actor) Subscribe(ctx context.Context, tokenValue, clientID, resumeCursor string) (*Client, *protocol.SubscribedPayload, error) {
	if tokenValue == "" {
		return nil, nil, apperr.Unauthorized("missing token")
	}
	tok, err := a.deps.Tokens.Resolve(ctx, tokenValue)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving token: %w", err)
	}
	if tok.SessionID != a.id {
		return nil, nil, apperr.Unauthorized("token is for another session")
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, nil, apperr.NotFound("session %s not initialized", a.id)
	}

	if p := a.byID[tok.ParticipantID]; p != nil {
		p.Status = "active"
		p.LastSeen = time.Now().UTC()
	}

	stateJSON, err := json.Marshal(a.viewLocked())
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling state: %w", err)
	}
	var cursor *string
	if resumeCursor != "" {
		cursor = &resumeCursor
	}
	batch, err := a.deps.Log.Replay(ctx, a.id, cursor, a.deps.Limits.ReplayPageSize)
	if err != nil {
		return nil, nil, err
	}
	eventsJSON, err := json.Marshal(batch.Events)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling events: %w", err)
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.ObserveReplayBatch(len(batch.Events))
	}

	c := NewClient(clientID, tok.ParticipantID)
	a.hub.Register(c)
	a.sendPresenceLocked(c)
	a.broadcastPresenceLocked(tok.ParticipantID)

	return c, &protocol.SubscribedPayload{
		SessionID:     a.id,
		ParticipantID: tok.ParticipantID,
		State:         stateJSON,
		Events:        eventsJSON,
		HasMore:       batch.HasMore,
		Cursor:        batch.Cursor,
	}, nil
}

// Unsubscribe removes a connection; if the participant has no other
// connection they go idle.
func (a *Actor) Unsubscribe(c *Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hub.Unregister(c)

	still := false
	for _, other := range a.hub.Clients() {
		if other.ParticipantID == c.ParticipantID {
			still = true
			break
		}
	}
	if p := a.byID[c.ParticipantID]; p != nil && !still {
		p.Status = "idle"
		p.LastSeen = time.Now().UTC()
	}
	a.broadcastPresenceLocked(c.ParticipantID)
}

// Replay returns one page of the durable event log.
func (a *Actor) Replay(ctx context.Context, cursor *string, limit int) (*eventlog.Batch, error) {
	if !a.Initialized() {
		return nil, apperr.NotFound("session %s not initialized", a.id)
	}
	if limit <= 0 || limit > a.deps.Limits.ReplayPageSize {
		limit = a.deps.Limits.ReplayPageSize
	}
	return a.deps.Log.Replay(ctx, a.id, cursor, limit)
}

// Sandbox returns the client-visible sandbox state.
func (a *Actor) Sandbox() SandboxView {
	snap := a.box.Snapshot()
	return SandboxView{ID: snap.ID, Status: snap.Status}
}

// SandboxAuthToken returns the current sandbox bearer token, empty when no
// sandbox is live.
func (a *Actor) SandboxAuthToken() string {
	return a.box.AuthToken()
}

// onSandboxTransition runs off the controller goroutine whenever the sandbox
// status changes; it records and broadcasts the transition.
func (a *Actor) onSandboxTransition(status string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return
	}
	data, _ := json.Marshal(map[string]string{"status": status})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.appendLocked(ctx, EventSandboxStatus, data); err != nil {
		a.logger.Error().Err(err).Str("status", status).Msg("recording sandbox transition")
	}
}

func (a *Actor) setStatusLocked(ctx context.Context, to Status) error {
	from := a.sess.Status
	if !CanTransition(from, to) {
		return apperr.Conflict("cannot transition session from %s to %s", from, to)
	}
	if err := a.deps.Index.UpdateStatus(ctx, a.id, string(to)); err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	a.sess.Status = to
	a.sess.UpdatedAt = time.Now().UTC()

	data, _ := json.Marshal(map[string]string{"from": string(from), "to": string(to)})
	if _, err := a.appendLocked(ctx, EventStatusChanged, data); err != nil {
		a.logger.Error().Err(err).Msg("recording status change")
	}
	return nil
}

// appendLocked writes an event to the durable log and broadcasts it. The log
// write is the commit point; a failed append is returned to the caller and
// nothing is broadcast.
func (a *Actor) appendLocked(ctx context.Context, eventType string, data json.RawMessage) (*eventlog.Event, error) {
	ev, err := a.deps.Log.Append(ctx, a.id, eventType, data)
	if err != nil {
		return nil, fmt.Errorf("appending %s event: %w", eventType, err)
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.RecordEvent(eventType)
	}

	evJSON, err := json.Marshal(ev)
	if err != nil {
		return ev, nil
	}
	if msg, err := protocol.NewMessage(protocol.TypeSandboxEvent, protocol.SandboxEventPayload{Event: evJSON}); err == nil {
		a.hub.Broadcast(msg)
	}
	return ev, nil
}

// fireCallbackLocked delivers the pending adapter callback off the actor
// goroutine. One callback context serves one prompt; completion consumes it.
func (a *Actor) fireCallbackLocked(kind, status string, data json.RawMessage) {
	if a.pending == nil || a.deps.Callbacks == nil {
		return
	}
	p := callback.Payload{
		SessionID: a.id,
		MessageID: a.pending.messageID,
		Kind:      kind,
		Status:    status,
		Data:      data,
	}
	if kind == EventCompletion {
		now := time.Now().UTC()
		p.CompletedAt = &now
	}
	url := a.pending.url
	if kind == EventCompletion {
		a.pending = nil
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := a.deps.Callbacks.Deliver(ctx, url, p); err != nil {
			a.logger.Error().Err(err).Str("kind", kind).Msg("callback delivery failed")
		}
	}()
}

func (a *Actor) viewLocked() *View {
	v := &View{
		Session:      *a.sess,
		Sandbox:      a.Sandbox(),
		Participants: make([]*Participant, 0, len(a.participants)),
		Messages:     make([]*Message, 0, len(a.messages)),
		Artifacts:    make([]*Artifact, 0, len(a.artifacts)),
	}
	for _, p := range a.participants {
		cp := *p
		v.Participants = append(v.Participants, &cp)
	}
	for _, m := range a.messages {
		cp := *m
		v.Messages = append(v.Messages, &cp)
	}
	for _, art := range a.artifacts {
		cp := *art
		v.Artifacts = append(v.Artifacts, &cp)
	}
	return v
}
