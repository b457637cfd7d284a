package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
	"github.com/p-blackswan/session-orchestrator/internal/index"
)

// Registry guarantees at most one live actor per session id. Sessions that
// exist in the index but not in memory are revived on first access.
type Registry struct {
	mu     sync.Mutex
	actors map[string]*Actor
	deps   Deps
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		actors: make(map[string]*Actor),
		deps:   deps,
	}
}

// Init creates a brand-new session and its actor. An empty id gets a
// generated one. Initializing an id that already exists is a conflict.
func (r *Registry) Init(ctx context.Context, id string, p InitParams) (*Actor, *View, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[id]; ok && a.Initialized() {
		return nil, nil, apperr.Conflict("session %s already exists", id)
	}
	rec, err := r.deps.Index.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec != nil {
		return nil, nil, apperr.Conflict("session %s already exists", id)
	}

	a := newActor(id, r.deps)
	view, err := a.Init(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	r.actors[id] = a
	return a, view, nil
}

// Get returns the actor for a session, reviving it from durable state when
// needed. Unknown sessions are NotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[id]; ok {
		return a, nil
	}

	rec, err := r.deps.Index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperr.NotFound("session %s not found", id)
	}

	a := newActor(id, r.deps)
	a.adoptRecord(rec)
	if err := a.hydrate(ctx); err != nil {
		return nil, fmt.Errorf("reviving session %s: %w", id, err)
	}
	r.actors[id] = a
	r.deps.Logger.Info().Str("session_id", id).Msg("session revived from store")
	return a, nil
}

// adopt installs an actor for an already-indexed record. Used by the spawner
// after a transactional child insert.
func (r *Registry) adopt(ctx context.Context, rec *index.Record) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.actors[rec.ID]; ok {
		return a, nil
	}
	a := newActor(rec.ID, r.deps)
	a.adoptRecord(rec)

	data, _ := json.Marshal(rec)
	a.mu.Lock()
	_, err := a.appendLocked(ctx, EventSessionInitialized, data)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.actors[rec.ID] = a
	return a, nil
}

// Remove drops an actor from memory. Durable state stays; the session can be
// revived later.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, id)
}

// Len returns the number of live actors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
