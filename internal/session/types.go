// Package session hosts the per-session orchestration actor: the single
// point of authority for one session's state, its client connections, its
// sandbox lifecycle and the admission-controlled spawning of child sessions.
package session

import (
	"encoding/json"
	"time"

	"github.com/p-blackswan/session-orchestrator/internal/index"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusArchived  Status = "archived"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether a status change is allowed. Transitions are
// one-way: created → active → {completed, cancelled}, with archived
// reachable from any of the first three.
func CanTransition(from, to Status) bool {
	if from == to {
		return false
	}
	switch to {
	case StatusActive:
		return from == StatusCreated
	case StatusCompleted, StatusCancelled:
		return from == StatusCreated || from == StatusActive
	case StatusArchived:
		return from != StatusArchived
	default:
		return false
	}
}

// Spawn sources.
const (
	SpawnSourceUser  = "user"
	SpawnSourceAgent = "agent"
)

// Noise event types excluded from summary projections but kept in the raw log.
var NoiseEventTypes = []string{"token", "heartbeat"}

// Session is the actor-owned session state.
type Session struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	RepoOwner       string    `json:"repoOwner"`
	RepoName        string    `json:"repoName"`
	Model           string    `json:"model"`
	ReasoningEffort string    `json:"reasoningEffort,omitempty"`
	BaseBranch      string    `json:"baseBranch,omitempty"`
	Title           string    `json:"title,omitempty"`
	ParentSessionID string    `json:"parentSessionId,omitempty"`
	SpawnSource     string    `json:"spawnSource"`
	SpawnDepth      int       `json:"spawnDepth"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Participant is one distinct identity connected to the session. Never
// deleted, only goes stale.
type Participant struct {
	ID       string    `json:"participantId"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Status   string    `json:"status"` // "active" | "idle"
	LastSeen time.Time `json:"lastSeen"`
}

// Message is one prompt sent into the session. Immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	AuthorID  string    `json:"authorId"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// Artifact is an output of the session reported by the sandbox.
type Artifact struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	URL       string          `json:"url,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// View is the read-only projection of an actor's state.
type View struct {
	Session
	Sandbox      SandboxView    `json:"sandbox"`
	Participants []*Participant `json:"participants"`
	Messages     []*Message     `json:"messages"`
	Artifacts    []*Artifact    `json:"artifacts"`
}

// SandboxView is the client-visible sandbox state; the auth token never
// leaves the actor.
type SandboxView struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// InitParams are the inputs to Actor.Init.
type InitParams struct {
	RepoOwner       string `json:"repoOwner"`
	RepoName        string `json:"repoName"`
	UserID          string `json:"userId"`
	SCMLogin        string `json:"scmLogin"`
	Model           string `json:"model"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	BaseBranch      string `json:"baseBranch,omitempty"`
	Title           string `json:"title,omitempty"`
}

// Limits bundles admission caps and paging defaults handed to actors.
type Limits struct {
	MaxSpawnDepth     int
	MaxActiveChildren int
	MaxTotalChildren  int
	ReplayPageSize    int
	EventWindowSize   int
	WSTokenTTL        time.Duration
	DefaultModel      string
}

// DefaultLimits mirrors the orchestrator's built-in configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxSpawnDepth:     2,
		MaxActiveChildren: 5,
		MaxTotalChildren:  15,
		ReplayPageSize:    100,
		EventWindowSize:   50,
		WSTokenTTL:        24 * time.Hour,
	}
}

func (s *Session) toRecord() *index.Record {
	return &index.Record{
		ID:              s.ID,
		Status:          string(s.Status),
		RepoOwner:       s.RepoOwner,
		RepoName:        s.RepoName,
		Model:           s.Model,
		ReasoningEffort: s.ReasoningEffort,
		BaseBranch:      s.BaseBranch,
		ParentSessionID: s.ParentSessionID,
		SpawnSource:     s.SpawnSource,
		SpawnDepth:      s.SpawnDepth,
		CreatedAt:       s.CreatedAt.UnixMilli(),
		UpdatedAt:       s.UpdatedAt.UnixMilli(),
	}
}

func sessionFromRecord(rec *index.Record) *Session {
	return &Session{
		ID:              rec.ID,
		Status:          Status(rec.Status),
		RepoOwner:       rec.RepoOwner,
		RepoName:        rec.RepoName,
		Model:           rec.Model,
		ReasoningEffort: rec.ReasoningEffort,
		BaseBranch:      rec.BaseBranch,
		ParentSessionID: rec.ParentSessionID,
		SpawnSource:     rec.SpawnSource,
		SpawnDepth:      rec.SpawnDepth,
		CreatedAt:       time.UnixMilli(rec.CreatedAt),
		UpdatedAt:       time.UnixMilli(rec.UpdatedAt),
	}
}
