// Package index is the cross-session relational projection. Session actors
// own their state; the index mirrors it so listing, parent→child queries and
// spawn admission counts work across actors. Reads may trail the owning
// actor, writes for child creation are transactional so the admission gates
// cannot be raced past.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
)

// Session statuses mirrored from the owning actors.
const (
	StatusCreated   = "created"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusArchived  = "archived"
)

// IsTerminal reports whether a status is final.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// Record is the indexed mirror of one session.
type Record struct {
	ID              string
	Status          string
	RepoOwner       string
	RepoName        string
	Model           string
	ReasoningEffort string
	BaseBranch      string
	ParentSessionID string
	SpawnSource     string
	SpawnDepth      int
	CreatedAt       int64
	UpdatedAt       int64
}

// ChildLimits are the admission caps applied inside CreateChild.
type ChildLimits struct {
	MaxActiveChildren int
	MaxTotalChildren  int
}

// Index provides cross-actor queries over the sessions table.
type Index struct {
	db     *sql.DB
	mu     sync.Mutex // serializes child-creation transactions
	logger zerolog.Logger
}

// New creates an Index over the shared store handle.
func New(db *sql.DB, logger zerolog.Logger) *Index {
	return &Index{
		db:     db,
		logger: logger.With().Str("component", "index").Logger(),
	}
}

// Create inserts a session record. Fails if the id already exists.
func (ix *Index) Create(ctx context.Context, rec *Record) error {
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err := ix.db.ExecContext(ctx, `
	INSERT INTO sessions (
		id, status, repo_owner, repo_name, model, reasoning_effort,
		base_branch, parent_session_id, spawn_source, spawn_depth,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.RepoOwner, rec.RepoName, rec.Model,
		nullable(rec.ReasoningEffort), nullable(rec.BaseBranch),
		nullable(rec.ParentSessionID), rec.SpawnSource, rec.SpawnDepth,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// Get retrieves a session record by id. Returns nil, nil when absent.
func (ix *Index) Get(ctx context.Context, id string) (*Record, error) {
	row := ix.db.QueryRowContext(ctx, selectColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return rec, nil
}

// Delete removes a session record by id.
func (ix *Index) Delete(ctx context.Context, id string) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// UpdateStatus mirrors a status change from the owning actor.
func (ix *Index) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := ix.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return apperr.NotFound("session not indexed: %s", id)
	}
	return nil
}

// List returns session records, optionally filtered by status, newest first.
func (ix *Index) List(ctx context.Context, status string, limit, offset int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectColumns + ` FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	return ix.queryRecords(ctx, query, args...)
}

// ListChildren returns the children of a parent, newest created first.
func (ix *Index) ListChildren(ctx context.Context, parentID string) ([]*Record, error) {
	return ix.queryRecords(ctx,
		selectColumns+` FROM sessions WHERE parent_session_id = ? ORDER BY created_at DESC, id DESC`,
		parentID)
}

// CountActiveChildren counts a parent's non-terminal children.
func (ix *Index) CountActiveChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sessions
	WHERE parent_session_id = ? AND status NOT IN (?, ?, ?)`,
		parentID, StatusCompleted, StatusCancelled, StatusArchived).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active children: %w", err)
	}
	return n, nil
}

// CountChildren counts a parent's children regardless of status.
func (ix *Index) CountChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count children: %w", err)
	}
	return n, nil
}

// IsChildOf reports whether childID has parentID as its recorded parent.
func (ix *Index) IsChildOf(ctx context.Context, parentID, childID string) (bool, error) {
	var n int
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ? AND parent_session_id = ?`,
		childID, parentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ancestry: %w", err)
	}
	return n > 0, nil
}

// SpawnDepth returns a session's recorded spawn depth, 0 when unknown.
func (ix *Index) SpawnDepth(ctx context.Context, id string) (int, error) {
	var depth int
	err := ix.db.QueryRowContext(ctx,
		`SELECT spawn_depth FROM sessions WHERE id = ?`, id).Scan(&depth)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get spawn depth: %w", err)
	}
	return depth, nil
}

// CreateChild inserts a child record with the concurrency and total caps
// evaluated inside the same transaction as the insert. Two simultaneous
// spawns against one remaining slot therefore cannot both pass: the counts
// and the insert commit atomically. Returns RateLimited when a cap is hit.
func (ix *Index) CreateChild(ctx context.Context, rec *Record, limits ChildLimits) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin child creation: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
	SELECT COUNT(*) FROM sessions
	WHERE parent_session_id = ? AND status NOT IN (?, ?, ?)`,
		rec.ParentSessionID, StatusCompleted, StatusCancelled, StatusArchived).Scan(&active)
	if err != nil {
		return fmt.Errorf("failed to count active children: %w", err)
	}
	if active >= limits.MaxActiveChildren {
		return apperr.RateLimited("parent %s already has %d active child sessions (max %d)",
			rec.ParentSessionID, active, limits.MaxActiveChildren)
	}

	var total int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE parent_session_id = ?`,
		rec.ParentSessionID).Scan(&total)
	if err != nil {
		return fmt.Errorf("failed to count children: %w", err)
	}
	if total >= limits.MaxTotalChildren {
		return apperr.RateLimited("parent %s already has %d total child sessions (max %d)",
			rec.ParentSessionID, total, limits.MaxTotalChildren)
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	if rec.UpdatedAt == 0 {
		rec.UpdatedAt = rec.CreatedAt
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO sessions (
		id, status, repo_owner, repo_name, model, reasoning_effort,
		base_branch, parent_session_id, spawn_source, spawn_depth,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Status, rec.RepoOwner, rec.RepoName, rec.Model,
		nullable(rec.ReasoningEffort), nullable(rec.BaseBranch),
		nullable(rec.ParentSessionID), rec.SpawnSource, rec.SpawnDepth,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert child record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit child creation: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, status, repo_owner, repo_name, model, reasoning_effort,
	       base_branch, parent_session_id, spawn_source, spawn_depth,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var reasoningEffort, baseBranch, parentID sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Status, &rec.RepoOwner, &rec.RepoName, &rec.Model,
		&reasoningEffort, &baseBranch, &parentID, &rec.SpawnSource,
		&rec.SpawnDepth, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ReasoningEffort = reasoningEffort.String
	rec.BaseBranch = baseBranch.String
	rec.ParentSessionID = parentID.String
	return rec, nil
}

func (ix *Index) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
