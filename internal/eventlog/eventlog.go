// Package eventlog is the per-session append-only event log. Events get a
// monotonically increasing sequence number at append time; replay pages
// through the log with an opaque cursor, independent of live fan-out.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-orchestrator/internal/apperr"
)

// Event is one durable occurrence in a session's history.
type Event struct {
	Seq       int64           `json:"-"`
	ID        string          `json:"id"`
	SessionID string          `json:"-"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
}

// Batch is one bounded page of replayed events.
type Batch struct {
	Events  []*Event
	HasMore bool
	Cursor  *string // nil when the page reached the end of the log
}

// Log provides append and replay over the shared store handle.
type Log struct {
	db     *sql.DB
	logger zerolog.Logger
}

// New creates a Log over the shared store handle.
func New(db *sql.DB, logger zerolog.Logger) *Log {
	return &Log{
		db:     db,
		logger: logger.With().Str("component", "eventlog").Logger(),
	}
}

// Append durably appends an event and returns it with its assigned sequence.
func (l *Log) Append(ctx context.Context, sessionID, eventType string, data json.RawMessage) (*Event, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}

	ev := &Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UnixMilli(),
	}

	res, err := l.db.ExecContext(ctx, `
	INSERT INTO events (id, session_id, type, data, created_at)
	VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.Type, string(ev.Data), ev.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read event sequence: %w", err)
	}
	ev.Seq = seq
	return ev, nil
}

// Replay returns up to limit events after the cursor, in append order. A nil
// cursor starts from the beginning. The returned cursor is nil once the page
// reached the end of the log.
func (l *Log) Replay(ctx context.Context, sessionID string, cursor *string, limit int) (*Batch, error) {
	if limit <= 0 {
		limit = 100
	}

	afterSeq := int64(0)
	if cursor != nil {
		seq, err := decodeCursor(*cursor)
		if err != nil {
			return nil, err
		}
		afterSeq = seq
	}

	rows, err := l.db.QueryContext(ctx, `
	SELECT seq, id, type, data, created_at FROM events
	WHERE session_id = ? AND seq > ?
	ORDER BY seq ASC LIMIT ?`,
		sessionID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to replay events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{SessionID: sessionID}
		var data string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to replay events: %w", err)
	}

	batch := &Batch{Events: events}
	if len(events) > limit {
		batch.Events = events[:limit]
		batch.HasMore = true
		c := encodeCursor(batch.Events[limit-1].Seq)
		batch.Cursor = &c
	}
	return batch, nil
}

// Recent returns up to limit most recent events, oldest first, skipping the
// given event types. Used for summary projections that drop token and
// heartbeat noise; the raw log is untouched.
func (l *Log) Recent(ctx context.Context, sessionID string, limit int, exclude ...string) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT seq, id, type, data, created_at FROM events WHERE session_id = ?`
	args := []any{sessionID}
	if len(exclude) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(exclude)), ",")
		query += ` AND type NOT IN (` + placeholders + `)`
		for _, t := range exclude {
			args = append(args, t)
		}
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{SessionID: sessionID}
		var data string
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Data = json.RawMessage(data)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}

	// Reverse into append order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// Count returns the number of events recorded for a session.
func (l *Log) Count(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// Prune removes events older than the cutoff. The retained suffix keeps its
// original order and sequence numbers.
func (l *Log) Prune(ctx context.Context, sessionID string, olderThan time.Time) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM events WHERE session_id = ? AND created_at < ?`,
		sessionID, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

const cursorPrefix = "v1:"

func encodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

func decodeCursor(cursor string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperr.InvalidInput("malformed replay cursor")
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, apperr.InvalidInput("malformed replay cursor")
	}
	seq, err := strconv.ParseInt(strings.TrimPrefix(s, cursorPrefix), 10, 64)
	if err != nil {
		return 0, apperr.InvalidInput("malformed replay cursor")
	}
	return seq, nil
}
