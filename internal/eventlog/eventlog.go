// Package eventlog persists syncable dispatch events and provides Since as a
// catch-up read over them. No HTTP route serves Since: cmd/voxd registers no
// sync endpoint, so clients cannot read the log back.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxchat/voxd/internal/event"
	"github.com/voxchat/voxd/internal/snowflake"
)

// Entry is a single row of the durable event log.
type Entry struct {
	ID        int64
	Type      string
	Payload   json.RawMessage
	CreatedMS int64
}

// Repository provides append and catch-up access to the event log.
type Repository interface {
	Append(ctx context.Context, eventType string, payload json.RawMessage, createdMS int64) (int64, error)
	Since(ctx context.Context, sinceMS int64, categories []string, limit int) ([]Entry, bool, error)
	DeleteOlderThan(ctx context.Context, cutoffMS int64) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids *snowflake.Generator
}

// NewPGRepository creates a new PostgreSQL-backed event log.
func NewPGRepository(db *pgxpool.Pool, ids *snowflake.Generator) *PGRepository {
	return &PGRepository{db: db, ids: ids}
}

// Append inserts a new event log row and returns its generated id.
func (r *PGRepository) Append(ctx context.Context, eventType string, payload json.RawMessage, createdMS int64) (int64, error) {
	id := r.ids.Next()
	_, err := r.db.Exec(ctx,
		"INSERT INTO event_log (id, event_type, payload, created_ms) VALUES ($1, $2, $3, $4)",
		id, eventType, payload, createdMS,
	)
	if err != nil {
		return 0, fmt.Errorf("append event log entry: %w", err)
	}
	return id, nil
}

// Since returns events strictly newer than sinceMS, oldest first, optionally
// restricted to the given categories' types, bounded to limit rows. hasMore
// reports whether additional rows exist beyond the returned page.
func (r *PGRepository) Since(ctx context.Context, sinceMS int64, categories []string, limit int) ([]Entry, bool, error) {
	var rows pgx.Rows
	var err error

	// limit+1 so the caller can detect a further page without a second query.
	if len(categories) > 0 {
		types := categoriesToTypes(categories)
		rows, err = r.db.Query(ctx,
			`SELECT id, event_type, payload, created_ms FROM event_log
			 WHERE created_ms > $1 AND event_type = ANY($2)
			 ORDER BY created_ms ASC, id ASC LIMIT $3`,
			sinceMS, types, limit+1,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, event_type, payload, created_ms FROM event_log
			 WHERE created_ms > $1
			 ORDER BY created_ms ASC, id ASC LIMIT $2`,
			sinceMS, limit+1,
		)
	}
	if err != nil {
		return nil, false, fmt.Errorf("query event log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.CreatedMS); err != nil {
			return nil, false, fmt.Errorf("scan event log entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate event log: %w", err)
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return entries, hasMore, nil
}

// DeleteOlderThan removes rows past the retention window and returns the
// number deleted.
func (r *PGRepository) DeleteOlderThan(ctx context.Context, cutoffMS int64) (int64, error) {
	tag, err := r.db.Exec(ctx, "DELETE FROM event_log WHERE created_ms < $1", cutoffMS)
	if err != nil {
		return 0, fmt.Errorf("delete expired event log rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// categoriesToTypes expands each requested category back into its member
// event types. Unknown categories contribute nothing.
func categoriesToTypes(categories []string) []string {
	var types []string
	for _, cat := range categories {
		types = append(types, event.TypesInCategory(cat)...)
	}
	return types
}
