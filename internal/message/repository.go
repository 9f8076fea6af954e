package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, feed_id, dm_id, author_id, body, mentions, created_at"

type idGenerator interface{ Next() int64 }

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids idGenerator
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed message repository.
func NewPGRepository(db *pgxpool.Pool, ids idGenerator, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, ids: ids, log: logger}
}

// Create inserts a new message. Exactly one of params.FeedID or params.DMID must be set; the messages table's CHECK
// constraint enforces this as a backstop.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	if err := ValidateTarget(params.FeedID, params.DMID); err != nil {
		return nil, err
	}
	mentions := params.Mentions
	if mentions == nil {
		mentions = []int64{}
	}
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(
			`INSERT INTO messages (id, feed_id, dm_id, author_id, body, mentions)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING %s`, selectColumns),
		r.ids.Next(), params.FeedID, params.DMID, params.AuthorID, params.Body, mentions,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetByID returns a single message by ID.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM messages WHERE id = $1", selectColumns), id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message by id: %w", err)
	}
	return msg, nil
}

// ListByFeed returns messages in a feed ordered newest first. When before is non-nil, only messages with a smaller
// id are returned (cursor-based pagination; ids are snowflakes, so id order matches creation order).
func (r *PGRepository) ListByFeed(ctx context.Context, feedID int64, before *int64, limit int) ([]Message, error) {
	return r.list(ctx, "feed_id", feedID, before, limit)
}

// ListByDM returns messages in a group DM ordered newest first, with the same pagination semantics as ListByFeed.
func (r *PGRepository) ListByDM(ctx context.Context, dmID int64, before *int64, limit int) ([]Message, error) {
	return r.list(ctx, "dm_id", dmID, before, limit)
}

func (r *PGRepository) list(ctx context.Context, column string, targetID int64, before *int64, limit int) ([]Message, error) {
	var rows pgx.Rows
	var err error

	if before != nil {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages WHERE %s = $1 AND id < $2 ORDER BY id DESC LIMIT $3`,
			selectColumns, column),
			targetID, *before, limit,
		)
	} else {
		rows, err = r.db.Query(ctx, fmt.Sprintf(
			`SELECT %s FROM messages WHERE %s = $1 ORDER BY id DESC LIMIT $2`,
			selectColumns, column),
			targetID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// Update sets new body text on a message.
func (r *PGRepository) Update(ctx context.Context, id int64, body string) (*Message, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE messages SET body = $1 WHERE id = $2 RETURNING %s`, selectColumns),
		body, id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	return msg, nil
}

// Delete removes a message permanently.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanMessage scans a single row into a Message struct.
func scanMessage(row pgx.Row) (*Message, error) {
	var msg Message
	err := row.Scan(&msg.ID, &msg.FeedID, &msg.DMID, &msg.AuthorID, &msg.Body, &msg.Mentions, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
