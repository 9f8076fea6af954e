package member

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed member repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// memberQuery is the shared SELECT used by List and GetByUserID. It joins members with users and aggregates role IDs
// from role_members.
const memberQuery = `SELECT m.user_id, u.username, u.home_domain, u.display_name,
       m.nickname, m.joined_at,
       COALESCE(array_agg(rm.role_id) FILTER (WHERE rm.role_id IS NOT NULL), '{}') AS role_ids
FROM members m
JOIN users u ON u.id = m.user_id
LEFT JOIN role_members rm ON rm.user_id = m.user_id`

// List returns members ordered by (joined_at, user_id) using keyset pagination. The cursor is the user_id from the
// last item on the previous page.
func (r *PGRepository) List(ctx context.Context, after *int64, limit int) ([]WithProfile, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after == nil {
		rows, err = r.db.Query(ctx,
			memberQuery+`
GROUP BY m.user_id, u.username, u.home_domain, u.display_name, m.nickname, m.joined_at
ORDER BY m.joined_at, m.user_id
LIMIT $1`, limit)
	} else {
		rows, err = r.db.Query(ctx,
			memberQuery+` WHERE (m.joined_at, m.user_id) > (
      SELECT m2.joined_at, m2.user_id FROM members m2 WHERE m2.user_id = $1
  )
GROUP BY m.user_id, u.username, u.home_domain, u.display_name, m.nickname, m.joined_at
ORDER BY m.joined_at, m.user_id
LIMIT $2`, *after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var members []WithProfile
	for rows.Next() {
		m, err := scanWithProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// GetByUserID returns a single member by user ID.
func (r *PGRepository) GetByUserID(ctx context.Context, userID int64) (*WithProfile, error) {
	row := r.db.QueryRow(ctx,
		memberQuery+` WHERE m.user_id = $1
GROUP BY m.user_id, u.username, u.home_domain, u.display_name, m.nickname, m.joined_at`, userID)

	m, err := scanWithProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query member by user id: %w", err)
	}
	return m, nil
}

// EnsureExists inserts a members row for userID if one doesn't already exist.
func (r *PGRepository) EnsureExists(ctx context.Context, userID int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO members (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure member exists: %w", err)
	}
	return nil
}

// UpdateNickname sets or clears a member's nickname and returns the updated profile.
func (r *PGRepository) UpdateNickname(ctx context.Context, userID int64, nickname *string) (*WithProfile, error) {
	tag, err := r.db.Exec(ctx, "UPDATE members SET nickname = $1 WHERE user_id = $2", nickname, userID)
	if err != nil {
		return nil, fmt.Errorf("update nickname: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByUserID(ctx, userID)
}

// scanWithProfile scans a row into a WithProfile.
func scanWithProfile(row pgx.Row) (*WithProfile, error) {
	var m WithProfile
	err := row.Scan(
		&m.UserID, &m.Username, &m.HomeDomain, &m.DisplayName,
		&m.Nickname, &m.JoinedAt,
		&m.RoleIDs,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
