package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, owner_id, name, domain, created_at"

func scanConfig(row pgx.Row) (*Config, error) {
	var cfg Config
	if err := row.Scan(&cfg.ID, &cfg.OwnerID, &cfg.Name, &cfg.Domain, &cfg.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan server config: %w", err)
	}
	return &cfg, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed server config repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Get returns the server configuration row.
func (r *PGRepository) Get(ctx context.Context) (*Config, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM server_config WHERE id = 1")
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query server config: %w", err)
	}
	return cfg, nil
}

// UpdateName renames the server and returns the updated config.
func (r *PGRepository) UpdateName(ctx context.Context, name string) (*Config, error) {
	row := r.db.QueryRow(ctx, "UPDATE server_config SET name = $1 WHERE id = 1 RETURNING "+selectColumns, name)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update server config: %w", err)
	}
	return cfg, nil
}

// SetOwner assigns userID as the server owner. Used once, at first-run bootstrap.
func (r *PGRepository) SetOwner(ctx context.Context, userID int64) error {
	tag, err := r.db.Exec(ctx, "UPDATE server_config SET owner_id = $1 WHERE id = 1", userID)
	if err != nil {
		return fmt.Errorf("set server owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
