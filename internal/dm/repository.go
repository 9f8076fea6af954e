package dm

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/postgres"
)

type idGenerator interface{ Next() int64 }

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids idGenerator
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed dm repository.
func NewPGRepository(db *pgxpool.Pool, ids idGenerator, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, ids: ids, log: logger}
}

// Create inserts a new dm_channels row and its participant rows inside one transaction.
func (r *PGRepository) Create(ctx context.Context, participantIDs []int64) (*Channel, error) {
	if err := ValidateParticipants(participantIDs); err != nil {
		return nil, err
	}

	id := r.ids.Next()
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "INSERT INTO dm_channels (id) VALUES ($1)", id); err != nil {
			return fmt.Errorf("insert dm channel: %w", err)
		}
		for _, userID := range participantIDs {
			if _, err := tx.Exec(ctx,
				"INSERT INTO dm_participants (dm_id, user_id) VALUES ($1, $2)", id, userID,
			); err != nil {
				return fmt.Errorf("insert dm participant: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Channel{ID: id}, nil
}

// ParticipantIDs returns every user id belonging to dmID.
func (r *PGRepository) ParticipantIDs(ctx context.Context, dmID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, "SELECT user_id FROM dm_participants WHERE dm_id = $1", dmID)
	if err != nil {
		return nil, fmt.Errorf("query dm participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan dm participant: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dm participants: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

// IsParticipant reports whether userID belongs to dmID.
func (r *PGRepository) IsParticipant(ctx context.Context, dmID int64, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM dm_participants WHERE dm_id = $1 AND user_id = $2)", dmID, userID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check dm participant: %w", err)
	}
	return exists, nil
}
