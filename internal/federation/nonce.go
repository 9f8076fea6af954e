package federation

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NonceStore records federation nonces so a voucher (or any other
// nonce-bearing payload) can only be accepted once.
type NonceStore interface {
	// Insert records nonce with the given expiry and reports whether this
	// call was the first to see it. A false result (no error) means the
	// nonce was already present: a replay.
	Insert(ctx context.Context, nonce string, expiresAt time.Time) (inserted bool, err error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PGNonceStore implements NonceStore against the federation_nonces table,
// relying on the primary key's uniqueness for atomic insertion-wins replay
// defence even across multiple server processes.
type PGNonceStore struct {
	db *pgxpool.Pool
}

// NewPGNonceStore creates a PostgreSQL-backed NonceStore.
func NewPGNonceStore(db *pgxpool.Pool) *PGNonceStore {
	return &PGNonceStore{db: db}
}

func (s *PGNonceStore) Insert(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO federation_nonces (nonce, expires_at) VALUES ($1, $2)
		ON CONFLICT (nonce) DO NOTHING
	`, nonce, expiresAt)
	if err != nil {
		return false, fmt.Errorf("insert federation nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGNonceStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM federation_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired federation nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}
