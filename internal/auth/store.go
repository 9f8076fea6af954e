package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTokenNotFound is returned when a presented token's hash has no matching
// row, or the row has already expired.
var ErrTokenNotFound = errors.New("token not found or expired")

// TokenStore persists hashed opaque bearer tokens. Tokens are never stored in
// plaintext; only HMACIdentifier(token, serverSecret) touches the database.
type TokenStore interface {
	// Issue mints a new token of purpose for userID and stores its hash, valid for ttl.
	Issue(ctx context.Context, userID int64, purpose Purpose, ttl time.Duration) (token string, err error)
	// Resolve looks up the user a still-valid token of purpose belongs to.
	Resolve(ctx context.Context, purpose Purpose, token string) (userID int64, err error)
	// Revoke deletes a single token, e.g. on logout.
	Revoke(ctx context.Context, token string) error
	// RevokeAllForUser deletes every token belonging to userID, e.g. after a password change.
	RevokeAllForUser(ctx context.Context, userID int64) error
	// DeleteExpired purges rows whose expiry has passed, for a background sweep.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// PGTokenStore implements TokenStore against the sessions table.
type PGTokenStore struct {
	db     *pgxpool.Pool
	secret string // hex-encoded HMAC key; see config.Config.ServerSecret
}

// NewPGTokenStore creates a PGTokenStore. secret is the hex-encoded 32-byte HMAC key used to hash tokens at rest.
func NewPGTokenStore(db *pgxpool.Pool, secret string) *PGTokenStore {
	return &PGTokenStore{db: db, secret: secret}
}

func (s *PGTokenStore) hash(token string) (string, error) {
	h, err := HMACIdentifier(token, s.secret)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return h, nil
}

// Issue mints and stores a new token.
func (s *PGTokenStore) Issue(ctx context.Context, userID int64, purpose Purpose, ttl time.Duration) (string, error) {
	token, err := newOpaqueToken(purpose)
	if err != nil {
		return "", err
	}
	hash, err := s.hash(token)
	if err != nil {
		return "", err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, purpose, expires_at) VALUES ($1, $2, $3, $4)`,
		hash, userID, string(purpose), time.Now().Add(ttl),
	)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return token, nil
}

// Resolve validates that token's prefix matches purpose, then looks up the owning user id, rejecting anything
// expired or whose stored purpose disagrees (cross-purpose use).
func (s *PGTokenStore) Resolve(ctx context.Context, purpose Purpose, token string) (int64, error) {
	if got, ok := purposeOf(token); !ok || got != purpose {
		return 0, ErrTokenNotFound
	}

	hash, err := s.hash(token)
	if err != nil {
		return 0, err
	}

	var userID int64
	var storedPurpose string
	err = s.db.QueryRow(ctx,
		`SELECT user_id, purpose FROM sessions WHERE token_hash = $1 AND expires_at > now()`,
		hash,
	).Scan(&userID, &storedPurpose)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTokenNotFound
		}
		return 0, fmt.Errorf("query session: %w", err)
	}
	if storedPurpose != string(purpose) {
		return 0, ErrTokenNotFound
	}
	return userID, nil
}

// Revoke deletes the session row for token, if any.
func (s *PGTokenStore) Revoke(ctx context.Context, token string) error {
	hash, err := s.hash(token)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE token_hash = $1`, hash); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser deletes every session belonging to userID.
func (s *PGTokenStore) RevokeAllForUser(ctx context.Context, userID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("revoke all sessions: %w", err)
	}
	return nil
}

// DeleteExpired purges sessions whose expiry is before the cutoff.
func (s *PGTokenStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
