package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntryStore reads and writes federation_entries rows: bare-domain
// blocklist entries and "allow:<domain>" allowlist entries.
type EntryStore interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
	IsAllowed(ctx context.Context, domain string) (bool, error)
	Block(ctx context.Context, domain, reason string) error
}

// PGEntryStore implements EntryStore against the federation_entries table.
type PGEntryStore struct {
	db *pgxpool.Pool
}

// NewPGEntryStore creates a PostgreSQL-backed EntryStore.
func NewPGEntryStore(db *pgxpool.Pool) *PGEntryStore {
	return &PGEntryStore{db: db}
}

func (s *PGEntryStore) exists(ctx context.Context, entry string) (bool, error) {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM federation_entries WHERE entry = $1`, entry).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query federation entry %q: %w", entry, err)
	}
	return true, nil
}

func (s *PGEntryStore) IsBlocked(ctx context.Context, domain string) (bool, error) {
	return s.exists(ctx, domain)
}

func (s *PGEntryStore) IsAllowed(ctx context.Context, domain string) (bool, error) {
	return s.exists(ctx, "allow:"+domain)
}

// Block idempotently records origin as blocked; a second call for the same
// origin is a no-op, leaving exactly one row.
func (s *PGEntryStore) Block(ctx context.Context, domain, reason string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO federation_entries (entry, reason) VALUES ($1, $2)
		ON CONFLICT (entry) DO UPDATE SET reason = EXCLUDED.reason
	`, domain, reason)
	if err != nil {
		return fmt.Errorf("block federation entry %q: %w", domain, err)
	}
	return nil
}

// Decide applies spec's policy precedence: an explicit block always wins;
// otherwise a closed policy rejects everyone, an allowlist policy requires
// an explicit allow entry, and an open policy accepts any origin.
func Decide(ctx context.Context, entries EntryStore, localPolicy Policy, origin string) (bool, error) {
	blocked, err := entries.IsBlocked(ctx, origin)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}

	switch localPolicy {
	case PolicyClosed:
		return false, nil
	case PolicyAllowlist:
		return entries.IsAllowed(ctx, origin)
	default: // PolicyOpen and any unrecognized value default to open.
		return true, nil
	}
}
