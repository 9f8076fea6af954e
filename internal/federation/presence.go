package federation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PresenceSubscriptionStore records which remote domains want to be notified
// of a local user's presence changes. Persisted (not an in-process map) so
// subscriptions survive a restart, per spec.md's federation presence note.
type PresenceSubscriptionStore interface {
	Subscribe(ctx context.Context, domain, userAddress string) error
	Unsubscribe(ctx context.Context, domain, userAddress string) error
	SubscribersFor(ctx context.Context, userAddress string) ([]string, error)
}

// PGPresenceSubscriptionStore implements PresenceSubscriptionStore against
// the federation_presence_subscriptions table.
type PGPresenceSubscriptionStore struct {
	db *pgxpool.Pool
}

// NewPGPresenceSubscriptionStore creates a PostgreSQL-backed PresenceSubscriptionStore.
func NewPGPresenceSubscriptionStore(db *pgxpool.Pool) *PGPresenceSubscriptionStore {
	return &PGPresenceSubscriptionStore{db: db}
}

// Subscribe idempotently records that domain wants presence updates for userAddress.
func (s *PGPresenceSubscriptionStore) Subscribe(ctx context.Context, domain, userAddress string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO federation_presence_subscriptions (domain, user_address) VALUES ($1, $2)
		ON CONFLICT (domain, user_address) DO NOTHING
	`, domain, userAddress)
	if err != nil {
		return fmt.Errorf("subscribe %q to %q presence: %w", domain, userAddress, err)
	}
	return nil
}

// Unsubscribe removes a subscription, if any.
func (s *PGPresenceSubscriptionStore) Unsubscribe(ctx context.Context, domain, userAddress string) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM federation_presence_subscriptions WHERE domain = $1 AND user_address = $2
	`, domain, userAddress)
	if err != nil {
		return fmt.Errorf("unsubscribe %q from %q presence: %w", domain, userAddress, err)
	}
	return nil
}

// SubscribersFor returns every domain currently subscribed to userAddress's presence.
func (s *PGPresenceSubscriptionStore) SubscribersFor(ctx context.Context, userAddress string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT domain FROM federation_presence_subscriptions WHERE user_address = $1
	`, userAddress)
	if err != nil {
		return nil, fmt.Errorf("query presence subscribers for %q: %w", userAddress, err)
	}
	defer rows.Close()

	var domains []string
	for rows.Next() {
		var domain string
		if err := rows.Scan(&domain); err != nil {
			return nil, fmt.Errorf("scan presence subscriber row: %w", err)
		}
		domains = append(domains, domain)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence subscribers for %q: %w", userAddress, err)
	}
	return domains, nil
}
