// Package member lists server members and manages per-member nicknames. Membership itself is not a separate state
// machine: every active user row is implicitly a member, so there is no pending/banned/timed-out status to track
// here — internal/user.User.Active already gates a deactivated account out of authentication entirely.
package member

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for the member package.
var (
	ErrNotFound       = errors.New("member not found")
	ErrNicknameLength = errors.New("nickname must be between 1 and 32 characters")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Member holds the fields read from the members table.
type Member struct {
	UserID   int64
	Nickname *string
	JoinedAt time.Time
}

// WithProfile combines membership fields with public user data and role assignments. Produced by queries that join
// across the members, users, and role_members tables.
type WithProfile struct {
	UserID      int64
	Username    string
	HomeDomain  string
	DisplayName *string
	Nickname    *string
	JoinedAt    time.Time
	RoleIDs     []int64
}

// ValidateNickname checks that a non-nil nickname is between 1 and 32 runes after trimming whitespace. A nil pointer
// means "clear the nickname." On success the pointed-to value is replaced with the trimmed result.
func ValidateNickname(nickname *string) error {
	if nickname == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*nickname)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 32 {
		return ErrNicknameLength
	}
	*nickname = trimmed
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for member operations.
type Repository interface {
	// List returns up to limit members ordered by join time then user id, starting after the member with the given
	// user id (for keyset pagination).
	List(ctx context.Context, after *int64, limit int) ([]WithProfile, error)
	GetByUserID(ctx context.Context, userID int64) (*WithProfile, error)

	// EnsureExists creates the member row for userID if one doesn't already exist, joined now. Idempotent, called
	// the first time a user is seen interacting with the server (registration, or a federated stub's first message).
	EnsureExists(ctx context.Context, userID int64) error

	UpdateNickname(ctx context.Context, userID int64, nickname *string) (*WithProfile, error)
}
