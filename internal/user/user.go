// Package user stores local and federated user identities: numeric id,
// unique (username, home_domain), and a password hash for local accounts
// only. Federated users are lazily created stub rows the first time a
// remote event references them.
package user

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for the user package.
var (
	ErrNotFound          = errors.New("user not found")
	ErrAlreadyExists     = errors.New("username already taken")
	ErrDisplayNameLength = errors.New("display name must be between 1 and 32 characters")
)

// User holds the core identity fields read from the database.
type User struct {
	ID          int64
	Username    string
	HomeDomain  string
	Federated   bool
	Active      bool
	DisplayName *string
	CreatedAt   time.Time
}

// Credentials extends User with the password hash. Only repository methods
// serving the authentication path return this type, so credential leakage
// cannot happen through a plain User read.
type Credentials struct {
	User
	PasswordHash *string // nil for federated stubs, which never authenticate locally
}

// CreateParams groups the inputs for registering a new local user.
type CreateParams struct {
	Username     string
	PasswordHash string
	HomeDomain   string
}

// UpdateParams groups the optional fields for updating a user profile.
type UpdateParams struct {
	DisplayName *string
}

// NormalizeDisplayName trims surrounding whitespace from the pointed-to value. Nil values are left untouched.
func NormalizeDisplayName(name *string) {
	if name == nil {
		return
	}
	*name = strings.TrimSpace(*name)
}

// ValidateDisplayName checks that a non-nil display name is between 1 and 32 Unicode characters.
func ValidateDisplayName(name *string) error {
	if name == nil {
		return nil
	}
	if n := utf8.RuneCountInString(*name); n < 1 || n > 32 {
		return ErrDisplayNameLength
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	// Create registers a new local user.
	Create(ctx context.Context, params CreateParams) (int64, error)
	// GetOrCreateFederatedStub returns the user row for (username, homeDomain),
	// inserting an inactive-password federated stub if none exists yet.
	GetOrCreateFederatedStub(ctx context.Context, username, homeDomain string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
	GetByUsername(ctx context.Context, username, homeDomain string) (*User, error)
	GetCredentialsByUsername(ctx context.Context, username, homeDomain string) (*Credentials, error)
	GetCredentialsByID(ctx context.Context, id int64) (*Credentials, error)
	UpdatePasswordHash(ctx context.Context, userID int64, hash string) error
	Update(ctx context.Context, id int64, params UpdateParams) (*User, error)
	Deactivate(ctx context.Context, id int64) error
	DisplayName(ctx context.Context, userID int64) (string, error)
}
