package role

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/voxchat/voxd/internal/permission"
)

// Sentinel errors for the role package.
var (
	ErrNotFound           = errors.New("role not found")
	ErrAlreadyExists      = errors.New("role name or position already taken")
	ErrNameLength         = errors.New("role name must be between 1 and 100 characters")
	ErrInvalidPosition    = errors.New("position must be non-negative")
	ErrInvalidPermissions = errors.New("permissions bitfield contains invalid bits")
	ErrMaxRolesReached    = errors.New("maximum number of roles reached")
	ErrEveryoneImmutable  = errors.New("the @everyone role cannot be deleted")
)

// Role holds the fields read from the database.
type Role struct {
	ID          int64
	Name        string
	Position    int
	Permissions permission.Permission
	IsEveryone  bool
	CreatedAt   time.Time
}

// CreateParams groups the inputs for creating a new role.
type CreateParams struct {
	Name        string
	Permissions permission.Permission
}

// UpdateParams groups the optional fields for updating a role.
type UpdateParams struct {
	Name        *string
	Position    *int
	Permissions *permission.Permission
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// ValidatePermissions checks that a non-nil permissions bitfield contains only valid permission bits.
func ValidatePermissions(perms *permission.Permission) error {
	if perms == nil {
		return nil
	}
	if *perms & ^permission.AllPermissions != 0 {
		return ErrInvalidPermissions
	}
	return nil
}

// Repository defines the data-access contract for role operations.
type Repository interface {
	List(ctx context.Context) ([]Role, error)
	GetByID(ctx context.Context, id int64) (*Role, error)
	Create(ctx context.Context, params CreateParams, maxRoles int) (*Role, error)
	Update(ctx context.Context, id int64, params UpdateParams) (*Role, error)
	Delete(ctx context.Context, id int64) error
	HighestPosition(ctx context.Context, userID int64) (int, error)
	AddMember(ctx context.Context, roleID, userID int64) error
	RemoveMember(ctx context.Context, roleID, userID int64) error
}
