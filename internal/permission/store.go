package permission

import (
	"context"
	"errors"
)

// ErrOverrideNotFound is returned when a permission override does not exist.
var ErrOverrideNotFound = errors.New("permission override not found")

// Override represents a role or user-level permission override on a space.
type Override struct {
	PrincipalType PrincipalType
	PrincipalID   int64
	Allow         Permission
	Deny          Permission
}

// RolePermEntry pairs a role with the permissions bitfield a user holds it
// for, and whether the role is the space's implicit @everyone role.
type RolePermEntry struct {
	RoleID      int64
	Permissions Permission
	IsEveryone  bool
}

// OverrideRow is a full permission_overrides row.
type OverrideRow struct {
	SpaceType     SpaceType
	SpaceID       int64
	PrincipalType PrincipalType
	PrincipalID   int64
	Allow         Permission
	Deny          Permission
}

// OverrideStore provides write access to permission overrides.
type OverrideStore interface {
	Set(ctx context.Context, spaceType SpaceType, spaceID int64, principalType PrincipalType, principalID int64, allow, deny Permission) (*OverrideRow, error)
	Delete(ctx context.Context, spaceType SpaceType, spaceID int64, principalType PrincipalType, principalID int64) error
}

// Store provides read access to permission-related data.
type Store interface {
	// RolePermissions returns every role entry applicable to userID: the
	// roles userID holds plus the implicit @everyone role, regardless of
	// whether userID explicitly holds it.
	RolePermissions(ctx context.Context, userID int64) ([]RolePermEntry, error)

	// RolePermissionsBulk is the N-user variant of RolePermissions, issued
	// as one call for all userIDs.
	RolePermissionsBulk(ctx context.Context, userIDs []int64) (map[int64][]RolePermEntry, error)

	// Overrides returns every override recorded against the given space, in
	// a single round-trip.
	Overrides(ctx context.Context, spaceType SpaceType, spaceID int64) ([]Override, error)
}
