package permission

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// SpaceRef identifies the space a permission check is scoped to.
type SpaceRef struct {
	Type SpaceType
	ID   int64
}

// Resolver computes effective permissions for a user, optionally scoped to a space.
type Resolver struct {
	store Store
	log   zerolog.Logger
}

// NewResolver creates a new permission resolver.
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{store: store, log: logger}
}

// Resolve computes the effective permission bitfield for userID. When space
// is nil only the role union applies; when set, space overrides are folded
// in after the role union.
func (r *Resolver) Resolve(ctx context.Context, userID int64, space *SpaceRef) (Permission, error) {
	roleEntries, err := r.store.RolePermissions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("get role permissions: %w", err)
	}

	base, everyoneRole, roleIDs := unionRoles(roleEntries)

	if base.Has(Administrator) {
		return AllPermissions, nil
	}

	if space != nil {
		overrides, err := r.store.Overrides(ctx, space.Type, space.ID)
		if err != nil {
			return 0, fmt.Errorf("get space overrides: %w", err)
		}
		base = applyOverrides(base, overrides, everyoneRole, roleIDs, userID)
	}

	if base.Has(Administrator) {
		return AllPermissions, nil
	}

	return base, nil
}

// HasPermission reports whether userID holds every bit in required, optionally scoped to space.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, space *SpaceRef, required Permission) (bool, error) {
	effective, err := r.Resolve(ctx, userID, space)
	if err != nil {
		return false, err
	}
	return effective.Has(required), nil
}

// ResolveBulk resolves permissions for every user in userIDs, issuing exactly
// one role-membership query and, when space is set, exactly one override
// query regardless of N.
func (r *Resolver) ResolveBulk(ctx context.Context, userIDs []int64, space *SpaceRef) (map[int64]Permission, error) {
	entriesByUser, err := r.store.RolePermissionsBulk(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("bulk get role permissions: %w", err)
	}

	var overrides []Override
	if space != nil {
		overrides, err = r.store.Overrides(ctx, space.Type, space.ID)
		if err != nil {
			return nil, fmt.Errorf("get space overrides: %w", err)
		}
	}

	resolved := make(map[int64]Permission, len(userIDs))
	for _, userID := range userIDs {
		base, everyoneRole, roleIDs := unionRoles(entriesByUser[userID])

		if !base.Has(Administrator) && space != nil {
			base = applyOverrides(base, overrides, everyoneRole, roleIDs, userID)
		}

		if base.Has(Administrator) {
			base = AllPermissions
		}

		resolved[userID] = base
	}

	return resolved, nil
}

// unionRoles folds every entry's permissions into a single bitfield (steps 1
// and 2 of the algorithm: @everyone plus the union of every held role), and
// returns the @everyone role id (0 if absent) plus the set of role ids held.
func unionRoles(entries []RolePermEntry) (base Permission, everyoneRole int64, roleIDs map[int64]struct{}) {
	roleIDs = make(map[int64]struct{}, len(entries))
	for _, e := range entries {
		base = base.Add(e.Permissions)
		roleIDs[e.RoleID] = struct{}{}
		if e.IsEveryone {
			everyoneRole = e.RoleID
		}
	}
	return base, everyoneRole, roleIDs
}

// applyOverrides applies a space's overrides in the three strictly-ordered
// passes: the @everyone role's override, then the union of the user's
// held-role overrides, then the user-specific override. Each pass computes
// its own combined allow/deny and applies as (perms &^ deny) | allow.
func applyOverrides(base Permission, overrides []Override, everyoneRole int64, roleIDs map[int64]struct{}, userID int64) Permission {
	var everyoneAllow, everyoneDeny Permission
	var roleAllow, roleDeny Permission
	var userOverride *Override

	for i := range overrides {
		o := &overrides[i]
		switch {
		case o.PrincipalType == PrincipalUser && o.PrincipalID == userID:
			userOverride = o
		case o.PrincipalType == PrincipalRole && o.PrincipalID == everyoneRole:
			everyoneAllow = everyoneAllow.Add(o.Allow)
			everyoneDeny = everyoneDeny.Add(o.Deny)
		case o.PrincipalType == PrincipalRole:
			if _, held := roleIDs[o.PrincipalID]; held {
				roleAllow = roleAllow.Add(o.Allow)
				roleDeny = roleDeny.Add(o.Deny)
			}
		}
	}

	base = base.Remove(everyoneDeny).Add(everyoneAllow)
	base = base.Remove(roleDeny).Add(roleAllow)

	if userOverride != nil {
		base = base.Remove(userOverride.Deny).Add(userOverride.Allow)
	}

	return base
}
