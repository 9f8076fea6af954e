package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/permission"
)

// fakePermissionStore implements permission.Store (and permission.OverrideStore) for handler tests. Role membership
// and space overrides are set up directly by the test rather than flowing through a role/space repository.
type fakePermissionStore struct {
	everyone  permission.Permission
	userRoles map[int64][]permission.RolePermEntry
	overrides map[string][]permission.Override
}

func newFakePermissionStore() *fakePermissionStore {
	return &fakePermissionStore{
		userRoles: make(map[int64][]permission.RolePermEntry),
		overrides: make(map[string][]permission.Override),
	}
}

func overrideKey(spaceType permission.SpaceType, spaceID int64) string {
	return fmt.Sprintf("%s:%d", spaceType, spaceID)
}

func (s *fakePermissionStore) grant(userID int64, perms permission.Permission) {
	s.userRoles[userID] = append(s.userRoles[userID], permission.RolePermEntry{
		RoleID:      userID + 1000,
		Permissions: perms,
	})
}

func (s *fakePermissionStore) RolePermissions(_ context.Context, userID int64) ([]permission.RolePermEntry, error) {
	entries := append([]permission.RolePermEntry{{RoleID: 0, Permissions: s.everyone, IsEveryone: true}}, s.userRoles[userID]...)
	return entries, nil
}

func (s *fakePermissionStore) RolePermissionsBulk(_ context.Context, userIDs []int64) (map[int64][]permission.RolePermEntry, error) {
	out := make(map[int64][]permission.RolePermEntry, len(userIDs))
	for _, id := range userIDs {
		out[id] = append([]permission.RolePermEntry{{RoleID: 0, Permissions: s.everyone, IsEveryone: true}}, s.userRoles[id]...)
	}
	return out, nil
}

func (s *fakePermissionStore) Overrides(_ context.Context, spaceType permission.SpaceType, spaceID int64) ([]permission.Override, error) {
	return s.overrides[overrideKey(spaceType, spaceID)], nil
}

func (s *fakePermissionStore) setOverride(spaceType permission.SpaceType, spaceID int64, o permission.Override) {
	key := overrideKey(spaceType, spaceID)
	s.overrides[key] = append(s.overrides[key], o)
}

func newTestResolver(store *fakePermissionStore) *permission.Resolver {
	return permission.NewResolver(store, zerolog.Nop())
}
