package permission

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	roleEntries     map[int64][]RolePermEntry
	roleErr         error
	overrides       map[string][]Override // keyed by "type:id"
	overridesErr    error
	overridesCalled int
	bulkCalled      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		roleEntries: make(map[int64][]RolePermEntry),
		overrides:   make(map[string][]Override),
	}
}

func (s *fakeStore) RolePermissions(_ context.Context, userID int64) ([]RolePermEntry, error) {
	if s.roleErr != nil {
		return nil, s.roleErr
	}
	return s.roleEntries[userID], nil
}

func (s *fakeStore) RolePermissionsBulk(_ context.Context, userIDs []int64) (map[int64][]RolePermEntry, error) {
	s.bulkCalled++
	if s.roleErr != nil {
		return nil, s.roleErr
	}
	out := make(map[int64][]RolePermEntry, len(userIDs))
	for _, id := range userIDs {
		out[id] = s.roleEntries[id]
	}
	return out, nil
}

func (s *fakeStore) Overrides(_ context.Context, spaceType SpaceType, spaceID int64) ([]Override, error) {
	s.overridesCalled++
	if s.overridesErr != nil {
		return nil, s.overridesErr
	}
	key := fmt.Sprintf("%s:%d", spaceType, spaceID)
	return s.overrides[key], nil
}

func overrideKey(spaceType SpaceType, spaceID int64) string {
	return fmt.Sprintf("%s:%d", spaceType, spaceID)
}

const (
	everyoneRoleID int64 = 1
	roleA          int64 = 100
	roleB          int64 = 101
	userID         int64 = 200
	otherUserID    int64 = 201
	spaceID        int64 = 300
)

func TestResolve_EveryoneRoleApplies(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: everyoneRoleID, Permissions: ViewSpace | ReadHistory, IsEveryone: true},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != ViewSpace|ReadHistory {
		t.Errorf("perm = %d, want %d", perm, ViewSpace|ReadHistory)
	}
}

func TestResolve_RoleUnionOR(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: everyoneRoleID, Permissions: ViewSpace, IsEveryone: true},
		{RoleID: roleA, Permissions: SendMessages},
		{RoleID: roleB, Permissions: AddReactions},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := ViewSpace | SendMessages | AddReactions
	if perm != want {
		t.Errorf("perm = %d, want %d", perm, want)
	}
}

func TestResolve_AdministratorShortCircuitsBeforeOverrides(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: Administrator},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != AllPermissions {
		t.Errorf("perm = %d, want AllPermissions", perm)
	}
	if store.overridesCalled != 0 {
		t.Error("overrides should not be fetched once Administrator short-circuits")
	}
}

func TestResolve_EveryoneOverrideApplies(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: everyoneRoleID, Permissions: ViewSpace | SendMessages, IsEveryone: true},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: everyoneRoleID, Deny: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm.Has(SendMessages) {
		t.Error("SendMessages should be denied by @everyone override")
	}
	if !perm.Has(ViewSpace) {
		t.Error("ViewSpace should still be allowed")
	}
}

func TestResolve_RoleOverrideBeatsEveryoneOverride(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: everyoneRoleID, Permissions: ViewSpace, IsEveryone: true},
		{RoleID: roleA, Permissions: SendMessages},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: everyoneRoleID, Deny: SendMessages},
		{PrincipalType: PrincipalRole, PrincipalID: roleA, Allow: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !perm.Has(SendMessages) {
		t.Error("SendMessages should be re-allowed by held-role override over @everyone deny")
	}
}

func TestResolve_UserOverrideBeatsRoleOverride(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: roleA, Deny: SendMessages},
		{PrincipalType: PrincipalUser, PrincipalID: userID, Allow: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !perm.Has(SendMessages) {
		t.Error("SendMessages should be allowed by user-specific override")
	}
}

func TestResolve_UserDenyBeatsRoleAllow(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: roleA, Allow: SendMessages},
		{PrincipalType: PrincipalUser, PrincipalID: userID, Deny: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm.Has(SendMessages) {
		t.Error("SendMessages should be denied by user-specific override even though role allows it")
	}
}

func TestResolve_DenyWinsAtSameLevel(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace},
		{RoleID: roleB, Permissions: ViewSpace},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: roleA, Allow: SendMessages},
		{PrincipalType: PrincipalRole, PrincipalID: roleB, Deny: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm.Has(SendMessages) {
		t.Error("SendMessages should be denied (deny wins at same level)")
	}
}

func TestResolve_AdministratorFromOverrideReCheckedAfter(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace},
	}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalUser, PrincipalID: userID, Allow: Administrator},
	}
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != AllPermissions {
		t.Errorf("perm = %d, want AllPermissions once Administrator is granted via override", perm)
	}
}

func TestResolve_NoOverridesWhenSpaceNil(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace},
	}
	r := NewResolver(store, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), userID, nil); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if store.overridesCalled != 0 {
		t.Error("overrides should not be fetched when no space is supplied")
	}
}

func TestResolve_NoRolesGivesZero(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	r := NewResolver(store, zerolog.Nop())

	perm, err := r.Resolve(context.Background(), userID, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if perm != 0 {
		t.Errorf("perm = %d, want 0", perm)
	}
}

func TestResolve_RolePermissionsErrorPropagated(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleErr = fmt.Errorf("db connection lost")
	r := NewResolver(store, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), userID, nil); err == nil {
		t.Fatal("Resolve() should propagate role permissions error")
	}
}

func TestResolve_OverridesErrorPropagated(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.overridesErr = fmt.Errorf("overrides query failed")
	r := NewResolver(store, zerolog.Nop())

	_, err := r.Resolve(context.Background(), userID, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err == nil {
		t.Fatal("Resolve() should propagate overrides error")
	}
}

func TestHasPermission(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{
		{RoleID: roleA, Permissions: ViewSpace | SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	has, err := r.HasPermission(context.Background(), userID, nil, ViewSpace)
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if !has {
		t.Error("should have ViewSpace")
	}

	has, err = r.HasPermission(context.Background(), userID, nil, ManageRoles)
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if has {
		t.Error("should not have ManageRoles")
	}
}

func TestResolveBulk_SingleOverrideFetchRegardlessOfN(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{{RoleID: everyoneRoleID, Permissions: ViewSpace, IsEveryone: true}}
	store.roleEntries[otherUserID] = []RolePermEntry{{RoleID: roleA, Permissions: ViewSpace | SendMessages}}
	store.overrides[overrideKey(SpaceFeed, spaceID)] = []Override{
		{PrincipalType: PrincipalRole, PrincipalID: roleA, Deny: SendMessages},
	}
	r := NewResolver(store, zerolog.Nop())

	resolved, err := r.ResolveBulk(context.Background(), []int64{userID, otherUserID}, &SpaceRef{Type: SpaceFeed, ID: spaceID})
	if err != nil {
		t.Fatalf("ResolveBulk() error = %v", err)
	}

	if store.bulkCalled != 1 {
		t.Errorf("RolePermissionsBulk called %d times, want 1", store.bulkCalled)
	}
	if store.overridesCalled != 1 {
		t.Errorf("Overrides called %d times, want 1", store.overridesCalled)
	}

	if resolved[userID] != ViewSpace {
		t.Errorf("resolved[userID] = %d, want %d", resolved[userID], ViewSpace)
	}
	if resolved[otherUserID].Has(SendMessages) {
		t.Error("resolved[otherUserID] should have SendMessages denied by role override")
	}
	if !resolved[otherUserID].Has(ViewSpace) {
		t.Error("resolved[otherUserID] should still have ViewSpace")
	}
}

func TestResolveBulk_AdministratorPerUser(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleEntries[userID] = []RolePermEntry{{RoleID: roleA, Permissions: Administrator}}
	store.roleEntries[otherUserID] = []RolePermEntry{{RoleID: roleB, Permissions: ViewSpace}}
	r := NewResolver(store, zerolog.Nop())

	resolved, err := r.ResolveBulk(context.Background(), []int64{userID, otherUserID}, nil)
	if err != nil {
		t.Fatalf("ResolveBulk() error = %v", err)
	}
	if resolved[userID] != AllPermissions {
		t.Errorf("resolved[userID] = %d, want AllPermissions", resolved[userID])
	}
	if resolved[otherUserID] != ViewSpace {
		t.Errorf("resolved[otherUserID] = %d, want %d", resolved[otherUserID], ViewSpace)
	}
}

func TestResolveBulk_RoleErrorPropagated(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.roleErr = fmt.Errorf("db down")
	r := NewResolver(store, zerolog.Nop())

	if _, err := r.ResolveBulk(context.Background(), []int64{userID}, nil); err == nil {
		t.Fatal("ResolveBulk() should propagate role permissions error")
	}
}
