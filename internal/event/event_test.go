package event

import "testing"

func TestSyncable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ      Type
		wantCat  string
		wantSync bool
	}{
		{TypeFeedCreate, "feeds", true},
		{TypeRoleDelete, "roles", true},
		{TypeMessageCreate, "", false},
		{TypePresenceUpdate, "", false},
		{TypeTypingStart, "", false},
	}

	for _, tt := range tests {
		cat, ok := Syncable(tt.typ)
		if ok != tt.wantSync {
			t.Errorf("Syncable(%s) ok = %v, want %v", tt.typ, ok, tt.wantSync)
		}
		if cat != tt.wantCat {
			t.Errorf("Syncable(%s) category = %q, want %q", tt.typ, cat, tt.wantCat)
		}
	}
}

func TestTypesInCategory(t *testing.T) {
	t.Parallel()

	types := TypesInCategory("roles")
	want := map[string]bool{"role_create": true, "role_update": true, "role_delete": true}
	if len(types) != len(want) {
		t.Fatalf("TypesInCategory(roles) = %v, want 3 entries", types)
	}
	for _, typ := range types {
		if !want[typ] {
			t.Errorf("unexpected type %q in category roles", typ)
		}
	}
}

func TestCategories_NoDuplicates(t *testing.T) {
	t.Parallel()

	seen := make(map[string]int)
	for _, cat := range Categories() {
		seen[cat]++
	}
	for cat, count := range seen {
		if count != 1 {
			t.Errorf("category %q listed %d times, want 1", cat, count)
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	e := New(TypeFeedCreate, map[string]string{"id": "1"})
	if e.Type != TypeFeedCreate {
		t.Errorf("Type = %q, want %q", e.Type, TypeFeedCreate)
	}
}
