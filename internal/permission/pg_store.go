package permission

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore implements Store and OverrideStore using PostgreSQL.
type PGStore struct {
	db *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed permission store.
func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// RolePermissions returns every role applicable to userID: the roles the
// user holds via role_members, plus the guild's @everyone role.
func (s *PGStore) RolePermissions(ctx context.Context, userID int64) ([]RolePermEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.permissions, r.is_everyone FROM roles r
		JOIN role_members rm ON rm.role_id = r.id
		WHERE rm.user_id = $1
		UNION
		SELECT r.id, r.permissions, r.is_everyone FROM roles r
		WHERE r.is_everyone = true
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query role permissions: %w", err)
	}
	defer rows.Close()

	entries, err := scanRoleEntries(rows)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// RolePermissionsBulk is the multi-user variant of RolePermissions, issued
// as two queries: one for the @everyone role and one role-membership query
// against ANY($1).
func (s *PGStore) RolePermissionsBulk(ctx context.Context, userIDs []int64) (map[int64][]RolePermEntry, error) {
	result := make(map[int64][]RolePermEntry, len(userIDs))

	everyoneRows, err := s.db.Query(ctx, `SELECT id, permissions, is_everyone FROM roles WHERE is_everyone = true`)
	if err != nil {
		return nil, fmt.Errorf("query everyone role: %w", err)
	}
	everyoneEntries, err := scanRoleEntries(everyoneRows)
	if err != nil {
		return nil, err
	}

	for _, userID := range userIDs {
		result[userID] = append(result[userID], everyoneEntries...)
	}

	rows, err := s.db.Query(ctx, `
		SELECT rm.user_id, r.id, r.permissions, r.is_everyone
		FROM roles r
		JOIN role_members rm ON rm.role_id = r.id
		WHERE rm.user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("query bulk role permissions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&userID, &e.RoleID, &perms, &e.IsEveryone); err != nil {
			return nil, fmt.Errorf("scan bulk role permission: %w", err)
		}
		e.Permissions = Permission(perms)
		result[userID] = append(result[userID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bulk role permissions: %w", err)
	}

	return result, nil
}

func scanRoleEntries(rows pgx.Rows) ([]RolePermEntry, error) {
	defer rows.Close()

	var entries []RolePermEntry
	for rows.Next() {
		var e RolePermEntry
		var perms int64
		if err := rows.Scan(&e.RoleID, &perms, &e.IsEveryone); err != nil {
			return nil, fmt.Errorf("scan role permission: %w", err)
		}
		e.Permissions = Permission(perms)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Overrides returns every permission override recorded against the given space.
func (s *PGStore) Overrides(ctx context.Context, spaceType SpaceType, spaceID int64) ([]Override, error) {
	rows, err := s.db.Query(ctx,
		"SELECT principal_type, principal_id, allow, deny FROM permission_overrides WHERE space_type = $1 AND space_id = $2",
		string(spaceType), spaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		var o Override
		var allow, deny int64
		var principalType string
		if err := rows.Scan(&principalType, &o.PrincipalID, &allow, &deny); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.PrincipalType = PrincipalType(principalType)
		o.Allow = Permission(allow)
		o.Deny = Permission(deny)
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// Set upserts a permission override, returning the full row after the write.
func (s *PGStore) Set(ctx context.Context, spaceType SpaceType, spaceID int64, principalType PrincipalType, principalID int64, allow, deny Permission) (*OverrideRow, error) {
	var row OverrideRow
	var spaceTypeStr, principalTypeStr string
	var allowVal, denyVal int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO permission_overrides (space_type, space_id, principal_type, principal_id, allow, deny)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (space_type, space_id, principal_type, principal_id)
		DO UPDATE SET allow = EXCLUDED.allow, deny = EXCLUDED.deny, updated_at = NOW()
		RETURNING space_type, space_id, principal_type, principal_id, allow, deny
	`, string(spaceType), spaceID, string(principalType), principalID, int64(allow), int64(deny),
	).Scan(&spaceTypeStr, &row.SpaceID, &principalTypeStr, &row.PrincipalID, &allowVal, &denyVal)
	if err != nil {
		return nil, fmt.Errorf("upsert override: %w", err)
	}
	row.SpaceType = SpaceType(spaceTypeStr)
	row.PrincipalType = PrincipalType(principalTypeStr)
	row.Allow = Permission(allowVal)
	row.Deny = Permission(denyVal)
	return &row, nil
}

// Delete removes a permission override. Returns ErrOverrideNotFound if no matching row exists.
func (s *PGStore) Delete(ctx context.Context, spaceType SpaceType, spaceID int64, principalType PrincipalType, principalID int64) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM permission_overrides WHERE space_type = $1 AND space_id = $2 AND principal_type = $3 AND principal_id = $4",
		string(spaceType), spaceID, string(principalType), principalID,
	)
	if err != nil {
		return fmt.Errorf("delete override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOverrideNotFound
	}
	return nil
}
