package user

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/voxchat/voxd/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, username, home_domain, federated, active, display_name, created_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.HomeDomain, &u.Federated, &u.Active, &u.DisplayName, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// selectCredentialsColumns mirrors selectColumns plus the password hash, for the authentication path only.
const selectCredentialsColumns = selectColumns + `, password_hash`

func scanCredentials(row pgx.Row) (*Credentials, error) {
	var c Credentials
	err := row.Scan(&c.ID, &c.Username, &c.HomeDomain, &c.Federated, &c.Active, &c.DisplayName, &c.CreatedAt, &c.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}
	return &c, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids idGenerator
	log zerolog.Logger
}

// idGenerator mints the snowflake ids new rows are keyed by.
type idGenerator interface {
	Next() int64
}

// NewPGRepository creates a new PostgreSQL-backed user repository. ids mints the id for every newly created row.
func NewPGRepository(db *pgxpool.Pool, ids idGenerator, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, ids: ids, log: logger}
}

// Create inserts a new local user.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (int64, error) {
	id := r.ids.Next()
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, username, home_domain, federated, active, password_hash)
		 VALUES ($1, $2, $3, false, true, $4)`,
		id, params.Username, params.HomeDomain, params.PasswordHash,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return 0, ErrAlreadyExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return id, nil
}

// GetOrCreateFederatedStub returns the user row for (username, homeDomain), inserting a federated stub (no
// password hash, active=true since it represents a real remote account, just not one we authenticate locally) if one
// does not already exist. Concurrent callers racing to create the same stub converge on one row via ON CONFLICT.
func (r *PGRepository) GetOrCreateFederatedStub(ctx context.Context, username, homeDomain string) (*User, error) {
	id := r.ids.Next()
	row := r.db.QueryRow(ctx,
		`INSERT INTO users (id, username, home_domain, federated, active)
		 VALUES ($1, $2, $3, true, true)
		 ON CONFLICT (username, home_domain) DO UPDATE SET username = EXCLUDED.username
		 RETURNING `+selectColumns,
		id, username, homeDomain,
	)
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("get or create federated stub: %w", err)
	}
	return u, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByUsername returns the user matching (username, homeDomain).
func (r *PGRepository) GetByUsername(ctx context.Context, username, homeDomain string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM users WHERE username = $1 AND home_domain = $2`, username, homeDomain))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by username: %w", err)
	}
	return u, nil
}

// GetCredentialsByUsername returns the user and password hash for (username, homeDomain), for local login.
func (r *PGRepository) GetCredentialsByUsername(ctx context.Context, username, homeDomain string) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx,
		`SELECT `+selectCredentialsColumns+` FROM users WHERE username = $1 AND home_domain = $2`, username, homeDomain))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials by username: %w", err)
	}
	return c, nil
}

// GetCredentialsByID returns the user and password hash for id.
func (r *PGRepository) GetCredentialsByID(ctx context.Context, id int64) (*Credentials, error) {
	c, err := scanCredentials(r.db.QueryRow(ctx, `SELECT `+selectCredentialsColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credentials by id: %w", err)
	}
	return c, nil
}

// UpdatePasswordHash updates the stored password hash for a user, used for lazy hash rotation when Argon2 parameters
// change.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := r.db.Exec(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, userID)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

// Update applies the non-nil fields in params to the user row and returns the updated user.
func (r *PGRepository) Update(ctx context.Context, id int64, params UpdateParams) (*User, error) {
	if params.DisplayName == nil {
		return r.GetByID(ctx, id)
	}

	u, err := scanUser(r.db.QueryRow(ctx,
		`UPDATE users SET display_name = $1 WHERE id = $2 RETURNING `+selectColumns,
		*params.DisplayName, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user: %w", err)
	}
	return u, nil
}

// Deactivate flips the active flag off. Vox has no account-deletion tombstone mechanism at this layer; a deactivated
// user's rows (messages, role memberships) are left in place and the username stays reserved.
func (r *PGRepository) Deactivate(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `UPDATE users SET active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisplayName returns the best available display label for userID — the display name if set, otherwise the
// username — satisfying gateway.UserDirectory for ready-payload construction.
func (r *PGRepository) DisplayName(ctx context.Context, userID int64) (string, error) {
	var username string
	var displayName *string
	err := r.db.QueryRow(ctx, `SELECT username, display_name FROM users WHERE id = $1`, userID).Scan(&username, &displayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query display name: %w", err)
	}
	if displayName != nil && strings.TrimSpace(*displayName) != "" {
		return *displayName, nil
	}
	return username, nil
}
