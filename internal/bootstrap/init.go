// Package bootstrap seeds the database on first run: the owner account, the server_config row, and the @everyone
// role every member is implicitly granted.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/voxchat/voxd/internal/auth"
	"github.com/voxchat/voxd/internal/config"
	"github.com/voxchat/voxd/internal/permission"
)

// DefaultEveryonePermissions is the permission bitfield assigned to the @everyone role during first-run
// initialization.
const DefaultEveryonePermissions = permission.EveryoneDefaults

type idGenerator interface{ Next() int64 }

// IsFirstRun returns true when the server_config table has no rows.
func IsFirstRun(ctx context.Context, db *pgxpool.Pool) (bool, error) {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM server_config").Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check first run: %w", err)
	}
	return count == 0, nil
}

// RunFirstInit seeds the database with the owner account, the server_config row, and the @everyone role inside a
// single transaction.
func RunFirstInit(ctx context.Context, db *pgxpool.Pool, ids idGenerator, cfg *config.Config) error {
	if cfg.InitOwnerUsername == "" || cfg.InitOwnerPassword == "" {
		return fmt.Errorf("INIT_OWNER_USERNAME and INIT_OWNER_PASSWORD must be set for first-run initialization")
	}

	if err := auth.ValidateUsername(cfg.InitOwnerUsername); err != nil {
		return fmt.Errorf("invalid INIT_OWNER_USERNAME: %w", err)
	}

	hash, err := auth.HashPassword(
		cfg.InitOwnerPassword,
		cfg.Argon2Memory,
		cfg.Argon2Iterations,
		cfg.Argon2Parallelism,
		cfg.Argon2SaltLength,
		cfg.Argon2KeyLength,
	)
	if err != nil {
		return fmt.Errorf("hash owner password: %w", err)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin init transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			log.Warn().Err(err).Msg("tx rollback failed")
		}
	}()

	ownerID := ids.Next()
	_, err = tx.Exec(ctx,
		`INSERT INTO users (id, username, home_domain, federated, active, password_hash)
		 VALUES ($1, $2, $3, false, true, $4)`,
		ownerID, cfg.InitOwnerUsername, cfg.ServerDomain, hash,
	)
	if err != nil {
		return fmt.Errorf("insert owner user: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO server_config (id, name, domain, owner_id) VALUES (1, $1, $2, $3)`,
		cfg.ServerName, cfg.ServerDomain, ownerID,
	)
	if err != nil {
		return fmt.Errorf("insert server_config: %w", err)
	}

	everyoneRoleID := ids.Next()
	_, err = tx.Exec(ctx,
		`INSERT INTO roles (id, name, position, is_everyone, permissions)
		 VALUES ($1, '@everyone', 0, true, $2)`,
		everyoneRoleID, int64(DefaultEveryonePermissions),
	)
	if err != nil {
		return fmt.Errorf("insert @everyone role: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO members (user_id) VALUES ($1)`, ownerID)
	if err != nil {
		return fmt.Errorf("insert owner member: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO role_members (user_id, role_id) VALUES ($1, $2)`,
		ownerID, everyoneRoleID,
	)
	if err != nil {
		return fmt.Errorf("insert owner role_members: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit init transaction: %w", err)
	}

	return nil
}
