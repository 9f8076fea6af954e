// Package server holds the single server_config row: this process's name,
// federation-facing domain, and owner. Vox is single-server-per-process, so
// there is exactly one row, pinned at id=1 by the schema's CHECK constraint.
package server

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for the server package.
var (
	ErrNotFound   = errors.New("server config not found")
	ErrNameLength = errors.New("name must be between 1 and 100 characters")
)

// Config holds the server configuration read from the database.
type Config struct {
	ID        int16
	OwnerID   *int64
	Name      string
	Domain    string
	CreatedAt time.Time
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change"; a non-nil pointer is always validated. On success the pointed-to value is replaced with
// the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if n := utf8.RuneCountInString(trimmed); n < 1 || n > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// Repository defines the data-access contract for the server config row.
type Repository interface {
	Get(ctx context.Context) (*Config, error)
	UpdateName(ctx context.Context, name string) (*Config, error)
	SetOwner(ctx context.Context, userID int64) error
}
