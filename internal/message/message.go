package message

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// Sentinel errors for the message package.
var (
	ErrNotFound      = errors.New("message not found")
	ErrBodyTooLong   = errors.New("message body exceeds the maximum length")
	ErrEmptyBody     = errors.New("message body must not be empty")
	ErrInvalidTarget = errors.New("exactly one of feed_id or dm_id must be set")
	ErrNotAuthor     = errors.New("you can only modify your own messages")
)

// Pagination defaults.
const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Message holds the fields read from the database. The server does not parse or render Body; it is opaque to this
// layer.
type Message struct {
	ID        int64
	FeedID    *int64
	DMID      *int64
	AuthorID  int64
	Body      string
	Mentions  []int64
	CreatedAt time.Time
}

// CreateParams groups the inputs for creating a new message. Exactly one of FeedID or DMID must be set.
type CreateParams struct {
	FeedID   *int64
	DMID     *int64
	AuthorID int64
	Body     string
	Mentions []int64
}

// ValidateBody checks that body is non-empty after trimming and does not exceed the given maximum rune count.
func ValidateBody(body string, maxLength int) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(trimmed) > maxLength {
		return "", ErrBodyTooLong
	}
	return trimmed, nil
}

// ValidateTarget checks that exactly one of feedID or dmID is set.
func ValidateTarget(feedID, dmID *int64) error {
	if (feedID == nil) == (dmID == nil) {
		return ErrInvalidTarget
	}
	return nil
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to DefaultLimit when the input is zero or
// negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Repository defines the data-access contract for message operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Message, error)
	GetByID(ctx context.Context, id int64) (*Message, error)
	ListByFeed(ctx context.Context, feedID int64, before *int64, limit int) ([]Message, error)
	ListByDM(ctx context.Context, dmID int64, before *int64, limit int) ([]Message, error)
	Update(ctx context.Context, id int64, body string) (*Message, error)
	Delete(ctx context.Context, id int64) error
}
