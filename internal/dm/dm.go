// Package dm manages group direct-message channels: a bare container plus a participant set. There is no per-DM
// permission model — membership in dm_participants is the only gate, checked directly by the message and dispatch
// paths rather than through internal/permission.
package dm

import (
	"context"
	"errors"
)

// Sentinel errors for the dm package.
var (
	ErrNotFound        = errors.New("dm channel not found")
	ErrNotParticipant  = errors.New("user is not a participant in this dm")
	ErrTooFewMembers   = errors.New("a group dm requires at least two participants")
	ErrTooManyMembers  = errors.New("a group dm exceeds the maximum number of participants")
)

// MaxParticipants bounds how large a group DM can grow. Kept small since there is no moderation surface (no roles,
// no overrides) inside a DM beyond the participant list itself.
const MaxParticipants = 10

// Channel holds the fields read from the dm_channels table.
type Channel struct {
	ID int64
}

// Repository defines the data-access contract for group DM operations.
type Repository interface {
	// Create makes a new DM channel with the given participant ids (which must include the creator).
	Create(ctx context.Context, participantIDs []int64) (*Channel, error)
	// ParticipantIDs returns every user id in the DM, in no particular order.
	ParticipantIDs(ctx context.Context, dmID int64) ([]int64, error)
	// IsParticipant reports whether userID belongs to dmID.
	IsParticipant(ctx context.Context, dmID int64, userID int64) (bool, error)
}

// ValidateParticipants checks that a proposed participant list is within bounds. Deduplication is left to the
// caller since the set typically comes from a request body the caller already normalizes.
func ValidateParticipants(participantIDs []int64) error {
	if len(participantIDs) < 2 {
		return ErrTooFewMembers
	}
	if len(participantIDs) > MaxParticipants {
		return ErrTooManyMembers
	}
	return nil
}
