// Package space manages feeds (text spaces) and rooms (voice spaces). Both share one table and one position
// sequence, since permission overrides and the dispatch layer address them interchangeably by (kind, id).
package space

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/voxchat/voxd/internal/permission"
)

// Kind identifies whether a space is a feed (text) or a room (voice).
type Kind = permission.SpaceType

const (
	Feed Kind = permission.SpaceFeed
	Room Kind = permission.SpaceRoom
)

var validKinds = map[Kind]bool{Feed: true, Room: true}

// Sentinel errors for the space package.
var (
	ErrNotFound         = errors.New("space not found")
	ErrMaxSpacesReached = errors.New("maximum number of spaces reached")
	ErrNameLength       = errors.New("space name must be between 1 and 100 characters")
	ErrInvalidKind      = errors.New("kind must be \"feed\" or \"room\"")
	ErrInvalidPosition  = errors.New("position must be non-negative")
	ErrCategoryNotFound = errors.New("category not found")
)

// Space holds the fields read from the database. It carries no server id: this subsystem runs one server per
// process; a multi-server tenancy model belongs to the REST adapter layer, not here.
type Space struct {
	ID         int64
	Kind       Kind
	Name       string
	Position   int
	CategoryID *int64
}

// CreateParams groups the inputs for creating a new space.
type CreateParams struct {
	Kind       Kind
	Name       string
	CategoryID *int64
}

// UpdateParams groups the optional fields for updating a space. SetCategoryNull distinguishes "no change" (nil
// CategoryID with SetCategoryNull false) from "remove from category" (nil CategoryID with SetCategoryNull true).
type UpdateParams struct {
	Name            *string
	CategoryID      *int64
	SetCategoryNull bool
	Position        *int
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateNameRequired validates and trims a name that must be present. It returns the trimmed result on success.
func ValidateNameRequired(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return "", ErrNameLength
	}
	return trimmed, nil
}

// ValidateKind checks that kind is one of Feed or Room.
func ValidateKind(kind Kind) error {
	if !validKinds[kind] {
		return ErrInvalidKind
	}
	return nil
}

// ValidatePosition checks that a non-nil position is non-negative. A nil pointer means "no change."
func ValidatePosition(pos *int) error {
	if pos == nil {
		return nil
	}
	if *pos < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Repository defines the data-access contract for space operations.
type Repository interface {
	List(ctx context.Context) ([]Space, error)
	GetByID(ctx context.Context, id int64) (*Space, error)
	Create(ctx context.Context, params CreateParams, maxSpaces int) (*Space, error)
	Update(ctx context.Context, id int64, params UpdateParams) (*Space, error)
	Delete(ctx context.Context, id int64) error
}

// Category groups feeds and rooms for display ordering. It carries no permission semantics of its own — overrides
// target feeds and rooms directly, never a category.
type Category struct {
	ID       int64
	Name     string
	Position int
}

// CategoryCreateParams groups the inputs for creating a new category.
type CategoryCreateParams struct {
	Name string
}

// CategoryUpdateParams groups the optional fields for updating a category.
type CategoryUpdateParams struct {
	Name     *string
	Position *int
}

// CategoryRepository defines the data-access contract for category operations.
type CategoryRepository interface {
	ListCategories(ctx context.Context) ([]Category, error)
	GetCategoryByID(ctx context.Context, id int64) (*Category, error)
	CreateCategory(ctx context.Context, params CategoryCreateParams, maxCategories int) (*Category, error)
	UpdateCategory(ctx context.Context, id int64, params CategoryUpdateParams) (*Category, error)
	DeleteCategory(ctx context.Context, id int64) error
}
