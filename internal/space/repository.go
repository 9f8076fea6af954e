package space

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

const selectColumns = "id, kind, name, position, category_id"
const categorySelectColumns = "id, name, position"

type idGenerator interface{ Next() int64 }

// PGRepository implements Repository and CategoryRepository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	ids idGenerator
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed space repository.
func NewPGRepository(db *pgxpool.Pool, ids idGenerator, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, ids: ids, log: logger}
}

// List returns all spaces ordered by position then id.
func (r *PGRepository) List(ctx context.Context) ([]Space, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM spaces ORDER BY position, id", selectColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query spaces: %w", err)
	}
	defer rows.Close()

	var spaces []Space
	for rows.Next() {
		sp, err := scanSpace(rows)
		if err != nil {
			return nil, err
		}
		spaces = append(spaces, *sp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return spaces, nil
}

// GetByID returns the space matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id int64) (*Space, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM spaces WHERE id = $1", selectColumns), id,
	)
	sp, err := scanSpace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query space by id: %w", err)
	}
	return sp, nil
}

// Create inserts a new space inside a transaction that enforces the maximum count, validates the category
// reference, and auto-assigns a position.
func (r *PGRepository) Create(ctx context.Context, params CreateParams, maxSpaces int) (*Space, error) {
	var sp *Space
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM spaces").Scan(&count); err != nil {
			return fmt.Errorf("count spaces: %w", err)
		}
		if count >= maxSpaces {
			return ErrMaxSpacesReached
		}

		if params.CategoryID != nil {
			var exists bool
			err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM categories WHERE id = $1)", *params.CategoryID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("check category exists: %w", err)
			}
			if !exists {
				return ErrCategoryNotFound
			}
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO spaces (id, kind, name, category_id, position)
				 VALUES ($1, $2, $3, $4, COALESCE((SELECT MAX(position) FROM spaces), -1) + 1)
				 RETURNING %s`, selectColumns),
			r.ids.Next(), string(params.Kind), params.Name, params.CategoryID,
		)
		var err error
		sp, err = scanSpace(row)
		if err != nil {
			return fmt.Errorf("insert space: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sp, nil
}

// Update applies the non-nil fields in params to the space row and returns the updated space.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id int64, params UpdateParams) (*Space, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.SetCategoryNull {
		setClauses = append(setClauses, "category_id = NULL")
	} else if params.CategoryID != nil {
		var exists bool
		err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM categories WHERE id = $1)", *params.CategoryID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("check category exists: %w", err)
		}
		if !exists {
			return nil, ErrCategoryNotFound
		}
		setClauses = append(setClauses, "category_id = @category_id")
		namedArgs["category_id"] = *params.CategoryID
	}
	if params.Position != nil {
		setClauses = append(setClauses, "position = @position")
		namedArgs["position"] = *params.Position
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	query := "UPDATE spaces SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	sp, err := scanSpace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update space: %w", err)
	}
	return sp, nil
}

// Delete removes the space with the given ID. Permission overrides recorded against the space are not removed:
// permission_overrides has no foreign key to spaces.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM spaces WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCategories returns all categories ordered by position.
func (r *PGRepository) ListCategories(ctx context.Context) ([]Category, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM categories ORDER BY position", categorySelectColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query categories: %w", err)
	}
	defer rows.Close()

	var categories []Category
	for rows.Next() {
		cat, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		categories = append(categories, *cat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate categories: %w", err)
	}
	return categories, nil
}

// GetCategoryByID returns the category matching the given ID.
func (r *PGRepository) GetCategoryByID(ctx context.Context, id int64) (*Category, error) {
	row := r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM categories WHERE id = $1", categorySelectColumns), id,
	)
	cat, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query category by id: %w", err)
	}
	return cat, nil
}

// CreateCategory inserts a new category inside a transaction that enforces the maximum count and auto-assigns a
// position.
func (r *PGRepository) CreateCategory(ctx context.Context, params CategoryCreateParams, maxCategories int) (*Category, error) {
	var cat *Category
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var count int
		if err := tx.QueryRow(ctx, "SELECT COUNT(*) FROM categories").Scan(&count); err != nil {
			return fmt.Errorf("count categories: %w", err)
		}
		if count >= maxCategories {
			return ErrMaxSpacesReached
		}

		row := tx.QueryRow(ctx,
			fmt.Sprintf(
				`INSERT INTO categories (id, name, position)
				 VALUES ($1, $2, COALESCE((SELECT MAX(position) FROM categories), -1) + 1)
				 RETURNING %s`, categorySelectColumns),
			r.ids.Next(), params.Name,
		)
		var err error
		cat, err = scanCategory(row)
		if err != nil {
			return fmt.Errorf("insert category: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// UpdateCategory applies the non-nil fields in params to the category row and returns the updated category.
func (r *PGRepository) UpdateCategory(ctx context.Context, id int64, params CategoryUpdateParams) (*Category, error) {
	setClauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	argPos := 1

	if params.Name != nil {
		setClauses = append(setClauses, fmt.Sprintf("name = $%d", argPos))
		args = append(args, *params.Name)
		argPos++
	}
	if params.Position != nil {
		setClauses = append(setClauses, fmt.Sprintf("position = $%d", argPos))
		args = append(args, *params.Position)
		argPos++
	}

	if len(setClauses) == 0 {
		return r.GetCategoryByID(ctx, id)
	}

	query := fmt.Sprintf(
		"UPDATE categories SET %s WHERE id = $%d RETURNING %s",
		strings.Join(setClauses, ", "), argPos, categorySelectColumns,
	)
	args = append(args, id)

	row := r.db.QueryRow(ctx, query, args...)
	cat, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update category: %w", err)
	}
	return cat, nil
}

// DeleteCategory removes the category with the given ID. The FK on spaces.category_id is ON DELETE SET NULL, so
// spaces in this category are automatically uncategorized.
func (r *PGRepository) DeleteCategory(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM categories WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanSpace scans a single row into a Space struct.
func scanSpace(row pgx.Row) (*Space, error) {
	var sp Space
	var kind string
	err := row.Scan(&sp.ID, &kind, &sp.Name, &sp.Position, &sp.CategoryID)
	if err != nil {
		return nil, fmt.Errorf("scan space: %w", err)
	}
	sp.Kind = Kind(kind)
	return &sp, nil
}

// scanCategory scans a single row into a Category struct.
func scanCategory(row pgx.Row) (*Category, error) {
	var cat Category
	err := row.Scan(&cat.ID, &cat.Name, &cat.Position)
	if err != nil {
		return nil, fmt.Errorf("scan category: %w", err)
	}
	return &cat, nil
}
