package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/storyline/pkg/types"
)

const categoryColumns = `c.id, c.name, c.description, c.icon, c.status, c.created`

func scanCategory(row pgx.CollectableRow) (types.Category, error) {
	var (
		c      types.Category
		status int16
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &status, &c.Created); err != nil {
		return types.Category{}, err
	}
	c.Active = status == 1
	return c, nil
}

// ListCategories implements [store.Categories].
func (s *Store) ListCategories(ctx context.Context) ([]types.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+categoryColumns+` FROM category c WHERE c.status = 1 ORDER BY c.name ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list categories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanCategory)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list categories: %w", err)
	}
	return out, nil
}

// GetCategory implements [store.Categories].
func (s *Store) GetCategory(ctx context.Context, id int64) (types.Category, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+categoryColumns+` FROM category c WHERE c.id = $1 AND c.status = 1`, id)
	if err != nil {
		return types.Category{}, fmt.Errorf("postgres store: get category: %w", err)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCategory)
	if err != nil {
		return types.Category{}, fmt.Errorf("postgres store: get category: %w", notFound(err))
	}
	return c, nil
}

// ActiveCategoryIDs implements [store.Categories].
func (s *Store) ActiveCategoryIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return activeCategoryIDs(ctx, s.pool, ids)
}

func activeCategoryIDs(ctx context.Context, q querier, ids []int64) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT id FROM category WHERE id = ANY($1) AND status = 1 ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres store: active categories: %w", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres store: active categories: %w", err)
	}
	return out, nil
}

// PreferredCategories implements [store.Categories].
func (s *Store) PreferredCategories(ctx context.Context, userID int64) ([]types.Category, error) {
	const q = `
		SELECT ` + categoryColumns + `
		FROM   category c
		JOIN   user_preferred_categories upc ON c.id = upc.category_id
		WHERE  upc.user_id = $1 AND upc.status = 1 AND c.status = 1
		ORDER  BY upc.created DESC, upc.id DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: preferred categories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanCategory)
	if err != nil {
		return nil, fmt.Errorf("postgres store: preferred categories: %w", err)
	}
	return out, nil
}

// SetPreferredCategories implements [store.Categories]. Every existing
// preference is deactivated first; each requested category is then
// reactivated or inserted.
func (s *Store) SetPreferredCategories(ctx context.Context, userID int64, ids []int64) ([]types.Category, error) {
	var out []types.Category
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE user_preferred_categories SET status = 0 WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("postgres store: clear preferences: %w", err)
		}
		const upsert = `
			INSERT INTO user_preferred_categories (user_id, category_id, created, status)
			VALUES ($1, $2, now(), 1)
			ON CONFLICT (user_id, category_id) DO UPDATE SET status = 1, created = now()`
		for _, id := range ids {
			if _, err := tx.Exec(ctx, upsert, userID, id); err != nil {
				return fmt.Errorf("postgres store: set preference %d: %w", id, err)
			}
			rows, err := tx.Query(ctx, `SELECT `+categoryColumns+` FROM category c WHERE c.id = $1`, id)
			if err != nil {
				return fmt.Errorf("postgres store: load category %d: %w", id, err)
			}
			c, err := pgx.CollectExactlyOneRow(rows, scanCategory)
			if err != nil {
				return fmt.Errorf("postgres store: load category %d: %w", id, notFound(err))
			}
			out = append(out, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
