package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

const userColumns = `id, first_name, last_name, bday, status`

func scanUser(row pgx.Row) (types.User, error) {
	var (
		u      types.User
		bday   *time.Time
		status int16
	)
	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &bday, &status); err != nil {
		return types.User{}, err
	}
	if bday != nil {
		u.Birthday = types.NewDate(*bday)
	}
	u.Active = status == 1
	return u, nil
}

// dateArg converts an optional date into a DATE parameter.
func dateArg(d *types.Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.Time
}

// GetUser implements [store.Users].
func (s *Store) GetUser(ctx context.Context, id int64) (types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return types.User{}, fmt.Errorf("postgres store: get user: %w", notFound(err))
	}
	return u, nil
}

// CreateUser implements [store.Users].
func (s *Store) CreateUser(ctx context.Context, nu store.NewUser) (types.User, error) {
	const q = `
		INSERT INTO users (first_name, last_name, bday, status)
		VALUES ($1, $2, $3, 1)
		RETURNING ` + userColumns
	u, err := scanUser(s.pool.QueryRow(ctx, q, nu.FirstName, nu.LastName, dateArg(nu.Birthday)))
	if err != nil {
		return types.User{}, fmt.Errorf("postgres store: create user: %w", err)
	}
	return u, nil
}

// UpdateUser implements [store.Users].
func (s *Store) UpdateUser(ctx context.Context, id int64, patch types.UserPatch) (types.User, error) {
	if patch.Empty() {
		return s.GetUser(ctx, id)
	}
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.FirstName != nil {
		set("first_name", *patch.FirstName)
	}
	if patch.SetLastName {
		set("last_name", patch.LastName)
	}
	if patch.SetBirthday {
		set("bday", dateArg(patch.Birthday))
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), userColumns)

	u, err := scanUser(s.pool.QueryRow(ctx, q, args...))
	if err != nil {
		return types.User{}, fmt.Errorf("postgres store: update user: %w", notFound(err))
	}
	return u, nil
}

// DeactivateUser implements [store.Users].
func (s *Store) DeactivateUser(ctx context.Context, id int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status int16
		err := tx.QueryRow(ctx, `SELECT status FROM users WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if err != nil {
			return fmt.Errorf("postgres store: deactivate user: %w", notFound(err))
		}
		if status == 0 {
			return store.ErrInactive
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET status = 0 WHERE id = $1`, id); err != nil {
			return fmt.Errorf("postgres store: deactivate user: %w", err)
		}
		return nil
	})
}

// UserActive implements [store.Users].
func (s *Store) UserActive(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND status = 1)`, id).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres store: user active: %w", err)
	}
	return ok, nil
}
