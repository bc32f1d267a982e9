package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/storyline/pkg/types"
)

// engagementJoins counts listens and active likes since $1.
const engagementJoins = `
		LEFT JOIN user_has_listen_stories h ON s.id = h.story_id AND h.listen_time > $1
		LEFT JOIN story_has_likes l ON s.id = l.story_id AND l.updated > $1 AND l.status = 1`

const scoreExpr = `(COUNT(DISTINCT h.id) * 2 + COUNT(DISTINCT l.id) * 4)`

// withCategories attaches category refs (with icons) to dashboard cards.
func (s *Store) withCategories(ctx context.Context, stories []types.DashboardStory) ([]types.DashboardStory, error) {
	ids := make([]int64, len(stories))
	for i, st := range stories {
		ids[i] = st.ID
	}
	refs, err := categoryRefs(ctx, s.pool, ids, true)
	if err != nil {
		return nil, err
	}
	for i := range stories {
		stories[i].Categories = emptyRefs(refs[stories[i].ID])
	}
	return stories, nil
}

func datePtr(t time.Time) *types.Date {
	d := types.NewDate(t)
	return &d
}

// TrendingStories implements [store.Dashboard].
func (s *Store) TrendingStories(ctx context.Context, since time.Time, limit int) ([]types.DashboardStory, error) {
	q := `
		SELECT s.id, s.title, s.created, s.duration_secs, u.id, u.first_name, u.last_name
		FROM   story s
		JOIN   users u ON s.user_id = u.id` + engagementJoins + `
		WHERE  s.status = 1
		GROUP  BY s.id, u.id
		HAVING ` + scoreExpr + ` > 0
		ORDER  BY ` + scoreExpr + ` DESC, s.id DESC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: trending stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DashboardStory, error) {
		var (
			st      types.DashboardStory
			created time.Time
			secs    int32
		)
		err := row.Scan(&st.ID, &st.Title, &created, &secs, &st.Author.ID, &st.Author.FirstName, &st.Author.LastName)
		st.Created = datePtr(created)
		st.Duration = types.Clock(secs)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: trending stories: %w", err)
	}
	return s.withCategories(ctx, stories)
}

// RecentStories implements [store.Dashboard].
func (s *Store) RecentStories(ctx context.Context, limit int) ([]types.DashboardStory, error) {
	const q = `
		SELECT s.id, s.title, s.created, s.duration_secs, s.listen_count, u.id, u.first_name, u.last_name
		FROM   story s
		JOIN   users u ON s.user_id = u.id
		WHERE  s.status = 1
		ORDER  BY s.created DESC, s.id DESC
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DashboardStory, error) {
		var (
			st      types.DashboardStory
			created time.Time
			secs    int32
			listens int64
		)
		err := row.Scan(&st.ID, &st.Title, &created, &secs, &listens, &st.Author.ID, &st.Author.FirstName, &st.Author.LastName)
		st.Created = datePtr(created)
		st.Duration = types.Clock(secs)
		st.ListenCount = &listens
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent stories: %w", err)
	}
	return s.withCategories(ctx, stories)
}

// RecentlyListened implements [store.Dashboard]. Each story appears once,
// keyed on the user's latest listen.
func (s *Store) RecentlyListened(ctx context.Context, userID int64, limit int) ([]types.DashboardStory, error) {
	const q = `
		SELECT id, title, story_url, duration_secs, listen_time, end_duration, author_id, first_name, last_name
		FROM (
		    SELECT DISTINCT ON (s.id)
		           s.id, s.title, COALESCE(s.story_url, '') AS story_url, s.duration_secs,
		           h.listen_time, h.end_duration, u.id AS author_id, u.first_name, u.last_name
		    FROM   user_has_listen_stories h
		    JOIN   story s ON h.story_id = s.id
		    JOIN   users u ON s.user_id = u.id
		    WHERE  h.user_id = $1 AND s.status = 1
		    ORDER  BY s.id, h.listen_time DESC, h.id DESC
		) latest
		ORDER  BY listen_time DESC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recently listened: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DashboardStory, error) {
		var (
			st     types.DashboardStory
			secs   int32
			at     time.Time
			endSec *int32
		)
		err := row.Scan(&st.ID, &st.Title, &st.StoryURL, &secs, &at, &endSec, &st.Author.ID, &st.Author.FirstName, &st.Author.LastName)
		st.Duration = types.Clock(secs)
		st.LastListenTime = datePtr(at)
		if endSec != nil {
			c := types.Clock(*endSec)
			st.ListenedDuration = &c
		}
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recently listened: %w", err)
	}
	return s.withCategories(ctx, stories)
}

// RecommendedStories implements [store.Dashboard].
func (s *Store) RecommendedStories(ctx context.Context, userID int64, limit int) ([]types.DashboardStory, error) {
	var hasPrefs bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM user_preferred_categories WHERE user_id = $1 AND status = 1)`, userID).Scan(&hasPrefs)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recommended stories: %w", err)
	}

	filter, order := "", "s.listen_count DESC, s.id DESC"
	if hasPrefs {
		filter = `
		  AND EXISTS (
		      SELECT 1 FROM story_has_categories shc
		      JOIN   user_preferred_categories upc
		             ON upc.category_id = shc.category_id AND upc.user_id = $1 AND upc.status = 1
		      WHERE  shc.story_id = s.id)`
		order = "s.created DESC, s.id DESC"
	}
	q := fmt.Sprintf(`
		SELECT s.id, s.title, COALESCE(s.story_url, ''), s.duration_secs, s.created, u.id, u.first_name, u.last_name
		FROM   story s
		JOIN   users u ON s.user_id = u.id
		WHERE  s.status = 1
		  AND NOT EXISTS (SELECT 1 FROM user_has_listen_stories h WHERE h.story_id = s.id AND h.user_id = $1)%s
		ORDER  BY %s
		LIMIT  $2`, filter, order)

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recommended stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DashboardStory, error) {
		var (
			st      types.DashboardStory
			secs    int32
			created time.Time
		)
		err := row.Scan(&st.ID, &st.Title, &st.StoryURL, &secs, &created, &st.Author.ID, &st.Author.FirstName, &st.Author.LastName)
		st.Duration = types.Clock(secs)
		st.Created = datePtr(created)
		st.IsRecommended = true
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: recommended stories: %w", err)
	}
	return s.withCategories(ctx, stories)
}

func scanCategoryStat(row pgx.CollectableRow) (types.CategoryStat, error) {
	var c types.CategoryStat
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Icon, &c.StoryCount)
	return c, err
}

// TrendingCategories implements [store.Dashboard].
func (s *Store) TrendingCategories(ctx context.Context, since time.Time, limit int) ([]types.CategoryStat, error) {
	q := `
		SELECT c.id, c.name, c.description, c.icon, COUNT(DISTINCT s.id)
		FROM   category c
		JOIN   story_has_categories shc ON c.id = shc.category_id
		JOIN   story s ON shc.story_id = s.id` + engagementJoins + `
		WHERE  c.status = 1 AND s.status = 1
		GROUP  BY c.id
		HAVING ` + scoreExpr + ` > 0
		ORDER  BY ` + scoreExpr + ` DESC, c.id ASC
		LIMIT  $2`
	rows, err := s.pool.Query(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: trending categories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanCategoryStat)
	if err != nil {
		return nil, fmt.Errorf("postgres store: trending categories: %w", err)
	}
	return out, nil
}

// PopularCategories implements [store.Dashboard].
func (s *Store) PopularCategories(ctx context.Context, limit int) ([]types.CategoryStat, error) {
	const q = `
		SELECT c.id, c.name, c.description, c.icon, COUNT(DISTINCT shc.story_id)
		FROM   category c
		JOIN   story_has_categories shc ON c.id = shc.category_id
		JOIN   story s ON shc.story_id = s.id
		WHERE  c.status = 1 AND s.status = 1
		GROUP  BY c.id
		ORDER  BY COUNT(DISTINCT shc.story_id) DESC, c.id ASC
		LIMIT  $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: popular categories: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanCategoryStat)
	if err != nil {
		return nil, fmt.Errorf("postgres store: popular categories: %w", err)
	}
	if len(out) > 0 {
		return out, nil
	}

	rows, err = s.pool.Query(ctx, `SELECT c.id, c.name, c.description, c.icon, 0::bigint FROM category c WHERE c.status = 1 ORDER BY c.name LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: popular categories: %w", err)
	}
	out, err = pgx.CollectRows(rows, scanCategoryStat)
	if err != nil {
		return nil, fmt.Errorf("postgres store: popular categories: %w", err)
	}
	return out, nil
}
