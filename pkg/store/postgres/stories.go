package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

const likeCountExpr = `(SELECT COUNT(*) FROM story_has_likes l WHERE l.story_id = s.id AND l.status = 1)`

func direction(desc bool) string {
	if desc {
		return "DESC"
	}
	return "ASC"
}

// categoryRefs loads the active categories of every story in ids with one
// query. Icons are included only when withIcon is set.
func categoryRefs(ctx context.Context, q querier, ids []int64, withIcon bool) (map[int64][]types.CategoryRef, error) {
	out := make(map[int64][]types.CategoryRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const sql = `
		SELECT shc.story_id, c.id, c.name, c.description, c.icon
		FROM   category c
		JOIN   story_has_categories shc ON c.id = shc.category_id
		WHERE  shc.story_id = ANY($1) AND c.status = 1
		ORDER  BY shc.story_id, c.id`
	rows, err := q.Query(ctx, sql, ids)
	if err != nil {
		return nil, fmt.Errorf("load story categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			storyID int64
			ref     types.CategoryRef
			icon    *string
		)
		if err := rows.Scan(&storyID, &ref.ID, &ref.Name, &ref.Description, &icon); err != nil {
			return nil, fmt.Errorf("scan story category: %w", err)
		}
		if withIcon {
			ref.Icon = icon
		}
		out[storyID] = append(out[storyID], ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load story categories: %w", err)
	}
	return out, nil
}

// emptyRefs guarantees listings serialise categories as [] rather than null.
func emptyRefs(refs []types.CategoryRef) []types.CategoryRef {
	if refs == nil {
		return []types.CategoryRef{}
	}
	return refs
}

// ListStories implements [store.Stories].
func (s *Store) ListStories(ctx context.Context, f store.StoryFilter) ([]types.StorySummary, error) {
	var (
		joins []string
		where = []string{"s.status = 1"}
		args  []any
	)
	if f.UserID != nil {
		args = append(args, *f.UserID)
		where = append(where, fmt.Sprintf("s.user_id = $%d", len(args)))
	}
	if f.CategoryID != nil {
		joins = append(joins, "JOIN story_has_categories shc ON s.id = shc.story_id")
		args = append(args, *f.CategoryID)
		where = append(where, fmt.Sprintf("shc.category_id = $%d", len(args)))
	}
	dir := direction(f.Descending)
	q := fmt.Sprintf(`
		SELECT s.id, s.title, s.created, s.duration_secs, u.id, u.first_name, u.last_name, %s
		FROM   story s
		JOIN   users u ON s.user_id = u.id
		%s
		WHERE  %s
		ORDER  BY s.created %s, s.id %s`,
		likeCountExpr, strings.Join(joins, "\n"), strings.Join(where, " AND "), dir, dir)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list stories: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.StorySummary, error) {
		var (
			st      types.StorySummary
			created time.Time
			secs    int32
		)
		err := row.Scan(&st.ID, &st.Title, &created, &secs,
			&st.Author.ID, &st.Author.FirstName, &st.Author.LastName, &st.LikeCount)
		st.Created = types.NewDate(created)
		st.Duration = types.Clock(secs)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list stories: %w", err)
	}

	ids := make([]int64, len(stories))
	for i, st := range stories {
		ids[i] = st.ID
	}
	refs, err := categoryRefs(ctx, s.pool, ids, false)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list stories: %w", err)
	}
	for i := range stories {
		stories[i].Categories = emptyRefs(refs[stories[i].ID])
	}
	return stories, nil
}

// StoryDetail implements [store.Stories].
func (s *Store) StoryDetail(ctx context.Context, id int64) (types.StoryDetail, error) {
	q := `
		SELECT s.id, s.title, COALESCE(s.story_url, ''), s.gen_audio_url, s.created, s.duration_secs,
		       s.listen_count, u.id, u.first_name, u.last_name, u.bday, ` + likeCountExpr + `
		FROM   story s
		JOIN   users u ON s.user_id = u.id
		WHERE  s.id = $1 AND s.status = 1`

	var (
		d       types.StoryDetail
		created time.Time
		secs    int32
		bday    *time.Time
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.Title, &d.StoryURL, &d.GenAudioURL, &created, &secs,
		&d.ListenCount, &d.Author.ID, &d.Author.FirstName, &d.Author.LastName, &bday, &d.LikeCount)
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story detail: %w", notFound(err))
	}
	d.Active = true
	d.Created = types.NewDate(created)
	d.Duration = types.Clock(secs)
	if bday != nil {
		d.Author.BirthDate = types.NewDate(*bday)
	}

	refs, err := categoryRefs(ctx, s.pool, []int64{id}, true)
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story detail: %w", err)
	}
	d.Categories = emptyRefs(refs[id])

	rows, err := s.pool.Query(ctx, `SELECT id, time, color, COALESCE(image, '') FROM timeline_color WHERE story_id = $1 ORDER BY time ASC, id ASC`, id)
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story timeline: %w", err)
	}
	d.TimelineColors, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.TimelineEvent, error) {
		var ev types.TimelineEvent
		var t int32
		err := row.Scan(&ev.ID, &t, &ev.Color, &ev.Image)
		ev.Time = int(t)
		return ev, err
	})
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story timeline: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT l.id, u.id, u.first_name, u.last_name, l.updated
		FROM   story_has_likes l
		JOIN   users u ON l.user_id = u.id
		WHERE  l.story_id = $1 AND l.status = 1
		ORDER  BY l.updated DESC, l.id DESC`, id)
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story likes: %w", err)
	}
	d.Likes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Like, error) {
		var lk types.Like
		var updated time.Time
		err := row.Scan(&lk.ID, &lk.User.ID, &lk.User.FirstName, &lk.User.LastName, &updated)
		lk.Updated = types.NewDate(updated)
		return lk, err
	})
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story likes: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT h.id, u.id, u.first_name, u.last_name, h.listen_time, h.end_duration
		FROM   user_has_listen_stories h
		JOIN   users u ON h.user_id = u.id
		WHERE  h.story_id = $1
		ORDER  BY h.listen_time DESC, h.id DESC
		LIMIT  10`, id)
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story listeners: %w", err)
	}
	d.RecentListeners, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Listener, error) {
		var (
			l      types.Listener
			at     time.Time
			endSec *int32
		)
		err := row.Scan(&l.ID, &l.User.ID, &l.User.FirstName, &l.User.LastName, &at, &endSec)
		l.ListenTime = types.NewDate(at)
		if endSec != nil {
			c := types.Clock(*endSec)
			l.EndDuration = &c
		}
		return l, err
	})
	if err != nil {
		return types.StoryDetail{}, fmt.Errorf("postgres store: story listeners: %w", err)
	}
	return d, nil
}

// StoriesByCategory implements [store.Stories].
func (s *Store) StoriesByCategory(ctx context.Context, categoryID int64, descending bool, limit int) ([]types.CategoryStory, error) {
	dir := direction(descending)
	q := fmt.Sprintf(`
		SELECT s.id, s.title, s.created, s.duration_secs, s.listen_count,
		       u.id, u.first_name, u.last_name, %s
		FROM   story s
		JOIN   users u ON s.user_id = u.id
		JOIN   story_has_categories shc ON s.id = shc.story_id
		WHERE  s.status = 1 AND shc.category_id = $1
		ORDER  BY s.created %s, s.id %s`, likeCountExpr, dir, dir)
	args := []any{categoryID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stories by category: %w", err)
	}
	stories, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.CategoryStory, error) {
		var (
			st      types.CategoryStory
			created time.Time
			secs    int32
		)
		err := row.Scan(&st.ID, &st.Title, &created, &secs, &st.ListenCount,
			&st.Author.ID, &st.Author.FirstName, &st.Author.LastName, &st.LikeCount)
		st.Created = types.NewDate(created)
		st.Duration = types.Clock(secs)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: stories by category: %w", err)
	}

	ids := make([]int64, len(stories))
	for i, st := range stories {
		ids[i] = st.ID
	}
	refs, err := categoryRefs(ctx, s.pool, ids, false)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stories by category: %w", err)
	}
	for i := range stories {
		stories[i].Categories = emptyRefs(refs[stories[i].ID])
	}
	return stories, nil
}

// CreateStory implements [store.Stories].
func (s *Store) CreateStory(ctx context.Context, ns store.NewStory, upload store.UploadFunc) (store.CreatedStory, error) {
	out := store.CreatedStory{
		Title:      ns.Title,
		UserID:     ns.UserID,
		Created:    ns.Created,
		Duration:   ns.Duration,
		Categories: ns.Categories,
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO story (user_id, title, created, duration_secs, listen_count, status)
			VALUES ($1, $2, $3, $4, 0, 1)
			RETURNING id`
		if err := tx.QueryRow(ctx, insert, ns.UserID, ns.Title, ns.Created, int32(ns.Duration)).Scan(&out.ID); err != nil {
			return fmt.Errorf("postgres store: insert story: %w", err)
		}
		for _, cid := range ns.Categories {
			if _, err := tx.Exec(ctx, `INSERT INTO story_has_categories (story_id, category_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, out.ID, cid); err != nil {
				return fmt.Errorf("postgres store: insert story category: %w", err)
			}
		}

		blobName, url, err := upload(ctx, out.ID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE story SET story_url = $1, audio_blob = $2 WHERE id = $3`, url, blobName, out.ID); err != nil {
			return fmt.Errorf("postgres store: set story url: %w", err)
		}
		out.StoryURL, out.AudioBlob = url, blobName
		return nil
	})
	if err != nil {
		return store.CreatedStory{}, err
	}
	return out, nil
}

// StoryMedia implements [store.Stories].
func (s *Store) StoryMedia(ctx context.Context, id int64) (types.StoryMedia, error) {
	var (
		m      types.StoryMedia
		status int16
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, COALESCE(audio_blob, ''), COALESCE(story_url, ''), gen_audio_url, status
		FROM   story WHERE id = $1`, id).
		Scan(&m.StoryID, &m.UserID, &m.Title, &m.AudioBlob, &m.StoryURL, &m.GenAudioURL, &status)
	if err != nil {
		return types.StoryMedia{}, fmt.Errorf("postgres store: story media: %w", notFound(err))
	}
	m.Active = status == 1
	return m, nil
}

// SetGenAudioURL implements [store.Stories].
func (s *Store) SetGenAudioURL(ctx context.Context, storyID int64, url string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE story SET gen_audio_url = $1 WHERE id = $2`, url, storyID)
	if err != nil {
		return fmt.Errorf("postgres store: set generated audio: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: set generated audio: %w", store.ErrNotFound)
	}
	return nil
}

// ReplaceTimeline implements [store.Stories].
func (s *Store) ReplaceTimeline(ctx context.Context, storyID int64, events []types.TimelineEvent) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM timeline_color WHERE story_id = $1`, storyID); err != nil {
			return fmt.Errorf("postgres store: clear timeline: %w", err)
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"timeline_color"},
			[]string{"story_id", "time", "color", "image"},
			pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
				ev := events[i]
				return []any{storyID, int32(ev.Time), ev.Color, ev.Image}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("postgres store: write timeline: %w", err)
		}
		return nil
	})
}

// SetLike implements [store.Stories].
func (s *Store) SetLike(ctx context.Context, storyID, userID int64, like bool) (store.LikeResult, error) {
	var res store.LikeResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			id     int64
			status int16
		)
		err := tx.QueryRow(ctx, `SELECT id, status FROM story_has_likes WHERE user_id = $1 AND story_id = $2 FOR UPDATE`, userID, storyID).Scan(&id, &status)
		exists := err == nil
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres store: load like: %w", err)
		}

		switch {
		case like && exists && status == 1:
			res.LikeID = id
		case like && exists:
			if _, err := tx.Exec(ctx, `UPDATE story_has_likes SET status = 1, updated = now() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("postgres store: like: %w", err)
			}
			res.LikeID, res.Changed = id, true
		case like:
			err := tx.QueryRow(ctx, `
				INSERT INTO story_has_likes (user_id, story_id, updated, status)
				VALUES ($1, $2, now(), 1) RETURNING id`, userID, storyID).Scan(&res.LikeID)
			if err != nil {
				return fmt.Errorf("postgres store: like: %w", err)
			}
			res.Changed = true
		case exists && status == 1:
			if _, err := tx.Exec(ctx, `UPDATE story_has_likes SET status = 0, updated = now() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("postgres store: unlike: %w", err)
			}
			res.LikeID, res.Changed = id, true
		}

		err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM story_has_likes WHERE story_id = $1 AND status = 1`, storyID).Scan(&res.LikeCount)
		if err != nil {
			return fmt.Errorf("postgres store: count likes: %w", err)
		}
		return nil
	})
	if err != nil {
		return store.LikeResult{}, err
	}
	return res, nil
}

// RecordListen implements [store.Stories].
func (s *Store) RecordListen(ctx context.Context, storyID, userID int64, end *types.Clock) (int64, error) {
	var endArg *int32
	if end != nil {
		if *end < 0 || *end > types.MaxClock {
			return 0, fmt.Errorf("postgres store: end duration %d seconds out of range", int64(*end))
		}
		v := int32(*end)
		endArg = &v
	}
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE story SET listen_count = listen_count + 1 WHERE id = $1 AND status = 1`, storyID)
		if err != nil {
			return fmt.Errorf("postgres store: count listen: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres store: record listen: %w", store.ErrNotFound)
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO user_has_listen_stories (user_id, story_id, listen_time, end_duration)
			VALUES ($1, $2, now(), $3) RETURNING id`, userID, storyID, endArg).Scan(&id)
		if err != nil {
			return fmt.Errorf("postgres store: record listen: %w", err)
		}
		return nil
	})
	return id, err
}
