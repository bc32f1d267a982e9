package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/storyline/pkg/types"
)

// UpsertStoryEmbedding implements [store.Embeddings].
func (s *Store) UpsertStoryEmbedding(ctx context.Context, storyID int64, model string, vec []float32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO story_embeddings (story_id, model, embedding, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (story_id) DO UPDATE
		SET    model = EXCLUDED.model, embedding = EXCLUDED.embedding, updated_at = now()`,
		storyID, model, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("postgres store: upsert embedding: %w", err)
	}
	return nil
}

// SimilarStories implements [store.Embeddings]. Results are ordered by
// ascending cosine distance and exclude the story itself.
func (s *Store) SimilarStories(ctx context.Context, storyID int64, limit int) ([]types.SimilarStory, error) {
	var query pgvector.Vector
	err := s.pool.QueryRow(ctx, `SELECT embedding FROM story_embeddings WHERE story_id = $1`, storyID).Scan(&query)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar stories: %w", notFound(err))
	}

	q := `
		SELECT s.id, s.title, s.created, s.duration_secs, u.id, u.first_name, u.last_name, ` + likeCountExpr + `,
		       e.embedding <=> $1 AS distance
		FROM   story_embeddings e
		JOIN   story s ON e.story_id = s.id
		JOIN   users u ON s.user_id = u.id
		WHERE  s.status = 1 AND s.id <> $2
		ORDER  BY distance
		LIMIT  $3`
	rows, err := s.pool.Query(ctx, q, query, storyID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar stories: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SimilarStory, error) {
		var (
			st      types.SimilarStory
			created time.Time
			secs    int32
		)
		err := row.Scan(&st.ID, &st.Title, &created, &secs, &st.Author.ID, &st.Author.FirstName,
			&st.Author.LastName, &st.LikeCount, &st.Distance)
		st.Created = types.NewDate(created)
		st.Duration = types.Clock(secs)
		return st, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar stories: %w", err)
	}

	ids := make([]int64, len(out))
	for i, st := range out {
		ids[i] = st.ID
	}
	refs, err := categoryRefs(ctx, s.pool, ids, false)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar stories: %w", err)
	}
	for i := range out {
		out[i].Categories = emptyRefs(refs[out[i].ID])
	}
	return out, nil
}
