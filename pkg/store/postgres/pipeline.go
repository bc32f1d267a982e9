package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

const runColumns = `
	story_id, run_id, status, stage, completed, attempts, last_error,
	transcript, sentiment, script, narration_blob, narration_url, key_moments,
	lease_owner, lease_until, created_at, updated_at, finished_at`

func scanRun(row pgx.Row) (*types.PipelineRun, error) {
	var (
		r          types.PipelineRun
		status     string
		stage      string
		completed  []string
		leaseUntil *time.Time
	)
	err := row.Scan(&r.StoryID, &r.RunID, &status, &stage, &completed, &r.Attempts, &r.LastError,
		&r.Transcript, &r.Sentiment, &r.Script, &r.NarrationBlob, &r.NarrationURL, &r.KeyMoments,
		&r.LeaseOwner, &leaseUntil, &r.CreatedAt, &r.UpdatedAt, &r.FinishedAt)
	if err != nil {
		return nil, err
	}
	r.Status = types.RunStatus(status)
	r.Stage = types.Stage(stage)
	for _, c := range completed {
		r.Completed = append(r.Completed, types.Stage(c))
	}
	if leaseUntil != nil {
		r.LeaseUntil = *leaseUntil
	}
	return &r, nil
}

func loadRun(ctx context.Context, q querier, storyID int64) (*types.PipelineRun, error) {
	run, err := scanRun(q.QueryRow(ctx, `SELECT `+runColumns+` FROM story_pipeline WHERE story_id = $1`, storyID))
	if err != nil {
		return nil, notFound(err)
	}
	rows, err := q.Query(ctx, `SELECT idx, moment, blob_name, url FROM story_pipeline_images WHERE story_id = $1 ORDER BY idx`, storyID)
	if err != nil {
		return nil, err
	}
	run.Images, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.PipelineImage, error) {
		var img types.PipelineImage
		var idx int32
		err := row.Scan(&idx, &img.Moment, &img.BlobName, &img.URL)
		img.Index = int(idx)
		return img, err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ClaimRun implements [store.Pipeline].
func (s *Store) ClaimRun(ctx context.Context, storyID int64, owner string, ttl time.Duration, force bool) (*types.PipelineRun, error) {
	var claimed *types.PipelineRun
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO story_pipeline (story_id) VALUES ($1) ON CONFLICT DO NOTHING`, storyID); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return store.ErrNotFound
			}
			return fmt.Errorf("create run: %w", err)
		}

		var (
			status   string
			leaseOwn string
			live     bool
		)
		err := tx.QueryRow(ctx, `
			SELECT status, lease_owner, (lease_until IS NOT NULL AND lease_until > now())
			FROM   story_pipeline WHERE story_id = $1 FOR UPDATE`, storyID).Scan(&status, &leaseOwn, &live)
		if err != nil {
			return fmt.Errorf("lock run: %w", err)
		}
		switch {
		case types.RunStatus(status) == types.RunRunning && live && leaseOwn != owner:
			return store.ErrLeaseHeld
		case types.RunStatus(status) == types.RunSucceeded && !force:
			claimed, err = loadRun(ctx, tx, storyID)
			if err != nil {
				return fmt.Errorf("load run: %w", err)
			}
			return store.ErrRunSucceeded
		}

		if force {
			if _, err := tx.Exec(ctx, `DELETE FROM story_pipeline_images WHERE story_id = $1`, storyID); err != nil {
				return fmt.Errorf("reset images: %w", err)
			}
			_, err := tx.Exec(ctx, `
				UPDATE story_pipeline
				SET    stage = '', completed = '{}', attempts = 0, transcript = '', sentiment = '',
				       script = '', narration_blob = '', narration_url = '', key_moments = '{}'
				WHERE  story_id = $1`, storyID)
			if err != nil {
				return fmt.Errorf("reset run: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE story_pipeline
			SET    run_id = $2, status = 'running', attempts = attempts + 1, last_error = '',
			       lease_owner = $2, lease_until = $3, updated_at = now(), finished_at = NULL
			WHERE  story_id = $1`, storyID, owner, time.Now().Add(ttl))
		if err != nil {
			return fmt.Errorf("take lease: %w", err)
		}
		claimed, err = loadRun(ctx, tx, storyID)
		if err != nil {
			return fmt.Errorf("load run: %w", err)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrRunSucceeded):
		return claimed, err
	case err != nil:
		return nil, fmt.Errorf("postgres store: claim run %d: %w", storyID, err)
	}
	return claimed, nil
}

// Checkpoint implements [store.Pipeline].
func (s *Store) Checkpoint(ctx context.Context, run *types.PipelineRun) error {
	completed := make([]string, len(run.Completed))
	for i, c := range run.Completed {
		completed[i] = string(c)
	}
	moments := run.KeyMoments
	if moments == nil {
		moments = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE story_pipeline
		SET    stage = $3, completed = $4, transcript = $5, sentiment = $6, script = $7,
		       narration_blob = $8, narration_url = $9, key_moments = $10,
		       lease_until = $11, updated_at = now()
		WHERE  story_id = $1 AND lease_owner = $2 AND status = 'running'`,
		run.StoryID, run.LeaseOwner, string(run.Stage), completed, run.Transcript, run.Sentiment,
		run.Script, run.NarrationBlob, run.NarrationURL, moments, run.LeaseUntil)
	if err != nil {
		return fmt.Errorf("postgres store: checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: checkpoint story %d: %w", run.StoryID, store.ErrLeaseLost)
	}
	return nil
}

// RecordImage implements [store.Pipeline].
func (s *Store) RecordImage(ctx context.Context, storyID int64, owner string, img types.PipelineImage) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO story_pipeline_images (story_id, idx, moment, blob_name, url)
		SELECT $1, $3, $4, $5, $6
		WHERE  EXISTS (SELECT 1 FROM story_pipeline WHERE story_id = $1 AND lease_owner = $2 AND status = 'running')
		ON CONFLICT (story_id, idx) DO UPDATE
		SET    moment = EXCLUDED.moment, blob_name = EXCLUDED.blob_name, url = EXCLUDED.url, created_at = now()`,
		storyID, owner, int32(img.Index), img.Moment, img.BlobName, img.URL)
	if err != nil {
		return fmt.Errorf("postgres store: record image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: record image story %d: %w", storyID, store.ErrLeaseLost)
	}
	return nil
}

// FinishRun implements [store.Pipeline].
func (s *Store) FinishRun(ctx context.Context, run *types.PipelineRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE story_pipeline
		SET    status = $3, stage = $4, last_error = $5, lease_owner = '', lease_until = NULL,
		       updated_at = now(), finished_at = now()
		WHERE  story_id = $1 AND lease_owner = $2`,
		run.StoryID, run.LeaseOwner, string(run.Status), string(run.Stage), run.LastError)
	if err != nil {
		return fmt.Errorf("postgres store: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: finish run story %d: %w", run.StoryID, store.ErrLeaseLost)
	}
	return nil
}

// GetRun implements [store.Pipeline].
func (s *Store) GetRun(ctx context.Context, storyID int64) (*types.PipelineRun, error) {
	run, err := loadRun(ctx, s.pool, storyID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get run: %w", err)
	}
	return run, nil
}
