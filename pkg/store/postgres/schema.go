// Package postgres implements the Storyline repositories on PostgreSQL with
// pgx and pgvector.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
//
//	detail, err := st.StoryDetail(ctx, 42)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCore = `
CREATE TABLE IF NOT EXISTS users (
    id          BIGSERIAL    PRIMARY KEY,
    first_name  TEXT         NOT NULL,
    last_name   TEXT,
    bday        DATE,
    status      SMALLINT     NOT NULL DEFAULT 1,
    created     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS category (
    id           BIGSERIAL    PRIMARY KEY,
    name         TEXT         NOT NULL,
    description  TEXT,
    icon         TEXT,
    status       SMALLINT     NOT NULL DEFAULT 1,
    created      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS story (
    id             BIGSERIAL    PRIMARY KEY,
    user_id        BIGINT       NOT NULL REFERENCES users (id),
    title          TEXT         NOT NULL,
    story_url      TEXT,
    audio_blob     TEXT,
    gen_audio_url  TEXT,
    created        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_secs  INTEGER      NOT NULL DEFAULT 0,
    listen_count   INTEGER      NOT NULL DEFAULT 0,
    status         SMALLINT     NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_story_user ON story (user_id);
CREATE INDEX IF NOT EXISTS idx_story_created ON story (created);

CREATE TABLE IF NOT EXISTS story_has_categories (
    id           BIGSERIAL  PRIMARY KEY,
    story_id     BIGINT     NOT NULL REFERENCES story (id) ON DELETE CASCADE,
    category_id  BIGINT     NOT NULL REFERENCES category (id),
    UNIQUE (story_id, category_id)
);

CREATE INDEX IF NOT EXISTS idx_shc_category ON story_has_categories (category_id);

CREATE TABLE IF NOT EXISTS story_has_likes (
    id        BIGSERIAL    PRIMARY KEY,
    user_id   BIGINT       NOT NULL REFERENCES users (id),
    story_id  BIGINT       NOT NULL REFERENCES story (id) ON DELETE CASCADE,
    updated   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    status    SMALLINT     NOT NULL DEFAULT 1,
    UNIQUE (user_id, story_id)
);

CREATE TABLE IF NOT EXISTS user_has_listen_stories (
    id            BIGSERIAL    PRIMARY KEY,
    user_id       BIGINT       NOT NULL REFERENCES users (id),
    story_id      BIGINT       NOT NULL REFERENCES story (id) ON DELETE CASCADE,
    listen_time   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    end_duration  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_uhls_story_time ON user_has_listen_stories (story_id, listen_time);
CREATE INDEX IF NOT EXISTS idx_uhls_user_time ON user_has_listen_stories (user_id, listen_time);

CREATE TABLE IF NOT EXISTS user_preferred_categories (
    id           BIGSERIAL    PRIMARY KEY,
    user_id      BIGINT       NOT NULL REFERENCES users (id),
    category_id  BIGINT       NOT NULL REFERENCES category (id),
    created      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    status       SMALLINT     NOT NULL DEFAULT 1,
    UNIQUE (user_id, category_id)
);

CREATE TABLE IF NOT EXISTS timeline_color (
    id        BIGSERIAL  PRIMARY KEY,
    story_id  BIGINT     NOT NULL REFERENCES story (id) ON DELETE CASCADE,
    time      INTEGER    NOT NULL,
    color     TEXT       NOT NULL,
    image     TEXT
);

CREATE INDEX IF NOT EXISTS idx_timeline_story ON timeline_color (story_id, time);
`

const ddlPipeline = `
CREATE TABLE IF NOT EXISTS story_pipeline (
    story_id        BIGINT       PRIMARY KEY REFERENCES story (id) ON DELETE CASCADE,
    run_id          TEXT         NOT NULL DEFAULT '',
    status          TEXT         NOT NULL DEFAULT 'pending',
    stage           TEXT         NOT NULL DEFAULT '',
    completed       TEXT[]       NOT NULL DEFAULT '{}',
    attempts        INTEGER      NOT NULL DEFAULT 0,
    last_error      TEXT         NOT NULL DEFAULT '',
    transcript      TEXT         NOT NULL DEFAULT '',
    sentiment       TEXT         NOT NULL DEFAULT '',
    script          TEXT         NOT NULL DEFAULT '',
    narration_blob  TEXT         NOT NULL DEFAULT '',
    narration_url   TEXT         NOT NULL DEFAULT '',
    key_moments     TEXT[]       NOT NULL DEFAULT '{}',
    lease_owner     TEXT         NOT NULL DEFAULT '',
    lease_until     TIMESTAMPTZ,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    finished_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS story_pipeline_images (
    story_id    BIGINT       NOT NULL REFERENCES story_pipeline (story_id) ON DELETE CASCADE,
    idx         INTEGER      NOT NULL,
    moment      TEXT         NOT NULL,
    blob_name   TEXT         NOT NULL,
    url         TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (story_id, idx)
);
`

// ddlEmbeddings bakes the vector dimension into the column type.
func ddlEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS story_embeddings (
    story_id    BIGINT       PRIMARY KEY REFERENCES story (id) ON DELETE CASCADE,
    model       TEXT         NOT NULL,
    embedding   vector(%d)   NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_story_embeddings_hnsw
    ON story_embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates every table, index and extension the store needs. It is
// idempotent and safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range []string{ddlCore, ddlPipeline, ddlEmbeddings(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
