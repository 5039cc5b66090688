// Package postgres provides the PostgreSQL-backed character store.
//
// Records live in a single life_strands table. The full record is stored as
// JSONB in life_strand_data; frequently filtered fields (status, location,
// faction, traits) are projected into dedicated indexed columns, and the
// embedding column carries a pgvector value with an IVFFlat cosine index for
// nearest-neighbour search.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 384)
//	if err != nil { … }
//	defer store.Close()
//
//	id, err := store.Create(ctx, record)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlLifeStrands returns the schema DDL with the embedding dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlLifeStrands(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS life_strands (
    id                    UUID         PRIMARY KEY,
    name                  TEXT         NOT NULL,
    location              TEXT         NOT NULL DEFAULT '',
    faction               TEXT         NOT NULL DEFAULT '',
    status                TEXT         NOT NULL DEFAULT 'active',
    background_occupation TEXT         NOT NULL DEFAULT '',
    background_age        INT          NOT NULL DEFAULT 0,
    personality_traits    JSONB        NOT NULL DEFAULT '[]',
    life_strand_data      JSONB        NOT NULL,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    embedding             vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_life_strands_status
    ON life_strands (status);

CREATE INDEX IF NOT EXISTS idx_life_strands_location
    ON life_strands (location);

CREATE INDEX IF NOT EXISTS idx_life_strands_faction
    ON life_strands (faction);

CREATE INDEX IF NOT EXISTS idx_life_strands_updated_at
    ON life_strands (updated_at);

CREATE INDEX IF NOT EXISTS idx_life_strands_traits
    ON life_strands USING GIN (personality_traits);

CREATE INDEX IF NOT EXISTS idx_life_strands_embedding
    ON life_strands USING ivfflat (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the life_strands schema. It is idempotent and
// safe to call on every application start.
//
// If the table already exists with a different embedding dimension, Migrate
// fails instead of silently serving vectors of the wrong length. Changing the
// dimension requires a manual schema change and a re-embedding pass.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlLifeStrands(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return verifyDimension(ctx, pool, embeddingDimensions)
}

// verifyDimension compares the live embedding column dimension against the
// configured one. For vector columns atttypmod holds the dimension directly.
func verifyDimension(ctx context.Context, pool *pgxpool.Pool, want int) error {
	const q = `
		SELECT atttypmod
		FROM   pg_attribute
		WHERE  attrelid = 'life_strands'::regclass
		  AND  attname = 'embedding'`

	var mod int
	err := pool.QueryRow(ctx, q).Scan(&mod)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres migrate: life_strands.embedding column missing")
	}
	if err != nil {
		return fmt.Errorf("postgres migrate: inspect embedding column: %w", err)
	}
	if mod != want {
		return fmt.Errorf("postgres migrate: life_strands.embedding has dimension %d, configured %d", mod, want)
	}
	return nil
}
