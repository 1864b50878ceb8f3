// Package ragstore is the PostgreSQL-backed document chunk store for the
// retrieval server. Chunks are pre-embedded pieces of source documents; the
// store answers approximate nearest-neighbour queries over their embeddings
// via the pgvector extension.
//
// Usage:
//
//	store, err := ragstore.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	results, _ := store.Search(ctx, queryEmbedding, 5)
package ragstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlChunks returns the chunk table DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    id          TEXT         PRIMARY KEY,
    document    TEXT         NOT NULL DEFAULT '',
    title       TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    properties  JSONB        NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_document_chunks_document
    ON document_chunks (document);

CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the chunk table and the pgvector extension
// exist. Idempotent and safe to call on every server start.
//
// embeddingDimensions must match the embedding model configured for the
// deployment (e.g., 1536 for OpenAI text-embedding-3-small). Changing the
// value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, ddlChunks(embeddingDimensions)); err != nil {
		return fmt.Errorf("ragstore migrate: %w", err)
	}
	return nil
}
