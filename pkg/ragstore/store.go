package ragstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Chunk is one stored piece of a source document.
type Chunk struct {
	ID         string
	Document   string
	Title      string
	Content    string
	Properties map[string]any
}

// ChunkResult pairs a chunk with its cosine distance from the query vector.
// Distance is in [0, 2]; smaller is more similar.
type ChunkResult struct {
	Chunk    Chunk
	Distance float64
}

// Score converts the cosine distance into a similarity score in [-1, 1],
// where 1 is identical.
func (r ChunkResult) Score() float64 {
	return 1 - r.Distance
}

// Store answers nearest-neighbour queries over the document_chunks table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure the table and extension exist.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ragstore: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ragstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ragstore: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ragstore: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping probes database connectivity, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert inserts or fully replaces a pre-embedded chunk.
func (s *Store) Upsert(ctx context.Context, chunk Chunk, embedding []float32) error {
	const q = `
		INSERT INTO document_chunks
		    (id, document, title, content, embedding, properties)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    document   = EXCLUDED.document,
		    title      = EXCLUDED.title,
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    properties = EXCLUDED.properties`

	props := chunk.Properties
	if props == nil {
		props = map[string]any{}
	}
	_, err := s.pool.Exec(ctx, q,
		chunk.ID,
		chunk.Document,
		chunk.Title,
		chunk.Content,
		pgvector.NewVector(embedding),
		props,
	)
	if err != nil {
		return fmt.Errorf("ragstore: upsert chunk: %w", err)
	}
	return nil
}

// Search finds the topK chunks whose embeddings are closest (cosine
// distance) to the supplied query embedding. Results are ordered by
// ascending distance, most similar first.
func (s *Store) Search(ctx context.Context, embedding []float32, topK int) ([]ChunkResult, error) {
	const q = `
		SELECT id, document, title, content, properties,
		       embedding <=> $1 AS distance
		FROM   document_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("ragstore: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChunkResult, error) {
		var cr ChunkResult
		if err := row.Scan(
			&cr.Chunk.ID,
			&cr.Chunk.Document,
			&cr.Chunk.Title,
			&cr.Chunk.Content,
			&cr.Chunk.Properties,
			&cr.Distance,
		); err != nil {
			return ChunkResult{}, err
		}
		return cr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("ragstore: scan rows: %w", err)
	}
	if results == nil {
		results = []ChunkResult{}
	}
	return results, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
