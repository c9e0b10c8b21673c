package memory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/duplexvoice/voiceloop/internal/pipeline"
)

const ddlTurns = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turns (
    id              BIGSERIAL    PRIMARY KEY,
    user_id         TEXT         NOT NULL,
    user_text       TEXT         NOT NULL,
    assistant_text  TEXT         NOT NULL,
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turns_user_id ON turns (user_id);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || assistant_text));
`

const ddlTurnsEmbeddingIndex = `
CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON turns USING hnsw (embedding vector_cosine_ops);
`

// PostgresStore is a pipeline.MemoryStore backed by Postgres. With an
// Embedder configured it ranks Search results by pgvector cosine distance;
// without one it falls back to full-text search over the same table.
type PostgresStore struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewPostgresStore connects to dsn, registers pgvector types, and migrates
// the turns table. embedder may be nil, in which case Search uses full-text
// search instead of vector similarity. embeddingDimensions sizes the
// embedding column either way (1536 when it is not positive).
func NewPostgresStore(ctx context.Context, dsn string, embeddingDimensions int, embedder Embedder) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ping: %w", err)
	}

	if embeddingDimensions <= 0 {
		embeddingDimensions = 1536
	}
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlTurns, embeddingDimensions)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: migrate turns table: %w", err)
	}
	if embedder != nil {
		if _, err := pool.Exec(ctx, ddlTurnsEmbeddingIndex); err != nil {
			pool.Close()
			return nil, fmt.Errorf("memory: create embedding index: %w", err)
		}
	}

	return &PostgresStore{pool: pool, embedder: embedder}, nil
}

// RecordTurn inserts a completed turn, embedding it first if an Embedder is
// configured.
func (s *PostgresStore) RecordTurn(ctx context.Context, userID, userText, assistantText string) error {
	var vec *pgvector.Vector
	if s.embedder != nil {
		embedding, err := s.embedder.Embed(ctx, userText+"\n"+assistantText)
		if err != nil {
			return fmt.Errorf("memory: embed turn: %w", err)
		}
		v := pgvector.NewVector(embedding)
		vec = &v
	}

	const q = `INSERT INTO turns (user_id, user_text, assistant_text, embedding) VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, userID, userText, assistantText, vec); err != nil {
		return fmt.Errorf("memory: record turn: %w", err)
	}
	return nil
}

// Search returns the limit most relevant prior turns for userID.
func (s *PostgresStore) Search(ctx context.Context, queryText, userID string, limit int) ([]pipeline.Snippet, error) {
	if limit <= 0 {
		return nil, nil
	}
	if s.embedder != nil {
		return s.searchByEmbedding(ctx, queryText, userID, limit)
	}
	return s.searchByFullText(ctx, queryText, userID, limit)
}

func (s *PostgresStore) searchByEmbedding(ctx context.Context, queryText, userID string, limit int) ([]pipeline.Snippet, error) {
	embedding, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	queryVec := pgvector.NewVector(embedding)

	const q = `
		SELECT user_text, assistant_text, embedding <=> $1 AS distance
		FROM   turns
		WHERE  user_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, queryVec, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: vector search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Snippet, error) {
		var userText, assistantText string
		var distance float64
		if err := row.Scan(&userText, &assistantText, &distance); err != nil {
			return pipeline.Snippet{}, err
		}
		return pipeline.Snippet{Text: userText + "\n" + assistantText, Score: 1 - distance}, nil
	})
}

func (s *PostgresStore) searchByFullText(ctx context.Context, queryText, userID string, limit int) ([]pipeline.Snippet, error) {
	const q = `
		SELECT user_text, assistant_text,
		       ts_rank(to_tsvector('english', user_text || ' ' || assistant_text), plainto_tsquery('english', $1)) AS rank
		FROM   turns
		WHERE  user_id = $2
		  AND  to_tsvector('english', user_text || ' ' || assistant_text) @@ plainto_tsquery('english', $1)
		ORDER  BY rank DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, queryText, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: full-text search: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Snippet, error) {
		var userText, assistantText string
		var rank float64
		if err := row.Scan(&userText, &assistantText, &rank); err != nil {
			return pipeline.Snippet{}, err
		}
		return pipeline.Snippet{Text: userText + "\n" + assistantText, Score: rank}, nil
	})
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
