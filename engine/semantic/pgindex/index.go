// Package pgindex stores embeddings in PostgreSQL with the pgvector extension.
package pgindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
)

// DefaultTable holds the embeddings when no table is configured.
const DefaultTable = "qa_embeddings"

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Index is a cosine-distance vector index over a single table.
type Index struct {
	db    *sql.DB
	table string
	dim   int
}

// New wraps an open connection. The table name must be a plain lower-case
// identifier.
func New(db *sql.DB, table string, dim int) (*Index, error) {
	if table == "" {
		table = DefaultTable
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("pgindex: invalid table name %q", table)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("pgindex: dimension must be positive, got %d", dim)
	}
	return &Index{db: db, table: table, dim: dim}, nil
}

func (ix *Index) Dim() int { return ix.dim }

// schema returns the DDL run by EnsureSchema. Search orders by cosine
// distance, so the HNSW index uses vector_cosine_ops.
func (ix *Index) schema() []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			qa_id      TEXT NOT NULL,
			question   TEXT NOT NULL,
			answer     TEXT NOT NULL,
			is_variant BOOLEAN NOT NULL DEFAULT FALSE,
			source     TEXT NOT NULL DEFAULT '',
			language   TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			embedding  vector(%d) NOT NULL
		)`, ix.table, ix.dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_qa_id_idx ON %s (qa_id)`, ix.table, ix.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, ix.table, ix.table),
	}
}

// EnsureSchema creates the extension, table and indexes when missing, and
// fails with domain.ErrDimensionMismatch when the existing column has another
// size.
func (ix *Index) EnsureSchema(ctx context.Context) error {
	for _, s := range ix.schema() {
		if _, err := ix.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("pgindex: ensure schema: %w", err)
		}
	}

	// pgvector stores the dimension as the column's type modifier.
	var got int
	err := ix.db.QueryRowContext(ctx,
		`SELECT atttypmod FROM pg_attribute WHERE attrelid = $1::regclass AND attname = 'embedding'`,
		ix.table,
	).Scan(&got)
	if err != nil {
		return fmt.Errorf("pgindex: read embedding dimension: %w", err)
	}
	if got > 0 && got != ix.dim {
		return fmt.Errorf("pgindex: table %s: %w: table has %d, embeddings have %d",
			ix.table, domain.ErrDimensionMismatch, got, ix.dim)
	}
	return nil
}

// Ping checks the database is reachable.
func (ix *Index) Ping(ctx context.Context) error {
	if err := ix.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgindex: ping: %w", err)
	}
	return nil
}

// Upsert writes entries in one transaction, replacing rows with the same id.
func (ix *Index) Upsert(ctx context.Context, entries ...domain.EmbeddingEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if err := ix.checkDim(e.Vector); err != nil {
			return err
		}
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgindex: begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback())
		}
	}()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, qa_id, question, answer, is_variant, source, language, created_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			qa_id = EXCLUDED.qa_id,
			question = EXCLUDED.question,
			answer = EXCLUDED.answer,
			is_variant = EXCLUDED.is_variant,
			source = EXCLUDED.source,
			language = EXCLUDED.language,
			embedding = EXCLUDED.embedding
	`, ix.table)

	for _, e := range entries {
		id := e.ID
		if id == "" {
			id = semantic.PointID(e.QAID, e.Question)
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		if _, err = tx.ExecContext(ctx, query,
			id, e.QAID, e.Question, e.Answer, e.IsVariant, string(e.Source), e.Language, created,
			pgvector.NewVector(e.Vector),
		); err != nil {
			return fmt.Errorf("pgindex: upsert %s: %w", id, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("pgindex: commit: %w", err)
	}
	return nil
}

// Search returns up to limit rows whose cosine similarity is at least
// threshold, best first.
func (ix *Index) Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error) {
	if err := ix.checkDim(vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
		SELECT id, qa_id, question, answer, is_variant, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, id
		LIMIT $3
	`, ix.table)

	rows, err := ix.db.QueryContext(ctx, query, pgvector.NewVector(vector), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("pgindex: search: %w", err)
	}
	defer rows.Close()

	var out []domain.SimilarityMatch
	for rows.Next() {
		var m domain.SimilarityMatch
		var score float64
		if err := rows.Scan(&m.PointID, &m.QAID, &m.Question, &m.Answer, &m.IsVariant, &score); err != nil {
			return nil, fmt.Errorf("pgindex: scan: %w", err)
		}
		m.Score = float32(score)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgindex: rows: %w", err)
	}
	return out, nil
}

func (ix *Index) checkDim(vec []float32) error {
	if len(vec) != ix.dim {
		return fmt.Errorf("pgindex: %w: got %d, want %d", domain.ErrDimensionMismatch, len(vec), ix.dim)
	}
	return nil
}
