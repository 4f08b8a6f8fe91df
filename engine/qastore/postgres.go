package qastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS qa_records (
	id            TEXT PRIMARY KEY,
	question_text TEXT NOT NULL,
	answer_text   TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	source        TEXT NOT NULL,
	embedding_ref TEXT NOT NULL DEFAULT '',
	metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists records in the qa_records table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres wraps an open connection, usually from pgdb.Open.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordsSchema); err != nil {
		return fmt.Errorf("qastore: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r domain.QARecord) (domain.QARecord, error) {
	r, err := prepare(r.Clone())
	if err != nil {
		return domain.QARecord{}, err
	}
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return domain.QARecord{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qa_records (id, question_text, answer_text, confidence, source, embedding_ref, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, r.ID, r.QuestionText, r.AnswerText, r.Confidence, string(r.Source), r.EmbeddingRef, meta, r.CreatedAt)
	if err != nil {
		return domain.QARecord{}, fmt.Errorf("qastore: create: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.QARecord, error) {
	var (
		r    domain.QARecord
		src  string
		meta []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, question_text, answer_text, confidence, source, embedding_ref, metadata, created_at
		FROM qa_records WHERE id = $1
	`, id).Scan(&r.ID, &r.QuestionText, &r.AnswerText, &r.Confidence, &src, &r.EmbeddingRef, &meta, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QARecord{}, notFound(id)
	}
	if err != nil {
		return domain.QARecord{}, fmt.Errorf("qastore: get %s: %w", id, err)
	}
	r.Source = domain.Source(src)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Metadata, err = decodeMetadata(meta); err != nil {
		return domain.QARecord{}, err
	}
	return r, nil
}

// AppendMetadata merges extra into the stored metadata in one statement.
// The right-hand operand of jsonb || wins, so existing keys are kept.
func (s *PostgresStore) AppendMetadata(ctx context.Context, id string, extra map[string]any) error {
	meta, err := encodeMetadata(extra)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE qa_records SET metadata = $2::jsonb || metadata WHERE id = $1`, id, meta)
	if err != nil {
		return fmt.Errorf("qastore: append metadata %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("qastore: ping: %w", err)
	}
	return nil
}
