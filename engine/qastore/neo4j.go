package qastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/pkg/repo"
)

// RecordLabel is the node label of stored records.
const RecordLabel = "QARecord"

// nodeRepo is the subset of repo.Neo4jRepo used by Neo4jStore.
type nodeRepo interface {
	repo.Repository[domain.QARecord, string]
	Query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
	Ping(ctx context.Context) error
}

// Neo4jStore persists records as (:QARecord) nodes. Metadata is kept as a
// JSON string property since Neo4j properties cannot hold nested maps.
type Neo4jStore struct {
	nodes nodeRepo
}

// NewNeo4j creates a store on the given driver and database ("" for the default).
func NewNeo4j(driver neo4j.DriverWithContext, database string) *Neo4jStore {
	return &Neo4jStore{nodes: repo.NewNeo4jRepo[domain.QARecord, string](
		driver, RecordLabel, recordToMap, recordFromNode,
		repo.WithDatabase[domain.QARecord, string](database),
	)}
}

// EnsureSchema creates the uniqueness constraint on record ids.
func (s *Neo4jStore) EnsureSchema(ctx context.Context) error {
	_, err := s.nodes.Query(ctx,
		"CREATE CONSTRAINT qa_record_id IF NOT EXISTS FOR (n:"+RecordLabel+") REQUIRE n.id IS UNIQUE", nil)
	return err
}

func (s *Neo4jStore) Create(ctx context.Context, r domain.QARecord) (domain.QARecord, error) {
	r, err := prepare(r.Clone())
	if err != nil {
		return domain.QARecord{}, err
	}
	out, err := s.nodes.Create(ctx, r)
	if err != nil {
		return domain.QARecord{}, fmt.Errorf("qastore: create: %w", err)
	}
	return out, nil
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (domain.QARecord, error) {
	r, err := s.nodes.Get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.QARecord{}, notFound(id)
	}
	if err != nil {
		return domain.QARecord{}, fmt.Errorf("qastore: get %s: %w", id, err)
	}
	return r, nil
}

// AppendMetadata reads the record, merges the new keys and writes it back
// only when something was added.
func (s *Neo4jStore) AppendMetadata(ctx context.Context, id string, extra map[string]any) error {
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !r.MergeMetadata(extra) {
		return nil
	}
	if _, err := s.nodes.Update(ctx, r); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFound(id)
		}
		return fmt.Errorf("qastore: append metadata %s: %w", id, err)
	}
	return nil
}

func (s *Neo4jStore) Ping(ctx context.Context) error {
	return s.nodes.Ping(ctx)
}

func recordToMap(r domain.QARecord) map[string]any {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		meta = "{}"
	}
	return map[string]any{
		"id":            r.ID,
		"question_text": r.QuestionText,
		"answer_text":   r.AnswerText,
		"confidence":    r.Confidence,
		"source":        string(r.Source),
		"embedding_ref": r.EmbeddingRef,
		"metadata":      meta,
		"created_at":    r.CreatedAt.UTC(),
	}
}

func recordFromNode(rec *neo4j.Record) (domain.QARecord, error) {
	props, err := repo.NodeProps(rec)
	if err != nil {
		return domain.QARecord{}, err
	}
	str := func(k string) string {
		s, _ := props[k].(string)
		return s
	}
	r := domain.QARecord{
		ID:           str("id"),
		QuestionText: str("question_text"),
		AnswerText:   str("answer_text"),
		Source:       domain.Source(str("source")),
		EmbeddingRef: str("embedding_ref"),
	}
	switch c := props["confidence"].(type) {
	case float64:
		r.Confidence = c
	case int64:
		r.Confidence = float64(c)
	}
	switch t := props["created_at"].(type) {
	case time.Time:
		r.CreatedAt = t.UTC()
	case string:
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, t)
	}
	if r.Metadata, err = decodeMetadata([]byte(str("metadata"))); err != nil {
		return domain.QARecord{}, err
	}
	return r, nil
}
