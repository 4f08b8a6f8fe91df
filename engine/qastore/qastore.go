// Package qastore implements the durable question/answer store: Neo4j nodes,
// a PostgreSQL table, or an in-process map.
package qastore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// prepare validates r and fills in the id, source and creation time when empty.
func prepare(r domain.QARecord) (domain.QARecord, error) {
	if strings.TrimSpace(r.QuestionText) == "" {
		return r, domain.NewValidationError("question_text", "", domain.ErrEmptyQuestion)
	}
	if strings.TrimSpace(r.AnswerText) == "" {
		return r, domain.NewValidationError("answer_text", "", domain.ErrValidation)
	}
	if r.Source == "" {
		r.Source = domain.SourceGenerated
	}
	if !r.Source.Valid() {
		return r, domain.NewValidationError("source", string(r.Source), domain.ErrValidation)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return r, nil
}

func notFound(id string) error {
	return fmt.Errorf("qastore: record %s: %w", id, domain.ErrNotFound)
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("qastore: encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("qastore: decode metadata: %w", err)
	}
	return m, nil
}
