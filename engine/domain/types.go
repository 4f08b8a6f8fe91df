// Package domain holds the Q&A cache data model, error taxonomy and the
// question normalizer shared by every engine package.
package domain

import (
	"maps"
	"time"
)

// Source is the provenance tag of a QARecord. It is set once and never overwritten.
type Source string

const (
	SourceCurated   Source = "curated"
	SourceGenerated Source = "generated"
	SourceVariant   Source = "variant"
)

// Valid reports whether s is a known provenance tag.
func (s Source) Valid() bool {
	switch s {
	case SourceCurated, SourceGenerated, SourceVariant:
		return true
	}
	return false
}

// QARecord is a durable question/answer pair. QuestionText is always the
// normalized form of the question.
type QARecord struct {
	ID           string         `json:"id"`
	QuestionText string         `json:"question_text"`
	AnswerText   string         `json:"answer_text"`
	Confidence   float64        `json:"confidence"`
	Source       Source         `json:"source"`
	EmbeddingRef string         `json:"embedding_ref,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// MergeMetadata adds keys from extra that are not already present.
// Existing keys are never replaced. It reports whether anything was added.
func (r *QARecord) MergeMetadata(extra map[string]any) bool {
	if len(extra) == 0 {
		return false
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]any, len(extra))
	}
	added := false
	for k, v := range extra {
		if _, ok := r.Metadata[k]; ok {
			continue
		}
		r.Metadata[k] = v
		added = true
	}
	return added
}

// Clone returns a copy of r whose metadata map is not shared.
func (r QARecord) Clone() QARecord {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// EmbeddingEntry is one point in the vector index. QAID is a weak back-reference
// to the QARecord; the index does not own the record's lifecycle.
type EmbeddingEntry struct {
	ID        string
	Vector    []float32
	QAID      string
	Question  string
	Answer    string
	IsVariant bool
	Source    Source
	Language  string
	CreatedAt time.Time
}

// SimilarityMatch is a query-time search hit. It is never persisted.
type SimilarityMatch struct {
	PointID   string  `json:"point_id,omitempty"`
	QAID      string  `json:"qa_id"`
	Score     float32 `json:"score"`
	Question  string  `json:"question,omitempty"`
	Answer    string  `json:"answer_text"`
	IsVariant bool    `json:"is_variant"`
}

// ResultSource tells the caller where an answer came from.
type ResultSource string

const (
	ResultCache     ResultSource = "cache"
	ResultGenerated ResultSource = "generated"
)

// ProcessingResult is the output of one pipeline run.
type ProcessingResult struct {
	Answer         string         `json:"answer"`
	Source         ResultSource   `json:"source"`
	Confidence     float64        `json:"confidence"`
	Steps          []string       `json:"processing_steps"`
	ProcessingTime time.Duration  `json:"-"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep enough copy for handing the same result to several callers.
func (p *ProcessingResult) Clone() *ProcessingResult {
	if p == nil {
		return nil
	}
	out := *p
	out.Steps = append([]string(nil), p.Steps...)
	out.Metadata = maps.Clone(p.Metadata)
	return &out
}

// CuratedPair is a human-provided question/answer used for bulk import.
type CuratedPair struct {
	Question string         `json:"question" yaml:"question"`
	Answer   string         `json:"answer" yaml:"answer"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SimilarQuestion is a suggestion returned by similar-question lookups.
type SimilarQuestion struct {
	QAID     string  `json:"qa_id"`
	Question string  `json:"question"`
	Answer   string  `json:"answer"`
	Score    float32 `json:"score"`
	Source   Source  `json:"source,omitempty"`
}
