package qa

import (
	"context"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores embedding entries and returns nearest neighbours by
// cosine similarity.
type VectorIndex interface {
	Upsert(ctx context.Context, entries ...domain.EmbeddingEntry) error
	Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error)
}

// RecordStore is the durable question/answer store. Get returns an error
// matching domain.ErrNotFound for unknown ids.
type RecordStore interface {
	Create(ctx context.Context, r domain.QARecord) (domain.QARecord, error)
	Get(ctx context.Context, id string) (domain.QARecord, error)
	AppendMetadata(ctx context.Context, id string, extra map[string]any) error
}

// Completer produces a free-text answer for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ContextEnricher returns optional text added to the generation prompt.
type ContextEnricher interface {
	Enrich(ctx context.Context, question string) (string, error)
}

// Paraphraser is an optional Completer capability for generating question
// paraphrases natively.
type Paraphraser interface {
	Paraphrase(ctx context.Context, question string, n int) ([]string, error)
}

// SupportsParaphrase reports whether c can paraphrase natively.
func SupportsParaphrase(c Completer) (Paraphraser, bool) {
	p, ok := c.(Paraphraser)
	return p, ok
}

// SupportsPing returns v's liveness probe, looking through wrappers that
// expose Unwrap. It returns nil when there is none.
func SupportsPing(v any) health.Pinger {
	for v != nil {
		if p, ok := v.(health.Pinger); ok {
			return p
		}
		u, ok := v.(interface{ Unwrap() Embedder })
		if !ok {
			return nil
		}
		v = u.Unwrap()
	}
	return nil
}
