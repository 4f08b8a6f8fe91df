package semantic

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// MemoryIndex is an in-process brute-force cosine index.
type MemoryIndex struct {
	mu     sync.RWMutex
	dim    int
	points map[string]domain.EmbeddingEntry
}

// NewMemoryIndex creates an empty index for vectors of size dim.
func NewMemoryIndex(dim int) *MemoryIndex {
	return &MemoryIndex{dim: dim, points: make(map[string]domain.EmbeddingEntry)}
}

func (m *MemoryIndex) Dim() int { return m.dim }

// Upsert stores or replaces entries by id.
func (m *MemoryIndex) Upsert(_ context.Context, entries ...domain.EmbeddingEntry) error {
	for _, e := range entries {
		if err := checkDim(m.dim, e.Vector); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		e = withID(e)
		e.Vector = append([]float32(nil), e.Vector...)
		m.points[e.ID] = e
	}
	return nil
}

// Search scans every point and returns the best matches at or above threshold.
func (m *MemoryIndex) Search(ctx context.Context, vector []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error) {
	if err := checkDim(m.dim, vector); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	var out []domain.SimilarityMatch
	for id, p := range m.points {
		score := Cosine(vector, p.Vector)
		if score < threshold {
			continue
		}
		out = append(out, domain.SimilarityMatch{
			PointID:   id,
			QAID:      p.QAID,
			Score:     score,
			Question:  p.Question,
			Answer:    p.Answer,
			IsVariant: p.IsVariant,
		})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PointID < out[j].PointID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Entries returns a snapshot of the stored points.
func (m *MemoryIndex) Entries() []domain.EmbeddingEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.EmbeddingEntry, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, p)
	}
	return out
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }

// Cosine returns the cosine similarity of a and b, or 0 when either is zero or
// their lengths differ.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
