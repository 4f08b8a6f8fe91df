package qa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
)

type searchQuery struct {
	vector    []float32
	limit     int
	threshold float32
}

func (s *Service) embedRaw(ctx context.Context, text string) fn.Result[[]float32] {
	defer s.metrics.ObserveStage("embed", time.Now())
	vec, err := s.embedder.Embed(ctx, text)
	if err == nil && len(vec) == 0 {
		err = fmt.Errorf("qa: embed: empty vector")
	}
	s.monitor.Report(health.ComponentEmbedding, err)
	return fn.FromPair(vec, err)
}

func (s *Service) searchRaw(ctx context.Context, q searchQuery) fn.Result[[]domain.SimilarityMatch] {
	defer s.metrics.ObserveStage("search", time.Now())
	matches, err := s.index.Search(ctx, q.vector, q.limit, q.threshold)
	// A width mismatch is a configuration fault, not an index outage.
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		s.monitor.Report(health.ComponentIndex, err)
	}
	if err != nil {
		return fn.Err[[]domain.SimilarityMatch](err)
	}
	return fn.Ok(rank(matches, q.threshold, q.limit))
}

// dimProbeText is embedded once at startup to learn the provider's width.
const dimProbeText = "dimension check"

// CheckEmbeddingDim embeds a fixed text and compares the vector width with
// dim. A mismatch wraps domain.ErrDimensionMismatch; any other error means
// the provider could not be reached.
func CheckEmbeddingDim(ctx context.Context, e Embedder, dim int) error {
	vec, err := e.Embed(ctx, dimProbeText)
	if err != nil {
		return fmt.Errorf("qa: embedding dimension check: %w", err)
	}
	if len(vec) != dim {
		return fmt.Errorf("qa: %w: provider returns %d, index expects %d", domain.ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

func (s *Service) embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedStage(ctx, text).Unwrap()
}

func (s *Service) search(ctx context.Context, vector []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error) {
	return s.searchStage(ctx, searchQuery{vector: vector, limit: limit, threshold: threshold}).Unwrap()
}

// rank drops matches below threshold and orders the rest by descending
// score, point id breaking ties. The index ordering is not relied upon.
func rank(matches []domain.SimilarityMatch, threshold float32, limit int) []domain.SimilarityMatch {
	out := fn.Filter(matches, func(m domain.SimilarityMatch) bool { return m.Score >= threshold })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].PointID < out[j].PointID
	})
	if limit > 0 {
		out = fn.Take(out, limit)
	}
	return out
}

// decide applies the binary cache policy: only a top match at or above the
// quality threshold is a hit. Matches are expected in rank order.
func decide(matches []domain.SimilarityMatch, quality float32) (domain.SimilarityMatch, bool) {
	if len(matches) == 0 {
		return domain.SimilarityMatch{}, false
	}
	top := matches[0]
	return top, top.Score >= quality
}

// similarQuestions collapses matches into one suggestion per QA record,
// skipping exclude, keeping the best score of each.
func similarQuestions(matches []domain.SimilarityMatch, exclude string, n int) []domain.SimilarQuestion {
	seen := map[string]bool{exclude: true}
	var out []domain.SimilarQuestion
	for _, m := range matches {
		if seen[m.QAID] {
			continue
		}
		seen[m.QAID] = true
		out = append(out, domain.SimilarQuestion{QAID: m.QAID, Question: m.Question, Answer: m.Answer, Score: m.Score})
		if len(out) == n {
			break
		}
	}
	return out
}
