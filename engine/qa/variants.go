package qa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
)

const variantPrompt = "Rewrite the question below in %d different ways that keep its meaning. " +
	"Use the same language as the question. Reply with a JSON array of strings only.\n\nQuestion: %s"

// errNoVariants is returned when the provider yields nothing usable.
var errNoVariants = errors.New("no usable variants")

type embedded struct {
	question string
	vector   []float32
	err      error
}

// augment generates paraphrases of question, embeds them and indexes each as
// a variant entry of qaID. It returns how many were indexed.
func (s *Service) augment(ctx context.Context, qaID, question, answer, language string) (int, error) {
	defer s.metrics.ObserveStage("variants", time.Now())
	if language == "" {
		language = domain.DetectLanguage(question)
	}

	raw, err := s.paraphrase(ctx, question)
	if err != nil {
		s.metrics.Variant("failed", 1)
		return 0, fmt.Errorf("qa: variants: %w", err)
	}
	candidates := cleanVariants(question, raw)
	if d := len(raw) - len(candidates); d > 0 {
		s.metrics.Variant("discarded", d)
	}
	candidates = fn.Take(candidates, s.opts.VariantCount)
	if len(candidates) == 0 {
		return 0, fmt.Errorf("qa: variants: %w", errNoVariants)
	}

	vectors := fn.ParMap(candidates, s.opts.EmbedWorkers, func(q string) embedded {
		vec, err := s.embed(ctx, q)
		return embedded{question: q, vector: vec, err: err}
	})

	for _, v := range vectors {
		if v.err != nil {
			s.metrics.Variant("failed", 1)
			s.logger.Warn("qa: variant not embedded", "qa_id", qaID, "stage", "variants", "err", v.err)
		}
	}
	now := time.Now().UTC()
	entries := fn.Map(fn.Filter(vectors, func(v embedded) bool { return v.err == nil }),
		func(v embedded) domain.EmbeddingEntry {
			return domain.EmbeddingEntry{
				ID:        semantic.PointID(qaID, v.question),
				Vector:    v.vector,
				QAID:      qaID,
				Question:  v.question,
				Answer:    answer,
				IsVariant: true,
				Source:    domain.SourceVariant,
				Language:  language,
				CreatedAt: now,
			}
		})
	if len(entries) == 0 {
		return 0, fmt.Errorf("qa: variants: %w", errNoVariants)
	}

	err = s.index.Upsert(ctx, entries...)
	s.monitor.Report(health.ComponentIndex, err)
	if err != nil {
		s.metrics.Variant("failed", len(entries))
		return 0, fmt.Errorf("qa: variants: index: %w", err)
	}
	s.metrics.Variant("indexed", len(entries))

	err = s.store.AppendMetadata(ctx, qaID, map[string]any{
		"variant_count":         len(entries),
		"variants_generated_at": now.Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Warn("qa: variant metadata not recorded", "qa_id", qaID, "stage", "variants", "err", err)
	}
	return len(entries), nil
}

// paraphrase asks the completion provider for VariantCount rewrites, using
// the native capability when the provider has one.
func (s *Service) paraphrase(ctx context.Context, question string) ([]string, error) {
	if err := s.monitor.Allow(health.ComponentCompletion); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.GenerateTimeout)
	defer cancel()

	if p, ok := SupportsParaphrase(s.completer); ok {
		out, err := p.Paraphrase(ctx, question, s.opts.VariantCount)
		s.monitor.Report(health.ComponentCompletion, err)
		return out, err
	}
	text, err := s.completer.Complete(ctx, fmt.Sprintf(variantPrompt, s.opts.VariantCount, question))
	s.monitor.Report(health.ComponentCompletion, err)
	if err != nil {
		return nil, err
	}
	return parseVariants(text), nil
}

// parseVariants reads a JSON array of strings, tolerating surrounding prose
// or code fences. Without a parseable array each non-empty line is a variant.
func parseVariants(text string) []string {
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		var out []string
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			return out
		}
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•0123456789.) ")
		line = strings.Trim(line, `"`)
		if line != "" && !strings.HasPrefix(line, "```") {
			out = append(out, line)
		}
	}
	return out
}

// cleanVariants normalizes candidates and drops empty ones, the original
// question, and duplicates.
func cleanVariants(original string, raw []string) []string {
	var out []string
	for _, v := range raw {
		n, err := domain.NormalizeQuestion(v)
		if err != nil || strings.EqualFold(n, original) {
			continue
		}
		out = append(out, n)
	}
	return fn.UniqueBy(out, strings.ToLower)
}
