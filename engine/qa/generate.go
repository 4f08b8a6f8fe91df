package qa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/provider"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
)

// errLowQuality marks an answer rejected by the quality check.
var errLowQuality = errors.New("low quality answer")

const (
	minAnswerRunes   = 10
	shortAnswerRunes = 200

	baseConfidence    = 0.8
	contextConfidence = 0.85
	hedgedConfidence  = 0.6
)

var refusalPatterns = []string{
	"i'm sorry", "i am sorry", "i apologize", "i cannot", "i can't", "i am unable", "i'm unable",
	"as an ai", "unable to answer",
	"عذرا", "عذراً", "آسف", "لا أستطيع", "لا يمكنني",
}

var hedgePatterns = []string{
	"i'm not sure", "i am not sure", "not certain", "it is unclear", "it's unclear", "possibly", "might be",
	"غير متأكد", "ربما", "قد يكون",
}

type generation struct {
	text        string
	confidence  float64
	contextUsed bool
}

// generate asks the completion provider for an answer. Transient failures are
// retried with backoff; rate-limit and authorization failures are not. An
// answer failing the quality check is regenerated QualityRetries times.
func (s *Service) generate(ctx context.Context, r *run) (generation, error) {
	defer s.metrics.ObserveStage("generate", time.Now())

	if err := s.monitor.Allow(health.ComponentCompletion); err != nil {
		r.step(StepGenerationShortCircuited)
		s.metrics.GenerationAttempt("short_circuited")
		return generation{}, err
	}

	contextBlock := s.enrich(ctx, r)
	prompt := buildPrompt(r.question, r.language, contextBlock)

	opts := s.opts.Retry
	opts.Retryable = provider.IsRetryable
	opts.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("qa: completion failed, retrying",
			"request_id", r.id, "attempt", attempt, "wait", wait, "err", err)
	}

	var lastErr error
	for i := 0; i <= s.opts.QualityRetries; i++ {
		text, err := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[string] {
			return s.complete(ctx, prompt)
		}).Unwrap()
		if err != nil {
			return generation{}, err
		}
		if reason := qualityProblem(text); reason != "" {
			s.metrics.GenerationAttempt("low_quality")
			s.logger.Warn("qa: generated answer rejected", "request_id", r.id, "reason", reason)
			lastErr = fmt.Errorf("%w: %s", errLowQuality, reason)
			continue
		}
		return generation{
			text:        text,
			confidence:  confidence(text, contextBlock != ""),
			contextUsed: contextBlock != "",
		}, nil
	}
	return generation{}, lastErr
}

// complete runs one completion attempt and reports its outcome.
func (s *Service) complete(ctx context.Context, prompt string) fn.Result[string] {
	cctx, cancel := context.WithTimeout(ctx, s.opts.GenerateTimeout)
	defer cancel()

	text, err := s.completer.Complete(cctx, prompt)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = provider.Empty("completion", "complete")
	}
	s.monitor.Report(health.ComponentCompletion, err)
	switch {
	case err == nil:
		s.metrics.GenerationAttempt("ok")
	case errors.Is(err, provider.ErrRateLimited):
		s.metrics.GenerationAttempt("rate_limited")
	case errors.Is(err, provider.ErrUnauthorized):
		s.metrics.GenerationAttempt("unauthorized")
	default:
		s.metrics.GenerationAttempt("transient")
	}
	return fn.FromPair(text, err)
}

// enrich returns the optional context block. Failures only cost grounding.
func (s *Service) enrich(ctx context.Context, r *run) string {
	if s.enricher == nil {
		return ""
	}
	ectx, cancel := context.WithTimeout(ctx, s.opts.EnrichTimeout)
	defer cancel()
	block, err := s.enricher.Enrich(ectx, r.question)
	s.monitor.Report(health.ComponentEnrichment, err)
	if err != nil {
		s.logger.Warn("qa: context enrichment failed", "request_id", r.id, "stage", "enrich", "err", err)
		return ""
	}
	block = strings.TrimSpace(block)
	if block != "" {
		r.step(StepContextEnriched)
	}
	return block
}

func buildPrompt(question, language, contextBlock string) string {
	var b strings.Builder
	b.WriteString("Answer the question accurately and concisely. ")
	if language == domain.LangArabic {
		b.WriteString("Respond in Arabic.\n\n")
	} else {
		b.WriteString("Respond in English.\n\n")
	}
	if contextBlock != "" {
		b.WriteString("Use the following context where it is relevant:\n")
		b.WriteString(contextBlock)
		b.WriteString("\n\n")
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\nAnswer:")
	return b.String()
}

// qualityProblem returns why text is unusable, or "" when it passes.
func qualityProblem(text string) string {
	n := utf8.RuneCountInString(text)
	if n < minAnswerRunes {
		return "too short"
	}
	if n < shortAnswerRunes {
		lower := strings.ToLower(text)
		for _, p := range refusalPatterns {
			if strings.Contains(lower, p) {
				return "refusal"
			}
		}
	}
	return ""
}

func confidence(text string, contextUsed bool) float64 {
	lower := strings.ToLower(text)
	for _, p := range hedgePatterns {
		if strings.Contains(lower, p) {
			return hedgedConfidence
		}
	}
	if contextUsed {
		return contextConfidence
	}
	return baseConfidence
}

// failureKind maps a generation error onto the pipeline error kinds. An
// attempt that hit GenerateTimeout is a timeout only once the request itself
// has run out of time; otherwise retries were exhausted.
func failureKind(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, provider.ErrRateLimited), errors.Is(err, domain.ErrQuotaExceeded):
		return domain.ErrQuotaExceeded
	case errors.Is(err, domain.ErrUnauthorized):
		return domain.ErrUnauthorized
	case ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded):
		return domain.ErrTimeout
	}
	return domain.ErrGenerationFailed
}

// fallbackReason is the metadata label of a salvage answer.
func fallbackReason(kind error) string {
	switch kind {
	case domain.ErrQuotaExceeded:
		return "quota_exceeded"
	case domain.ErrUnauthorized:
		return "unauthorized"
	case domain.ErrTimeout:
		return "timeout"
	}
	return "generation_failed"
}
