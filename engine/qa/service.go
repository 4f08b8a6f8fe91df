// Package qa is the semantic Q&A cache pipeline. A question is normalized,
// embedded and searched against previously answered questions; a close enough
// match is returned from the cache, anything else is generated, returned, and
// persisted in the background together with paraphrase variants that widen
// future recall.
package qa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/enrich"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
)

const (
	similarInResult = 3
	defaultSimilar  = 5
	maxSimilar      = 20
	maxImportErrors = 20
)

// Deps are the collaborators of a Service. Enricher and Publisher are optional.
type Deps struct {
	Embedder  Embedder
	Index     VectorIndex
	Store     RecordStore
	Completer Completer
	Enricher  ContextEnricher
	Publisher JobPublisher
	Monitor   *health.Monitor
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Service runs the pipeline.
type Service struct {
	embedder  Embedder
	index     VectorIndex
	store     RecordStore
	completer Completer
	enricher  ContextEnricher
	publisher JobPublisher
	monitor   *health.Monitor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      Options
	runner    *Runner
	flight    singleflight.Group

	embedStage  fn.Stage[string, []float32]
	searchStage fn.Stage[searchQuery, []domain.SimilarityMatch]
}

// New validates opts, registers the collaborators with the health monitor and
// starts the background runner. Close must be called to drain it.
func New(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Embedder == nil:
		return nil, errors.New("qa: embedder is required")
	case deps.Index == nil:
		return nil, errors.New("qa: vector index is required")
	case deps.Store == nil:
		return nil, errors.New("qa: record store is required")
	case deps.Completer == nil:
		return nil, errors.New("qa: completer is required")
	}
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Monitor == nil {
		deps.Monitor = health.NewMonitor(health.Options{Metrics: deps.Metrics, Logger: deps.Logger})
	}

	s := &Service{
		embedder:  deps.Embedder,
		index:     deps.Index,
		store:     deps.Store,
		completer: deps.Completer,
		enricher:  deps.Enricher,
		publisher: deps.Publisher,
		monitor:   deps.Monitor,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		opts:      opts,
		runner:    NewRunner(opts.RunnerWorkers, opts.RunnerQueue, deps.Logger, deps.Metrics),
	}
	s.embedStage = fn.TracedStage("qa.embed", fn.TimeoutStage(opts.EmbedTimeout, s.embedRaw))
	s.searchStage = fn.TracedStage("qa.search", fn.TimeoutStage(opts.SearchTimeout, s.searchRaw))

	s.monitor.Register(health.ComponentEmbedding, SupportsPing(deps.Embedder))
	s.monitor.Register(health.ComponentCompletion, SupportsPing(deps.Completer))
	s.monitor.Register(health.ComponentIndex, SupportsPing(deps.Index))
	s.monitor.Register(health.ComponentStore, SupportsPing(deps.Store))
	if deps.Enricher != nil {
		s.monitor.Register(health.ComponentEnrichment, SupportsPing(deps.Enricher))
	}
	return s, nil
}

type requestIDKey struct{}

// WithRequestID attaches a request id that is used in logs for the run.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Process answers question. Concurrent calls for the same normalized question
// share one pipeline run; each caller still gets its own copy of the result
// and may abandon the wait through ctx.
func (s *Service) Process(ctx context.Context, question, userID string) (*domain.ProcessingResult, error) {
	start := time.Now()
	normalized, err := domain.NormalizeQuestion(question)
	if err != nil {
		s.metrics.Request("error")
		return nil, &domain.ProcessingError{Kind: domain.ErrValidation, Stage: "normalize", Err: err}
	}

	ch := s.flight.DoChan(normalized, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
		defer cancel()
		return s.process(rctx, normalized, userID)
	})

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.ProcessingError{Kind: domain.ErrTimeout, Stage: "wait", Err: ctx.Err()}
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		out := res.Val.(*domain.ProcessingResult).Clone()
		out.ProcessingTime = time.Since(start)
		if res.Shared {
			out.Metadata["coalesced"] = true
		}
		return out, nil
	}
}

func (s *Service) process(ctx context.Context, question, userID string) (*domain.ProcessingResult, error) {
	r := newRun(requestID(ctx), question, userID, s.logger)
	r.step(StepInputNormalized)
	r.to(StateSearching)

	vec, err := s.embed(ctx, question)
	if err != nil {
		s.metrics.Request("error")
		return nil, r.fail(ctx, domain.ErrEmbeddingUnavailable, "embed", err)
	}
	r.step(StepEmbeddingGenerated)

	matches, err := s.search(ctx, vec, s.opts.TopK, s.opts.SearchThreshold)
	if err != nil {
		s.metrics.Request("error")
		return nil, r.fail(ctx, domain.ErrSearchUnavailable, "search", err)
	}
	if len(matches) > 0 {
		r.step(StepSearchHit)
	} else {
		r.step(StepSearchMiss)
	}

	if top, hit := decide(matches, s.opts.QualityThreshold); hit {
		r.to(StateCacheHit)
		if res, ok := s.cached(ctx, r, top, matches); ok {
			s.metrics.Request("cache_hit")
			return res, nil
		}
	}

	r.step(StepCacheMiss)
	r.to(StateCacheMiss)
	return s.generated(ctx, r, vec, matches)
}

// cached resolves a cache hit. A failed record lookup is not fatal; the
// caller falls through to generation.
func (s *Service) cached(ctx context.Context, r *run, top domain.SimilarityMatch, matches []domain.SimilarityMatch) (*domain.ProcessingResult, bool) {
	rec, err := s.store.Get(ctx, top.QAID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.monitor.Report(health.ComponentStore, nil)
			r.step(StepDanglingReference)
			s.logger.Warn("qa: index match without record", "request_id", r.id, "qa_id", top.QAID, "stage", "cache_lookup", "err", err)
		} else {
			s.monitor.Report(health.ComponentStore, err)
			r.step(StepCacheLookupFailed)
			s.logger.Warn("qa: cached record lookup failed", "request_id", r.id, "qa_id", top.QAID, "stage", "cache_lookup", "err", err)
		}
		return nil, false
	}
	s.monitor.Report(health.ComponentStore, nil)

	r.step(StepCacheHit)
	r.to(StateReturnCached)
	meta := map[string]any{
		"qa_id":            rec.ID,
		"original_qa_id":   rec.ID,
		"similarity_score": top.Score,
		"matched_question": top.Question,
		"record_source":    string(rec.Source),
	}
	if similar := similarQuestions(matches, rec.ID, similarInResult); len(similar) > 0 {
		meta["similar_questions"] = similar
	}
	return r.result(rec.AnswerText, domain.ResultCache, float64(top.Score), meta), true
}

func (s *Service) generated(ctx context.Context, r *run, vec []float32, matches []domain.SimilarityMatch) (*domain.ProcessingResult, error) {
	r.to(StateGenerating)
	gen, err := s.generate(ctx, r)
	if err != nil {
		r.step(StepGenerationFailed)
		kind := failureKind(ctx, err)
		s.logger.Warn("qa: generation failed", "request_id", r.id, "stage", "generate", "kind", kind, "err", err)
		if res, ok := s.salvage(ctx, r, vec, kind); ok {
			s.metrics.Request("salvage")
			return res, nil
		}
		s.metrics.Request("error")
		return nil, r.fail(ctx, kind, "generate", err)
	}
	r.step(StepAnswerGenerated)

	now := time.Now().UTC()
	rec := domain.QARecord{
		ID:           uuid.NewString(),
		QuestionText: r.question,
		AnswerText:   gen.text,
		Confidence:   gen.confidence,
		Source:       domain.SourceGenerated,
		CreatedAt:    now,
		Metadata: map[string]any{
			"language":         r.language,
			"keywords":         enrich.Keywords(r.question),
			"web_context_used": gen.contextUsed,
			"model_used":       s.opts.ModelName,
			"generated_at":     now.Format(time.RFC3339),
			"request_id":       r.id,
		},
	}
	if r.userID != "" {
		rec.Metadata["user_id"] = r.userID
	}
	if s.runner.Submit("persist:"+rec.ID, s.persistTask(rec, vec)) {
		r.step(StepPersistenceScheduled)
	} else {
		r.step(StepPersistenceDropped)
	}

	s.metrics.Request("generated")
	meta := map[string]any{
		"qa_id":            rec.ID,
		"web_context_used": gen.contextUsed,
	}
	if s.opts.ModelName != "" {
		meta["model_used"] = s.opts.ModelName
	}
	if similar := similarQuestions(matches, "", similarInResult); len(similar) > 0 {
		meta["similar_questions"] = similar
	}
	return r.result(gen.text, domain.ResultGenerated, gen.confidence, meta), nil
}

// salvage looks for the best stored answer above the salvage threshold after
// generation failed.
func (s *Service) salvage(ctx context.Context, r *run, vec []float32, kind error) (*domain.ProcessingResult, bool) {
	matches, err := s.search(ctx, vec, 1, s.opts.SalvageThreshold)
	if err != nil || len(matches) == 0 {
		return nil, false
	}
	top := matches[0]
	answer := top.Answer
	if rec, err := s.store.Get(ctx, top.QAID); err == nil {
		answer = rec.AnswerText
	}
	if strings.TrimSpace(answer) == "" {
		return nil, false
	}
	r.step(StepSalvageAnswer)
	return r.result(answer, domain.ResultCache, float64(top.Score), map[string]any{
		"qa_id":            top.QAID,
		"original_qa_id":   top.QAID,
		"similarity_score": top.Score,
		"degraded":         true,
		"fallback_reason":  fallbackReason(kind),
	}), true
}

// FindSimilar returns up to limit previously answered questions close to
// question, one per record, best first.
func (s *Service) FindSimilar(ctx context.Context, question string, limit int) ([]domain.SimilarQuestion, error) {
	if limit <= 0 {
		limit = defaultSimilar
	}
	limit = min(limit, maxSimilar)
	normalized, err := domain.NormalizeQuestion(question)
	if err != nil {
		return nil, &domain.ProcessingError{Kind: domain.ErrValidation, Stage: "normalize", Err: err}
	}
	vec, err := s.embed(ctx, normalized)
	if err != nil {
		return nil, &domain.ProcessingError{Kind: domain.ErrEmbeddingUnavailable, Stage: "embed", Err: err}
	}
	matches, err := s.search(ctx, vec, max(limit*3, s.opts.TopK), s.opts.SimilarThreshold)
	if err != nil {
		return nil, &domain.ProcessingError{Kind: domain.ErrSearchUnavailable, Stage: "search", Err: err}
	}

	out := make([]domain.SimilarQuestion, 0, limit)
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m.QAID] {
			continue
		}
		seen[m.QAID] = true
		q := domain.SimilarQuestion{QAID: m.QAID, Question: m.Question, Answer: m.Answer, Score: m.Score}
		if m.IsVariant {
			if rec, err := s.store.Get(ctx, m.QAID); err == nil {
				q.Question, q.Answer, q.Source = rec.QuestionText, rec.AnswerText, rec.Source
			}
		}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// AugmentVariants generates and indexes variants of a stored record now.
func (s *Service) AugmentVariants(ctx context.Context, qaID string) (int, error) {
	rec, err := s.store.Get(ctx, qaID)
	if err != nil {
		return 0, fmt.Errorf("qa: augment %s: %w", qaID, err)
	}
	return s.augment(ctx, rec.ID, rec.QuestionText, rec.AnswerText, domain.DetectLanguage(rec.QuestionText))
}

// ImportReport summarizes a bulk import.
type ImportReport struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

func (rep *ImportReport) addError(i int, err error) {
	if len(rep.Errors) < maxImportErrors {
		rep.Errors = append(rep.Errors, fmt.Sprintf("item %d: %v", i, err))
	}
}

// Import stores curated pairs with full confidence, indexes them, and
// schedules their variants. Invalid pairs are skipped and failed writes are
// counted; only cancellation aborts the import.
func (s *Service) Import(ctx context.Context, pairs []domain.CuratedPair) (ImportReport, error) {
	rep := ImportReport{Total: len(pairs)}
	for i, p := range pairs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		question, err := domain.NormalizeQuestion(p.Question)
		if err != nil {
			rep.Skipped++
			rep.addError(i, err)
			continue
		}
		answer := strings.TrimSpace(p.Answer)
		if answer == "" {
			rep.Skipped++
			rep.addError(i, domain.NewValidationError("answer", "", domain.ErrValidation))
			continue
		}

		vec, err := s.embed(ctx, question)
		if err != nil {
			rep.Failed++
			rep.addError(i, err)
			continue
		}
		now := time.Now().UTC()
		rec := domain.QARecord{
			ID:           uuid.NewString(),
			QuestionText: question,
			AnswerText:   answer,
			Confidence:   1.0,
			Source:       domain.SourceCurated,
			CreatedAt:    now,
			Metadata:     map[string]any{},
		}
		rec.MergeMetadata(p.Metadata)
		rec.MergeMetadata(map[string]any{
			"language":    domain.DetectLanguage(question),
			"imported_at": now.Format(time.RFC3339),
		})
		stored, err := s.persist(ctx, rec, vec)
		if err != nil {
			rep.Failed++
			rep.addError(i, err)
			continue
		}
		rep.Imported++
		s.runner.Submit("variants:"+stored.ID, func(rctx context.Context) error {
			rctx, cancel := context.WithTimeout(rctx, s.opts.TaskTimeout)
			defer cancel()
			s.scheduleVariants(rctx, stored)
			return nil
		})
	}
	s.logger.Info("qa: import finished", "total", rep.Total, "imported", rep.Imported, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

// Health probes every registered component.
func (s *Service) Health(ctx context.Context) health.Report {
	return s.monitor.Probe(ctx)
}

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Close drains background work until ctx expires.
func (s *Service) Close(ctx context.Context) error {
	return s.runner.Close(ctx)
}
