package qa

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

// Processing step names recorded in ProcessingResult.Steps.
const (
	StepInputNormalized          = "input_normalized"
	StepEmbeddingGenerated       = "embedding_generated"
	StepSearchHit                = "semantic_search_hit"
	StepSearchMiss               = "semantic_search_miss"
	StepCacheHit                 = "cache_hit"
	StepDanglingReference        = "dangling_reference"
	StepCacheLookupFailed        = "cache_lookup_failed"
	StepCacheMiss                = "cache_miss"
	StepContextEnriched          = "context_enriched"
	StepGenerationShortCircuited = "generation_short_circuited"
	StepAnswerGenerated          = "answer_generated"
	StepGenerationFailed         = "generation_failed"
	StepSalvageAnswer            = "salvage_answer"
	StepPersistenceScheduled     = "persistence_scheduled"
	StepPersistenceDropped       = "persistence_dropped"
)

// State is a decision engine state.
type State string

const (
	StateSearching    State = "SEARCHING"
	StateCacheHit     State = "CACHE_HIT"
	StateCacheMiss    State = "CACHE_MISS"
	StateReturnCached State = "RETURN_CACHED"
	StateGenerating   State = "GENERATING"
	StateStored       State = "STORED"
	StateStoreFailed  State = "STORE_FAILED"
	StateDone         State = "DONE"
)

// run carries the per-request trail.
type run struct {
	id       string
	question string
	userID   string
	language string
	start    time.Time
	state    State
	steps    []string
	logger   *slog.Logger
}

func newRun(id, question, userID string, logger *slog.Logger) *run {
	return &run{
		id:       id,
		question: question,
		userID:   userID,
		language: domain.DetectLanguage(question),
		start:    time.Now(),
		logger:   logger,
	}
}

func (r *run) step(name string) { r.steps = append(r.steps, name) }

func (r *run) to(st State) {
	r.logger.Debug("qa: state", "request_id", r.id, "from", r.state, "to", st)
	r.state = st
}

func (r *run) fail(ctx context.Context, kind error, stage string, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		kind = domain.ErrTimeout
	}
	return &domain.ProcessingError{Kind: kind, Stage: stage, Steps: slices.Clone(r.steps), Err: err}
}

func (r *run) result(answer string, src domain.ResultSource, confidence float64, meta map[string]any) *domain.ProcessingResult {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["language"] = r.language
	r.to(StateDone)
	return &domain.ProcessingResult{
		Answer:         answer,
		Source:         src,
		Confidence:     confidence,
		Steps:          slices.Clone(r.steps),
		ProcessingTime: time.Since(r.start),
		Metadata:       meta,
	}
}
