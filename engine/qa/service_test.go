package qa

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/qastore"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
)

func TestNewRequiresCollaborators(t *testing.T) {
	comp := newFakeCompleter()
	if _, err := New(Deps{Completer: comp}, Options{}); err == nil {
		t.Fatal("expected error for missing embedder")
	}
	h := newHarness(t, comp)
	bad := testOptions()
	bad.QualityThreshold = 0.8
	_, err := New(Deps{Embedder: h.emb, Index: h.idx, Store: h.store, Completer: comp}, bad)
	if !errors.Is(err, domain.ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
}

func TestProcessCacheHit(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "qa-1", syriaQ, "Damascus.", 0.97)

	res, err := h.svc.Process(context.Background(), "  What is the   capital of Syria ", "u1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Source != domain.ResultCache || res.Answer != "Damascus." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.comp.AnswerCalls() != 0 {
		t.Fatalf("completer called %d times on a cache hit", h.comp.AnswerCalls())
	}
	if res.Confidence < 0.969 || res.Confidence > 0.971 {
		t.Fatalf("confidence should be the similarity, got %v", res.Confidence)
	}
	if res.Metadata["original_qa_id"] != "qa-1" || res.Metadata["language"] != domain.LangEnglish {
		t.Fatalf("unexpected metadata: %v", res.Metadata)
	}
	for _, s := range []string{StepInputNormalized, StepEmbeddingGenerated, StepSearchHit, StepCacheHit} {
		if !hasStep(res.Steps, s) {
			t.Fatalf("missing step %s in %v", s, res.Steps)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Requests.WithLabelValues("cache_hit")); got != 1 {
		t.Fatalf("cache_hit counter = %v", got)
	}
}

func TestProcessBelowSearchThresholdGenerates(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "qa-old", "Where is Aleppo?", "In the north.", 0.60)

	res, err := h.svc.Process(context.Background(), syriaQ, "u1")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Source != domain.ResultGenerated || res.Answer != syriaAnswer {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := h.comp.AnswerCalls(); n != 1 {
		t.Fatalf("completer should be invoked once, got %d", n)
	}
	for _, s := range []string{StepSearchMiss, StepCacheMiss, StepAnswerGenerated, StepPersistenceScheduled} {
		if !hasStep(res.Steps, s) {
			t.Fatalf("missing step %s in %v", s, res.Steps)
		}
	}
	if res.Confidence != baseConfidence {
		t.Fatalf("confidence = %v", res.Confidence)
	}
	qaID, _ := res.Metadata["qa_id"].(string)
	if qaID == "" {
		t.Fatalf("generated result has no qa_id: %v", res.Metadata)
	}

	h.close(t)

	rec, err := h.store.Get(context.Background(), qaID)
	if err != nil {
		t.Fatalf("generated record not stored: %v", err)
	}
	if rec.Source != domain.SourceGenerated || rec.QuestionText != syriaQ || rec.EmbeddingRef == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Metadata["user_id"] != "u1" || rec.Metadata["model_used"] != "fake-model" {
		t.Fatalf("unexpected record metadata: %v", rec.Metadata)
	}
	if h.comp.VariantCalls() == 0 {
		t.Fatal("no variant generation attempted")
	}
	if n := len(h.variantEntries(qaID)); n != 2 {
		t.Fatalf("expected 2 variant entries, got %d", n)
	}
	if rec.Metadata["variant_count"] != 2 {
		t.Fatalf("variant_count not recorded: %v", rec.Metadata)
	}
}

func TestProcessBetweenThresholdsIsAMiss(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "qa-near", "What is the capital city of Syria?", "Damascus.", 0.90)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Source != domain.ResultGenerated {
		t.Fatalf("score in the band between thresholds must generate, got %s", res.Source)
	}
	if !hasStep(res.Steps, StepSearchHit) || !hasStep(res.Steps, StepCacheMiss) {
		t.Fatalf("unexpected steps %v", res.Steps)
	}
	similar, _ := res.Metadata["similar_questions"].([]domain.SimilarQuestion)
	if len(similar) != 1 || similar[0].QAID != "qa-near" {
		t.Fatalf("expected the near match as a suggestion, got %v", res.Metadata["similar_questions"])
	}
}

func TestProcessCacheDecisionProperty(t *testing.T) {
	f := func(raw uint16) bool {
		score := float32(raw) / 65535
		if d := score - 0.95; d > -1e-3 && d < 1e-3 {
			return true
		}
		h := newHarness(t, nil)
		defer h.close(t)
		h.seed(t, "qa-1", "Seeded question?", "Seeded answer.", score)

		res, err := h.svc.Process(context.Background(), syriaQ, "")
		if err != nil {
			return false
		}
		return (res.Source == domain.ResultCache) == (score >= 0.95)
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 40}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessDanglingReferenceFallsThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.index(t, "missing", syriaQ, "stale", 0.99, false)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("dangling reference must not fail the request: %v", err)
	}
	if res.Source != domain.ResultGenerated {
		t.Fatalf("expected generation, got %s", res.Source)
	}
	if !hasStep(res.Steps, StepDanglingReference) || hasStep(res.Steps, StepCacheHit) {
		t.Fatalf("unexpected steps %v", res.Steps)
	}
}

func TestProcessCacheLookupFailureFallsThrough(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) {
		d.Store = &failingStore{MemoryStore: d.Store.(*qastore.MemoryStore), getErr: errors.New("neo4j: connection reset")}
	})
	h.seed(t, "qa-1", syriaQ, "Damascus.", 0.99)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Source != domain.ResultGenerated || !hasStep(res.Steps, StepCacheLookupFailed) {
		t.Fatalf("unexpected result %s %v", res.Source, res.Steps)
	}
}

func TestProcessValidation(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Process(context.Background(), "  \t ", "")
	if !errors.Is(err, domain.ErrValidation) || !errors.Is(err, domain.ErrEmptyQuestion) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.emb.Calls() != 0 {
		t.Fatal("embedder called for invalid input")
	}
}

func TestProcessEmbeddingUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.emb.err = errors.New("connection refused")

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if h.comp.AnswerCalls() != 0 {
		t.Fatal("generation attempted without a query vector")
	}
	if h.monitor.Status(health.ComponentEmbedding) != health.StatusUnhealthy {
		t.Fatalf("embedding status = %s", h.monitor.Status(health.ComponentEmbedding))
	}
}

func TestProcessSearchUnavailable(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) {
		d.Index = &failingIndex{MemoryIndex: d.Index.(*semantic.MemoryIndex), searchErr: errors.New("qdrant down")}
	})
	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrSearchUnavailable) {
		t.Fatalf("expected ErrSearchUnavailable, got %v", err)
	}
	if !hasStep(stepsOf(t, err), StepEmbeddingGenerated) {
		t.Fatal("steps should record the embedding")
	}
}

func TestGenerationRetriesTransientFailures(t *testing.T) {
	comp := newFakeCompleter(reply{err: errTransient}, reply{err: errTransient}, reply{text: syriaAnswer})
	h := newHarness(t, comp)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("third attempt should succeed: %v", err)
	}
	if res.Source != domain.ResultGenerated {
		t.Fatalf("unexpected source %s", res.Source)
	}
	if n := comp.AnswerCalls(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if got := testutil.ToFloat64(h.metrics.GenAttempts.WithLabelValues("transient")); got != 2 {
		t.Fatalf("transient attempts = %v", got)
	}
}

func TestGenerationEmptyResponseIsRetried(t *testing.T) {
	comp := newFakeCompleter(reply{text: "   "}, reply{text: syriaAnswer})
	h := newHarness(t, comp)

	if _, err := h.svc.Process(context.Background(), syriaQ, ""); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n := comp.AnswerCalls(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestGenerationTransientExhausted(t *testing.T) {
	comp := newFakeCompleter(reply{err: errTransient})
	h := newHarness(t, comp)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestGenerationUnauthorizedIsNotRetried(t *testing.T) {
	comp := newFakeCompleter(reply{err: errAuth})
	h := newHarness(t, comp)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 1 {
		t.Fatalf("unauthorized call retried: %d calls", n)
	}
	if !hasStep(stepsOf(t, err), StepGenerationFailed) {
		t.Fatal("missing generation_failed step")
	}
	if h.monitor.Status(health.ComponentCompletion) != health.StatusUnauthorized {
		t.Fatalf("completion status = %s", h.monitor.Status(health.ComponentCompletion))
	}
}

func TestRateLimitedReturnsSalvage(t *testing.T) {
	comp := newFakeCompleter(reply{err: errRateLimit})
	h := newHarness(t, comp)
	h.seed(t, "qa-weak", "What is the largest city in Syria?", "Aleppo is the largest city.", 0.5)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("expected salvage answer, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 1 {
		t.Fatalf("rate-limited call retried: %d calls", n)
	}
	if res.Source != domain.ResultCache || res.Answer != "Aleppo is the largest city." {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Metadata["degraded"] != true || res.Metadata["fallback_reason"] != "quota_exceeded" {
		t.Fatalf("unexpected metadata %v", res.Metadata)
	}
	if res.Metadata["original_qa_id"] != "qa-weak" || !hasStep(res.Steps, StepSalvageAnswer) {
		t.Fatalf("unexpected salvage trail %v %v", res.Metadata, res.Steps)
	}
	if got := testutil.ToFloat64(h.metrics.Requests.WithLabelValues("salvage")); got != 1 {
		t.Fatalf("salvage counter = %v", got)
	}
}

func TestRateLimitedWithoutSalvageFailsAndShortCircuits(t *testing.T) {
	comp := newFakeCompleter(reply{err: errRateLimit})
	h := newHarness(t, comp)
	h.seed(t, "qa-far", "Unrelated?", "Unrelated.", 0.1)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 1 {
		t.Fatalf("rate-limited call retried: %d calls", n)
	}

	_, err = h.svc.Process(context.Background(), "Who wrote the Syrian constitution?", "")
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded while in cooldown, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 1 {
		t.Fatalf("provider called during quota cooldown: %d calls", n)
	}
	if !hasStep(stepsOf(t, err), StepGenerationShortCircuited) {
		t.Fatal("missing generation_short_circuited step")
	}
}

func TestQualityFailureRegenerates(t *testing.T) {
	comp := newFakeCompleter(reply{text: "I'm sorry, I cannot help with that."}, reply{text: syriaAnswer})
	h := newHarness(t, comp)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Answer != syriaAnswer || comp.AnswerCalls() != 2 {
		t.Fatalf("answer %q after %d calls", res.Answer, comp.AnswerCalls())
	}
}

func TestQualityFailureGivesUp(t *testing.T) {
	comp := newFakeCompleter(reply{text: "No idea."})
	h := newHarness(t, comp)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrGenerationFailed) || !errors.Is(err, errLowQuality) {
		t.Fatalf("expected low quality generation failure, got %v", err)
	}
	if n := comp.AnswerCalls(); n != 2 {
		t.Fatalf("expected one quality retry, got %d calls", n)
	}
}

func TestEnrichmentAddsContext(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) {
		d.Enricher = fakeEnricher{text: "Known facts:\n- Syria: capital is Damascus"}
	})
	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !strings.Contains(h.comp.LastPrompt(), "capital is Damascus") {
		t.Fatalf("context missing from prompt: %q", h.comp.LastPrompt())
	}
	if res.Confidence != contextConfidence || !hasStep(res.Steps, StepContextEnriched) {
		t.Fatalf("confidence %v steps %v", res.Confidence, res.Steps)
	}
	if res.Metadata["web_context_used"] != true {
		t.Fatalf("unexpected metadata %v", res.Metadata)
	}
}

func TestEnrichmentFailureIsIgnored(t *testing.T) {
	h := newHarness(t, nil, func(d *Deps, _ *Options) {
		d.Enricher = fakeEnricher{err: errors.New("feed down")}
	})
	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Confidence != baseConfidence || hasStep(res.Steps, StepContextEnriched) {
		t.Fatalf("confidence %v steps %v", res.Confidence, res.Steps)
	}
}

func TestProcessCoalescesIdenticalQuestions(t *testing.T) {
	comp := newFakeCompleter()
	comp.started = make(chan struct{})
	comp.block = make(chan struct{})
	h := newHarness(t, comp)

	var wg sync.WaitGroup
	results := make([]*domain.ProcessingResult, 2)
	errs := make([]error, 2)
	ask := func(i int, q string) {
		defer wg.Done()
		results[i], errs[i] = h.svc.Process(context.Background(), q, "")
	}
	wg.Add(2)
	go ask(0, syriaQ)
	<-comp.started
	go ask(1, "What is   the capital of Syria")
	time.Sleep(50 * time.Millisecond)
	close(comp.block)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Metadata["coalesced"] != true {
			t.Fatalf("caller %d not marked coalesced: %v", i, results[i].Metadata)
		}
	}
	if n := comp.AnswerCalls(); n != 1 {
		t.Fatalf("expected one generation, got %d", n)
	}
	results[0].Steps[0] = "mutated"
	if results[1].Steps[0] == "mutated" {
		t.Fatal("callers share result state")
	}
}

func TestProcessCallerDeadline(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = make(chan struct{})
	h := newHarness(t, comp)
	defer close(comp.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.svc.Process(ctx, syriaQ, "")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRequestTimeoutBoundsGeneration(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = make(chan struct{})
	h := newHarness(t, comp, func(_ *Deps, o *Options) {
		o.RequestTimeout = 30 * time.Millisecond
	})
	defer close(comp.block)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestAttemptTimeoutsExhaustRetries(t *testing.T) {
	comp := newFakeCompleter()
	comp.block = make(chan struct{})
	h := newHarness(t, comp, func(_ *Deps, o *Options) {
		o.GenerateTimeout = 5 * time.Millisecond
	})
	defer close(comp.block)

	_, err := h.svc.Process(context.Background(), syriaQ, "")
	if !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if errors.Is(err, domain.ErrTimeout) {
		t.Fatal("request deadline had not passed, timeout kind is wrong")
	}
	if n := comp.AnswerCalls(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestPersistenceDroppedAfterClose(t *testing.T) {
	h := newHarness(t, nil)
	h.close(t)

	res, err := h.svc.Process(context.Background(), syriaQ, "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !hasStep(res.Steps, StepPersistenceDropped) {
		t.Fatalf("expected persistence_dropped, got %v", res.Steps)
	}
	if got := testutil.ToFloat64(h.metrics.TasksDropped); got != 1 {
		t.Fatalf("dropped counter = %v", got)
	}
}

func TestProcessArabicQuestion(t *testing.T) {
	comp := newFakeCompleter(reply{text: "دمشق هي عاصمة سوريا."})
	h := newHarness(t, comp)

	res, err := h.svc.Process(context.Background(), "ما هي عاصمة سوريا", "")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Metadata["language"] != domain.LangArabic {
		t.Fatalf("language = %v", res.Metadata["language"])
	}
	if !strings.Contains(comp.LastPrompt(), "Respond in Arabic") || !strings.Contains(comp.LastPrompt(), "سوريا؟") {
		t.Fatalf("unexpected prompt %q", comp.LastPrompt())
	}
}

func TestHealthReportsComponents(t *testing.T) {
	h := newHarness(t, nil)
	rep := h.svc.Health(context.Background())
	names := map[string]bool{}
	for _, c := range rep.Components {
		names[c.Name] = true
	}
	for _, n := range []string{health.ComponentEmbedding, health.ComponentCompletion, health.ComponentIndex, health.ComponentStore} {
		if !names[n] {
			t.Fatalf("component %s missing from %v", n, rep.Components)
		}
	}
	if !rep.Healthy() {
		t.Fatalf("expected healthy report, got %+v", rep)
	}
}
