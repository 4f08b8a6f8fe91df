package qa

import (
	"context"
	"errors"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/WessleyAI/wessley-qa/engine/domain"
	"github.com/WessleyAI/wessley-qa/engine/health"
	"github.com/WessleyAI/wessley-qa/engine/provider"
	"github.com/WessleyAI/wessley-qa/engine/qastore"
	"github.com/WessleyAI/wessley-qa/engine/semantic"
	"github.com/WessleyAI/wessley-qa/pkg/fn"
	"github.com/WessleyAI/wessley-qa/pkg/metrics"
)

const (
	testDim      = 64
	syriaQ       = "What is the capital of Syria?"
	syriaAnswer  = "Damascus is the capital of Syria."
	variantReply = `["What's the capital city of Syria?", "Which city is the capital of Syria?"]`
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// vecAt returns a unit vector whose cosine with axis 0 is score.
func vecAt(score float32) []float32 {
	v := make([]float32, testDim)
	v[0] = score
	v[1] = float32(math.Sqrt(1 - float64(score)*float64(score)))
	return v
}

// fakeEmbedder maps the test question onto axis 0 and every other text onto
// one of the remaining axes.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	err     error
	calls   int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{syriaQ: vecAt(1)}}
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return slices.Clone(v), nil
	}
	h := fnv.New32a()
	h.Write([]byte(text))
	v := make([]float32, testDim)
	v[2+int(h.Sum32()%(testDim-2))] = 1
	return v, nil
}

func (e *fakeEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type reply struct {
	text string
	err  error
}

// fakeCompleter answers generation prompts from a script, repeating the last
// reply, and variant prompts with a fixed JSON array.
type fakeCompleter struct {
	mu       sync.Mutex
	replies  []reply
	prompts  []string
	variants string
	vcalls   int
	started  chan struct{}
	block    chan struct{}
}

func newFakeCompleter(replies ...reply) *fakeCompleter {
	if len(replies) == 0 {
		replies = []reply{{text: syriaAnswer}}
	}
	return &fakeCompleter{replies: replies, variants: variantReply}
}

func (c *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if strings.HasPrefix(prompt, "Rewrite the question") {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.vcalls++
		return c.variants, nil
	}
	c.mu.Lock()
	i := len(c.prompts)
	c.prompts = append(c.prompts, prompt)
	r := c.replies[min(i, len(c.replies)-1)]
	started, block := c.started, c.block
	c.mu.Unlock()

	if started != nil && i == 0 {
		close(started)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return r.text, r.err
}

func (c *fakeCompleter) AnswerCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

func (c *fakeCompleter) VariantCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vcalls
}

func (c *fakeCompleter) LastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.prompts) == 0 {
		return ""
	}
	return c.prompts[len(c.prompts)-1]
}

type fakeEnricher struct {
	text string
	err  error
}

func (e fakeEnricher) Enrich(context.Context, string) (string, error) { return e.text, e.err }

// failingStore wraps a store and fails selected calls.
type failingStore struct {
	*qastore.MemoryStore
	createErr error
	getErr    error
}

func (s *failingStore) Create(ctx context.Context, r domain.QARecord) (domain.QARecord, error) {
	if s.createErr != nil {
		return domain.QARecord{}, s.createErr
	}
	return s.MemoryStore.Create(ctx, r)
}

func (s *failingStore) Get(ctx context.Context, id string) (domain.QARecord, error) {
	if s.getErr != nil {
		return domain.QARecord{}, s.getErr
	}
	return s.MemoryStore.Get(ctx, id)
}

// failingIndex wraps an index and fails selected calls.
type failingIndex struct {
	*semantic.MemoryIndex
	upsertErr error
	searchErr error
}

func (i *failingIndex) Upsert(ctx context.Context, entries ...domain.EmbeddingEntry) error {
	if i.upsertErr != nil {
		return i.upsertErr
	}
	return i.MemoryIndex.Upsert(ctx, entries...)
}

func (i *failingIndex) Search(ctx context.Context, v []float32, limit int, threshold float32) ([]domain.SimilarityMatch, error) {
	if i.searchErr != nil {
		return nil, i.searchErr
	}
	return i.MemoryIndex.Search(ctx, v, limit, threshold)
}

var (
	errTransient = &provider.Error{Provider: "fake", Op: "complete", Kind: provider.ErrTransient, Err: errors.New("503")}
	errRateLimit = provider.FromStatus("fake", "complete", 429, nil)
	errAuth      = provider.FromStatus("fake", "complete", 401, nil)
)

type harness struct {
	svc     *Service
	emb     *fakeEmbedder
	idx     *semantic.MemoryIndex
	store   *qastore.MemoryStore
	comp    *fakeCompleter
	metrics *metrics.Metrics
	monitor *health.Monitor
}

func testOptions() Options {
	o := DefaultOptions()
	o.Retry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 4 * time.Millisecond}
	o.GenerateTimeout = 2 * time.Second
	o.RequestTimeout = 5 * time.Second
	o.ModelName = "fake-model"
	return o
}

// newHarness builds a service over in-memory backends. mut may replace
// dependencies or options before construction.
func newHarness(t *testing.T, comp *fakeCompleter, mut ...func(*Deps, *Options)) *harness {
	t.Helper()
	if comp == nil {
		comp = newFakeCompleter()
	}
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	h := &harness{
		emb:     newFakeEmbedder(),
		idx:     semantic.NewMemoryIndex(testDim),
		store:   qastore.NewMemoryStore(),
		comp:    comp,
		metrics: m,
		monitor: health.NewMonitor(health.Options{Metrics: m, Logger: discard}),
	}
	deps := Deps{
		Embedder:  h.emb,
		Index:     h.idx,
		Store:     h.store,
		Completer: comp,
		Monitor:   h.monitor,
		Metrics:   m,
		Logger:    discard,
	}
	opts := testOptions()
	for _, f := range mut {
		f(&deps, &opts)
	}
	svc, err := New(deps, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return h
}

// seed stores a curated record and indexes it with the given similarity to
// the test question.
func (h *harness) seed(t *testing.T, id, question, answer string, score float32) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.Create(ctx, domain.QARecord{
		ID: id, QuestionText: question, AnswerText: answer, Confidence: 1, Source: domain.SourceCurated,
	}); err != nil {
		t.Fatal(err)
	}
	h.index(t, id, question, answer, score, false)
}

func (h *harness) index(t *testing.T, qaID, question, answer string, score float32, variant bool) {
	t.Helper()
	err := h.idx.Upsert(context.Background(), domain.EmbeddingEntry{
		ID:        semantic.PointID(qaID, question),
		Vector:    vecAt(score),
		QAID:      qaID,
		Question:  question,
		Answer:    answer,
		IsVariant: variant,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) close(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.svc.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func (h *harness) variantEntries(qaID string) []domain.EmbeddingEntry {
	return fn.Filter(h.idx.Entries(), func(e domain.EmbeddingEntry) bool {
		return e.IsVariant && e.QAID == qaID
	})
}

func hasStep(steps []string, name string) bool { return slices.Contains(steps, name) }

func stepsOf(t *testing.T, err error) []string {
	t.Helper()
	var pe *domain.ProcessingError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProcessingError, got %T: %v", err, err)
	}
	return pe.Steps
}
