package main

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/wessley-qa/engine/domain"
)

const fakeDim = 8

// fakeOllama answers the embedding, generate and tags endpoints. Questions
// about the capital share one vector.
type fakeOllama struct {
	generations atomic.Int32
	paraphrases atomic.Int32
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
		Format string `json:"format"`
	}
	if r.Method == http.MethodPost {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/tags":
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	case "/api/embeddings":
		vec := make([]float64, fakeDim)
		if strings.Contains(strings.ToLower(req.Prompt), "capital") {
			vec[0] = 1
		} else {
			h := fnv.New32a()
			h.Write([]byte(req.Prompt))
			vec[1+int(h.Sum32()%(fakeDim-1))] = 1
		}
		json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	case "/api/generate":
		if req.Format == "json" {
			f.paraphrases.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"response": `{"variants":["Which city is the capital of Syria?","Name the capital city of Syria."]}`,
				"done":     true,
			})
			return
		}
		f.generations.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"response": "Damascus is the capital of Syria and one of the oldest continuously inhabited cities.",
			"done":     true,
		})
	default:
		http.NotFound(w, r)
	}
}

func TestAppEndToEndWithMemoryBackends(t *testing.T) {
	clearEnv(t)
	ollamaSrv := &fakeOllama{}
	upstream := httptest.NewServer(ollamaSrv)
	defer upstream.Close()

	t.Setenv("OLLAMA_URL", upstream.URL)
	t.Setenv("INDEX_BACKEND", "memory")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("EMBEDDING_DIM", "8")
	cfg, err := loadTestConfig(t)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := build(ctx, cfg, discard)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(ctx)

	api := httptest.NewServer(newHandler(a.svc, a.metrics, "*", discard))
	defer api.Close()

	first := ask(t, api.URL, "what is the capital of Syria")
	if first["source"] != "generated" {
		t.Fatalf("first answer should be generated: %v", first)
	}

	waitFor(t, func() bool {
		resp, err := http.Get(api.URL + "/api/qa/similar?q=capital+of+syria")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Similar []map[string]any `json:"similar_questions"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return len(body.Similar) > 0
	})

	second := ask(t, api.URL, "What is the capital of Syria?")
	if second["source"] != "cache" {
		t.Fatalf("second answer should be cached: %v", second)
	}
	if got := ollamaSrv.generations.Load(); got != 1 {
		t.Fatalf("expected one generation, got %d", got)
	}

	resp, err := http.Get(api.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}

	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ollamaSrv.paraphrases.Load() == 0 {
		t.Fatal("variants were never generated")
	}
}

func TestBuildRejectsEmbeddingDimMismatch(t *testing.T) {
	clearEnv(t)
	upstream := httptest.NewServer(&fakeOllama{})
	defer upstream.Close()

	t.Setenv("OLLAMA_URL", upstream.URL)
	t.Setenv("INDEX_BACKEND", "memory")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("EMBEDDING_DIM", "16")
	cfg, err := loadTestConfig(t)
	if err != nil {
		t.Fatal(err)
	}

	a, err := build(context.Background(), cfg, discard)
	if err == nil {
		a.Close(context.Background())
		t.Fatal("build accepted an embedder narrower than embedding.dim")
	}
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func ask(t *testing.T, base, question string) map[string]any {
	t.Helper()
	body, _ := json.Marshal(AskRequest{Question: question, UserID: "u1"})
	resp, err := http.Post(base+"/api/qa/ask", "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ask returned %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
