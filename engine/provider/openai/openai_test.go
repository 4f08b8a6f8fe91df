package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/WessleyAI/wessley-qa/engine/provider"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test", BaseURL: srv.URL + "/v1", SystemPrompt: "be brief"})
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`))
	})
	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if len(vec) != 3 {
		t.Fatalf("got %v", vec)
	}
}

func TestCompleteIncludesSystemPrompt(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Content != "Q?" {
			t.Errorf("unexpected messages %+v", body.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Damascus."},"finish_reason":"stop"}]}`))
	})
	got, err := c.Complete(context.Background(), "Q?")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Damascus." {
		t.Fatalf("got %q", got)
	}
}

func TestCompleteClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusTooManyRequests, provider.ErrRateLimited},
		{http.StatusUnauthorized, provider.ErrUnauthorized},
		{http.StatusInternalServerError, provider.ErrTransient},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tt.code)
			w.Write([]byte(`{"error":{"message":"nope","type":"error","code":"x"}}`))
		})
		_, err := c.Complete(context.Background(), "Q?")
		if !errors.Is(err, tt.want) {
			t.Errorf("%d: got %v want %v", tt.code, err, tt.want)
		}
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[]}`))
	})
	if _, err := c.Complete(context.Background(), "Q?"); !errors.Is(err, provider.ErrEmpty) {
		t.Fatalf("expected empty, got %v", err)
	}
}
