// Package ollama implements embedding and completion on top of Ollama's HTTP API.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/WessleyAI/wessley-qa/engine/provider"
)

const name = "ollama"

// Config configures a Client.
type Config struct {
	BaseURL      string
	EmbedModel   string
	ChatModel    string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	HTTPClient   *http.Client
}

// Client talks to an Ollama server.
type Client struct {
	cfg    Config
	client *http.Client
}

// New creates an Ollama client. A nil HTTPClient gets a traced default.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Client{cfg: cfg, client: hc}
}

// Name identifies the provider in logs and health reports.
func (c *Client) Name() string { return name }

type embedReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResp struct {
	Embedding []float64 `json:"embedding"`
}

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResp
	if err := c.post(ctx, "embed", "/api/embeddings", embedReq{Model: c.cfg.EmbedModel, Prompt: text}, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, provider.Empty(name, "embed")
	}
	out := make([]float32, len(result.Embedding))
	for i, v := range result.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateReq struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Format  string          `json:"format,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateResp struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete returns the model's answer to prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, "complete", prompt, "")
}

// Paraphrase asks the model for n rewordings of question using Ollama's JSON output mode.
func (c *Client) Paraphrase(ctx context.Context, question string, n int) ([]string, error) {
	prompt := fmt.Sprintf(`Rewrite the following question in %d different ways that keep the exact meaning.
Use the same language as the question.
Respond with a JSON object of the form {"variants": ["...", "..."]}.

Question: %s`, n, question)

	raw, err := c.generate(ctx, "paraphrase", prompt, "json")
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Variants []string `json:"variants"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &provider.Error{Provider: name, Op: "paraphrase", Kind: provider.ErrTransient, Err: fmt.Errorf("decode variants: %w", err)}
	}
	return parsed.Variants, nil
}

func (c *Client) generate(ctx context.Context, op, prompt, format string) (string, error) {
	req := generateReq{
		Model:  c.cfg.ChatModel,
		Prompt: prompt,
		System: c.cfg.SystemPrompt,
		Format: format,
		Options: generateOptions{
			Temperature: c.cfg.Temperature,
			NumPredict:  c.cfg.MaxTokens,
		},
	}
	var result generateResp
	if err := c.post(ctx, op, "/api/generate", req, &result); err != nil {
		return "", err
	}
	text := strings.TrimSpace(result.Response)
	if text == "" {
		return "", provider.Empty(name, op)
	}
	return text, nil
}

// Ping checks the server is reachable by listing local models.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return provider.Classify(name, "ping", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return provider.FromStatus(name, "ping", resp.StatusCode, nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("ollama %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return provider.Classify(name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return provider.FromStatus(name, op, resp.StatusCode, errors.New(strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.Error{Provider: name, Op: op, Kind: provider.ErrTransient, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
