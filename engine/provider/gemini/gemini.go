// Package gemini implements embedding and completion with Google's Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	genaiopt "google.golang.org/api/option"

	"github.com/WessleyAI/wessley-qa/engine/provider"
)

const name = "gemini"

// Config configures a Client.
type Config struct {
	APIKey       string
	EmbedModel   string
	ChatModel    string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int32
}

// Client wraps a genai client.
type Client struct {
	cfg    Config
	client *genai.Client
}

// New creates a Gemini client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "text-embedding-004"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, genaiopt.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Client{cfg: cfg, client: client}, nil
}

func (c *Client) Name() string { return name }

// Close releases the underlying connection.
func (c *Client) Close() error { return c.client.Close() }

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.client.EmbeddingModel(c.cfg.EmbedModel)
	rsp, err := model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, classify("embed", err)
	}
	if rsp == nil || rsp.Embedding == nil || len(rsp.Embedding.Values) == 0 {
		return nil, provider.Empty(name, "embed")
	}
	return rsp.Embedding.Values, nil
}

// Complete returns the model's answer to prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	model := c.client.GenerativeModel(c.cfg.ChatModel)
	model.SetTemperature(c.cfg.Temperature)
	if c.cfg.MaxTokens > 0 {
		model.SetMaxOutputTokens(c.cfg.MaxTokens)
	}
	if c.cfg.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(c.cfg.SystemPrompt)}}
	}

	rsp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", classify("complete", err)
	}
	if len(rsp.Candidates) == 0 || rsp.Candidates[0].Content == nil {
		return "", provider.Empty(name, "complete")
	}

	var b strings.Builder
	for _, part := range rsp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", provider.Empty(name, "complete")
	}
	return out, nil
}

// classify prefers the HTTP status of REST errors and falls back to the gRPC code.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code != 0 {
		return provider.FromStatus(name, op, gerr.Code, err)
	}
	return provider.FromGRPC(name, op, err)
}
