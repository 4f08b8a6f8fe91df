// Package anthropic implements completion with the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/WessleyAI/wessley-qa/engine/provider"
)

const name = "anthropic"

// Config configures a Client.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Client wraps the Anthropic SDK client. The SDK's own retries are disabled
// so the generation retry policy is the only one in effect.
type Client struct {
	cfg    Config
	client anthropic.Client
}

// New creates an Anthropic client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(cfg.APIKey),
		anthropicopt.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
	}
	return &Client{cfg: cfg, client: anthropic.NewClient(opts...)}
}

func (c *Client) Name() string { return name }

// Complete returns the model's answer to prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
		Temperature: anthropic.Float(c.cfg.Temperature),
	}
	if c.cfg.SystemPrompt != "" {
		req.System = []anthropic.TextBlockParam{{Text: c.cfg.SystemPrompt}}
	}

	rsp, err := c.client.Messages.New(ctx, req)
	if err != nil {
		return "", classify("complete", err)
	}

	var b strings.Builder
	for _, content := range rsp.Content {
		if text, ok := content.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(text.Text)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "", provider.Empty(name, "complete")
	}
	return out, nil
}

func classify(op string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return provider.FromStatus(name, op, apiErr.StatusCode, err)
	}
	return provider.Classify(name, op, err)
}
