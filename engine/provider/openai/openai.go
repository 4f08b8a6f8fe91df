// Package openai implements embedding and completion with the OpenAI API.
package openai

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/WessleyAI/wessley-qa/engine/provider"
)

const name = "openai"

// Config configures a Client. BaseURL is optional and allows compatible servers.
type Config struct {
	APIKey       string
	BaseURL      string
	EmbedModel   string
	ChatModel    string
	SystemPrompt string
	Temperature  float32
	MaxTokens    int
}

// Client wraps the go-openai client.
type Client struct {
	cfg    Config
	client *openai.Client
}

// New creates an OpenAI client.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = string(openai.SmallEmbedding3)
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = openai.GPT4oMini
	}
	return &Client{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (c *Client) Name() string { return name }

// Embed returns the embedding of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	rsp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.cfg.EmbedModel),
	})
	if err != nil {
		return nil, classify("embed", err)
	}
	if len(rsp.Data) == 0 || len(rsp.Data[0].Embedding) == 0 {
		return nil, provider.Empty(name, "embed")
	}
	return rsp.Data[0].Embedding, nil
}

// Complete returns the model's answer to prompt.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	rsp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.ChatModel,
		Messages:    msgs,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return "", classify("complete", err)
	}
	if len(rsp.Choices) == 0 {
		return "", provider.Empty(name, "complete")
	}
	text := strings.TrimSpace(rsp.Choices[0].Message.Content)
	if text == "" {
		return "", provider.Empty(name, "complete")
	}
	return text, nil
}

// Ping lists models, which exercises authentication without spending tokens.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return provider.FromStatus(name, op, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return provider.FromStatus(name, op, reqErr.HTTPStatusCode, err)
	}
	return provider.Classify(name, op, err)
}
