// Package openai adapts the OpenAI chat completions API to the llm.Client
// interface, for deployments that point the agent at a hosted model
// instead of a local Ollama instance.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

// Client implements llm.Client on top of go-openai.
type Client struct {
	client *openai.Client
}

// New creates a client using the default OpenAI endpoint.
func New(apiKey string) *Client {
	return &Client{client: openai.NewClient(apiKey)}
}

// NewWithBaseURL creates a client against an OpenAI-compatible endpoint.
func NewWithBaseURL(apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &Client{client: openai.NewClientWithConfig(cfg)}
}

// ChatStream implements llm.Client.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}

	s, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 && apiErr.HTTPStatusCode != 429 {
			return nil, ai.Fatal(fmt.Errorf("openai chat stream: %w", err))
		}
		return nil, ai.Recoverable(fmt.Errorf("openai chat stream: %w", err))
	}
	return &stream{stream: s}, nil
}

type stream struct {
	stream *openai.ChatCompletionStream
	done   bool
}

// Recv implements llm.Stream. The upstream EOF is surfaced as a Done
// delta first so callers see an explicit end-of-turn marker.
func (s *stream) Recv() (llm.Delta, error) {
	if s.done {
		return llm.Delta{}, io.EOF
	}
	resp, err := s.stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.done = true
			return llm.Delta{Done: true}, nil
		}
		return llm.Delta{}, ai.Recoverable(fmt.Errorf("openai stream recv: %w", err))
	}
	if len(resp.Choices) == 0 {
		return llm.Delta{}, nil
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonStop {
		s.done = true
		return llm.Delta{Content: choice.Delta.Content, Done: true}, nil
	}
	return llm.Delta{Content: choice.Delta.Content}, nil
}

// Close implements llm.Stream.
func (s *stream) Close() error {
	s.done = true
	return s.stream.Close()
}

var _ llm.Client = (*Client)(nil)
