// Package ollama implements the llm.Client interface against an Ollama
// server's /api/chat endpoint. Responses stream as newline-delimited JSON
// objects, one content delta per line, terminated by an object with
// done:true.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

// Client speaks the Ollama chat API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for an Ollama base URL such as http://ollama:11434.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []llm.Message `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float32 `json:"temperature"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// ChatStream implements llm.Client.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	body, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Options:  chatOptions{Temperature: req.Temperature},
	})
	if err != nil {
		return nil, ai.Fatal(fmt.Errorf("ollama encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, ai.Fatal(fmt.Errorf("ollama build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ai.Recoverable(fmt.Errorf("ollama chat: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		err := fmt.Errorf("ollama chat: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, ai.Fatal(err)
		}
		return nil, ai.Recoverable(err)
	}

	c.logger.Debug("ollama stream opened", slog.String("model", req.Model))
	return &stream{
		body:    resp.Body,
		scanner: bufio.NewScanner(resp.Body),
	}, nil
}

// Healthy checks that the server answers on its root endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health: status %d", resp.StatusCode)
	}
	return nil
}

type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

// Recv implements llm.Stream, returning one content delta per line.
func (s *stream) Recv() (llm.Delta, error) {
	if s.done {
		return llm.Delta{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp chatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return llm.Delta{}, ai.Recoverable(fmt.Errorf("ollama decode delta: %w", err))
		}
		if resp.Error != "" {
			return llm.Delta{}, ai.Recoverable(fmt.Errorf("ollama: %s", resp.Error))
		}
		if resp.Done {
			s.done = true
			return llm.Delta{Content: resp.Message.Content, Done: true}, nil
		}
		return llm.Delta{Content: resp.Message.Content}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return llm.Delta{}, ai.Recoverable(fmt.Errorf("ollama read stream: %w", err))
	}
	// Stream ended without a done marker.
	return llm.Delta{}, ai.Recoverable(fmt.Errorf("ollama stream ended before done marker"))
}

// Close implements llm.Stream.
func (s *stream) Close() error {
	s.done = true
	return s.body.Close()
}

var _ llm.Client = (*Client)(nil)
