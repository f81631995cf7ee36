// Package fake provides a scriptable LLM client for tests.
package fake

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

// Client implements llm.Client by streaming a canned reply word by word.
type Client struct {
	mu       sync.Mutex
	requests []llm.ChatRequest

	// Reply is streamed one word at a time. Defaults to a short sentence.
	Reply string
	// TokenDelay is the pause before each delta, for latency tests.
	TokenDelay time.Duration
	// FirstTokenDelay defers the first delta, for time-to-first-token
	// timeout tests.
	FirstTokenDelay time.Duration
	// Err fails ChatStream immediately.
	Err error
	// StallForever makes streams block until their context is cancelled.
	StallForever bool
}

// NewClient creates a fake with a default reply.
func NewClient() *Client {
	return &Client{Reply: "Hello there. How can I help you today?"}
}

// ChatStream implements llm.Client.
func (c *Client) ChatStream(ctx context.Context, req llm.ChatRequest) (llm.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	err := c.Err
	reply := c.Reply
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := &Stream{
		ctx:        ctx,
		words:      strings.Fields(reply),
		tokenDelay: c.TokenDelay,
		firstDelay: c.FirstTokenDelay,
		stall:      c.StallForever,
	}
	return s, nil
}

// Requests returns every request received.
func (c *Client) Requests() []llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.ChatRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// LastRequest returns the most recent request, or a zero value.
func (c *Client) LastRequest() llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return llm.ChatRequest{}
	}
	return c.requests[len(c.requests)-1]
}

// Stream implements llm.Stream.
type Stream struct {
	ctx        context.Context
	words      []string
	idx        int
	tokenDelay time.Duration
	firstDelay time.Duration
	stall      bool
	done       bool
	closeOnce  sync.Once
	closed     chan struct{}
}

// Recv implements llm.Stream.
func (s *Stream) Recv() (llm.Delta, error) {
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	if s.stall {
		select {
		case <-s.ctx.Done():
			return llm.Delta{}, s.ctx.Err()
		case <-s.closed:
			return llm.Delta{}, io.EOF
		}
	}
	delay := s.tokenDelay
	if s.idx == 0 && s.firstDelay > 0 {
		delay = s.firstDelay
	}
	if delay > 0 {
		select {
		case <-s.ctx.Done():
			return llm.Delta{}, s.ctx.Err()
		case <-time.After(delay):
		}
	}
	select {
	case <-s.ctx.Done():
		return llm.Delta{}, s.ctx.Err()
	default:
	}
	if s.done {
		return llm.Delta{}, io.EOF
	}
	if s.idx >= len(s.words) {
		s.done = true
		return llm.Delta{Done: true}, nil
	}
	word := s.words[s.idx]
	s.idx++
	if s.idx < len(s.words) {
		word += " "
	}
	return llm.Delta{Content: word}, nil
}

// Close implements llm.Stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closed == nil {
			s.closed = make(chan struct{})
		}
		close(s.closed)
	})
	return nil
}
