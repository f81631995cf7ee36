// Package fake provides a scriptable TTS client for tests. Streams yield
// silence PCM proportional to the text length so egress timing and
// ordering can be exercised without an engine.
package fake

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/tts"
)

// Client implements tts.Client.
type Client struct {
	mu       sync.Mutex
	requests []tts.SynthesizeRequest

	// SampleRate of produced PCM. Defaults to 22050.
	SampleRate int
	// MsPerChar scales output duration with text length. Default 20 ms.
	MsPerChar time.Duration
	// TTFBDelay defers the first Recv, for time-to-first-byte tests.
	TTFBDelay time.Duration
	// Err fails Synthesize immediately.
	Err error
}

// NewClient creates a fake producing 22050 Hz silence.
func NewClient() *Client {
	return &Client{SampleRate: 22050, MsPerChar: 20 * time.Millisecond}
}

// Synthesize implements tts.Client.
func (c *Client) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	err := c.Err
	rate := c.SampleRate
	perChar := c.MsPerChar
	ttfb := c.TTFBDelay
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = 22050
	}
	total := int(time.Duration(len(req.Text)) * perChar * time.Duration(rate) / time.Second)
	if total == 0 {
		total = rate / 100
	}
	return &Stream{ctx: ctx, rate: rate, remaining: total, ttfb: ttfb}, nil
}

// Requests returns every synthesis request received, in order.
func (c *Client) Requests() []tts.SynthesizeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tts.SynthesizeRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

// Stream implements tts.Stream.
type Stream struct {
	ctx       context.Context
	rate      int
	remaining int
	ttfb      time.Duration
	first     bool
	closed    bool
	mu        sync.Mutex
}

// Format implements tts.Stream.
func (s *Stream) Format() tts.Format {
	return tts.Format{SampleRate: s.rate, Channels: 1, SampleWidth: 2}
}

// Recv implements tts.Stream, yielding ~20 ms blocks of silence.
func (s *Stream) Recv() ([]int16, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, io.EOF
	}
	if !s.first {
		s.first = true
		if s.ttfb > 0 {
			select {
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			case <-time.After(s.ttfb):
			}
		}
	}
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	default:
	}
	if s.remaining <= 0 {
		return nil, io.EOF
	}
	n := s.rate / 50 // 20 ms
	if n > s.remaining {
		n = s.remaining
	}
	s.remaining -= n
	return make([]int16, n), nil
}

// Close implements tts.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
