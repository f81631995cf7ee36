// Package fake provides a scriptable STT client for tests. Streams do no
// recognition; tests emit events by hand and inspect the audio that the
// pipeline forwarded.
package fake

import (
	"context"
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/stt"
	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// Client implements stt.Client.
type Client struct {
	mu      sync.Mutex
	streams []*Stream
	opens   int

	// FailOpens makes the next n OpenStream calls fail recoverably,
	// exercising the reconnect path.
	FailOpens int
	// OpenErr, when set, fails every OpenStream with this error.
	OpenErr error
	// OpenDelay makes OpenStream take this long, for cold-dial tests.
	OpenDelay time.Duration
}

// NewClient creates an idle fake.
func NewClient() *Client {
	return &Client{}
}

// OpenStream implements stt.Client.
func (c *Client) OpenStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	c.mu.Lock()
	c.opens++
	delay := c.OpenDelay
	if err := c.OpenErr; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.FailOpens > 0 {
		c.FailOpens--
		c.mu.Unlock()
		return nil, ai.Recoverable(context.DeadlineExceeded)
	}
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	s := &Stream{
		cfg:    cfg,
		events: make(chan stt.Event, 16),
	}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

// Opens reports how many OpenStream calls were made, failures included.
func (c *Client) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Streams returns every stream opened so far.
func (c *Client) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Last returns the most recently opened stream, or nil.
func (c *Client) Last() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

// Stream implements stt.Stream.
type Stream struct {
	cfg    stt.StreamConfig
	events chan stt.Event

	mu      sync.Mutex
	sent    int // samples received via SendAudio
	flushed bool
	closed  bool
	sendErr error
}

// Config returns the stream's handshake configuration.
func (s *Stream) Config() stt.StreamConfig { return s.cfg }

// SendAudio implements stt.Stream.
func (s *Stream) SendAudio(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	if s.closed {
		return ai.Recoverable(context.Canceled)
	}
	s.sent += len(frame.Samples)
	return nil
}

// Events implements stt.Stream.
func (s *Stream) Events() <-chan stt.Event { return s.events }

// Flush implements stt.Stream.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = true
	return nil
}

// Close implements stt.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// EmitInterim scripts an interim hypothesis.
func (s *Stream) EmitInterim(text string) {
	s.events <- stt.Event{Type: stt.EventInterim, Text: text}
}

// EmitFinal scripts a final hypothesis.
func (s *Stream) EmitFinal(text string) {
	s.events <- stt.Event{Type: stt.EventFinal, Text: text}
}

// Fail scripts a stream error: subsequent sends fail and the event
// channel reports the error then closes.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.sendErr = err
	closed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !closed {
		s.events <- stt.Event{Type: stt.EventError, Err: err}
		close(s.events)
	}
}

// SentSamples reports how many samples the pipeline forwarded.
func (s *Stream) SentSamples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Flushed reports whether Flush was called.
func (s *Stream) Flushed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
