// Package piper implements the tts.Client interface against a Piper HTTP
// synthesis server. The server streams raw little-endian PCM in the
// response body and reports the format in X-Sample-Rate, X-Channels and
// X-Sample-Width headers.
package piper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/tts"
)

// Client speaks the Piper streaming synthesis API.
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

// New creates a client for a Piper base URL such as http://piper:5000.
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

type synthesizeRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Synthesize implements tts.Client.
func (c *Client) Synthesize(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		SampleRate: req.SampleRate,
	})
	if err != nil {
		return nil, ai.Fatal(fmt.Errorf("piper encode request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/synthesize/stream", bytes.NewReader(body))
	if err != nil {
		return nil, ai.Fatal(fmt.Errorf("piper build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, ai.Recoverable(fmt.Errorf("piper synthesize: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		err := fmt.Errorf("piper synthesize: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, ai.Fatal(err)
		}
		return nil, ai.Recoverable(err)
	}

	format, err := formatFromHeaders(resp.Header)
	if err != nil {
		resp.Body.Close()
		return nil, ai.Fatal(err)
	}
	if format.SampleWidth != 2 {
		resp.Body.Close()
		return nil, ai.Fatal(fmt.Errorf("piper: unsupported sample width %d", format.SampleWidth))
	}

	c.logger.Debug("piper stream opened",
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("text_len", len(req.Text)))
	return &stream{body: resp.Body, format: format}, nil
}

// Healthy checks the server's health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("piper health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("piper health: status %d", resp.StatusCode)
	}
	return nil
}

func formatFromHeaders(h http.Header) (tts.Format, error) {
	rate, err := strconv.Atoi(h.Get("X-Sample-Rate"))
	if err != nil || rate <= 0 {
		return tts.Format{}, fmt.Errorf("piper: missing or invalid X-Sample-Rate %q", h.Get("X-Sample-Rate"))
	}
	channels, err := strconv.Atoi(h.Get("X-Channels"))
	if err != nil || channels <= 0 {
		return tts.Format{}, fmt.Errorf("piper: missing or invalid X-Channels %q", h.Get("X-Channels"))
	}
	width, err := strconv.Atoi(h.Get("X-Sample-Width"))
	if err != nil || width <= 0 {
		return tts.Format{}, fmt.Errorf("piper: missing or invalid X-Sample-Width %q", h.Get("X-Sample-Width"))
	}
	return tts.Format{SampleRate: rate, Channels: channels, SampleWidth: width}, nil
}

type stream struct {
	body   io.ReadCloser
	format tts.Format
	// carry holds an odd trailing byte between reads so sample
	// boundaries survive arbitrary chunking.
	carry []byte
	buf   [4096]byte
}

// Format implements tts.Stream.
func (s *stream) Format() tts.Format { return s.format }

// Recv implements tts.Stream, returning the next block of PCM samples.
func (s *stream) Recv() ([]int16, error) {
	n, err := s.body.Read(s.buf[:])
	if n == 0 && err != nil {
		if err == io.EOF {
			if len(s.carry) > 0 {
				return nil, ai.Recoverable(fmt.Errorf("piper: stream ended mid-sample"))
			}
			return nil, io.EOF
		}
		return nil, ai.Recoverable(fmt.Errorf("piper read stream: %w", err))
	}

	data := append(s.carry, s.buf[:n]...)
	if len(data)%2 == 1 {
		s.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	} else {
		s.carry = nil
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

// Close implements tts.Stream.
func (s *stream) Close() error {
	return s.body.Close()
}

var _ tts.Client = (*Client)(nil)
