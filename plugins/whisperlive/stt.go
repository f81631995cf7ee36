// Package whisperlive implements the stt.Client interface against a
// WhisperLive server: JSON configuration handshake, binary little-endian
// PCM frames at 16 kHz, and JSON segment messages back.
package whisperlive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/ai/stt"
	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// Client dials WhisperLive recognition streams.
type Client struct {
	url              string
	handshakeTimeout time.Duration
	logger           *slog.Logger
	dialer           *websocket.Dialer
}

// Option configures a Client.
type Option func(*Client)

// WithHandshakeTimeout overrides the default 3 s handshake deadline.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for a ws:// or wss:// WhisperLive endpoint.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:              url,
		handshakeTimeout: 3 * time.Second,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	return c
}

// handshake is the initial configuration message.
type handshake struct {
	UID      string `json:"uid"`
	Language string `json:"language"`
	Task     string `json:"task"`
	Model    string `json:"model"`
	UseVAD   bool   `json:"use_vad"`
}

// segment is one recognized span within a server message.
type segment struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Completed bool    `json:"completed"`
}

// serverMessage is the envelope WhisperLive pushes.
type serverMessage struct {
	UID      string    `json:"uid"`
	Segments []segment `json:"segments"`
	Message  string    `json:"message"`
	EOF      bool      `json:"eof"`
}

// OpenStream implements stt.Client.
func (c *Client) OpenStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, ai.Fatal(fmt.Errorf("whisperlive dial %s: %w", c.url, err))
		}
		return nil, ai.Recoverable(fmt.Errorf("whisperlive dial %s: %w", c.url, err))
	}

	uid := newUID()
	hs := handshake{
		UID:      uid,
		Language: cfg.Language,
		Task:     "transcribe",
		Model:    cfg.Model,
		UseVAD:   cfg.ServerVAD,
	}
	conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
	if err := conn.WriteJSON(hs); err != nil {
		conn.Close()
		return nil, ai.Recoverable(fmt.Errorf("whisperlive handshake: %w", err))
	}
	conn.SetWriteDeadline(time.Time{})

	s := &stream{
		conn:   conn,
		uid:    uid,
		events: make(chan stt.Event, 32),
		logger: c.logger,
	}
	go s.readLoop()

	c.logger.Debug("whisperlive stream opened",
		slog.String("uid", uid),
		slog.String("language", cfg.Language),
		slog.String("model", cfg.Model))
	return s, nil
}

type stream struct {
	conn   *websocket.Conn
	uid    string
	events chan stt.Event
	logger *slog.Logger

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// SendAudio implements stt.Stream.
func (s *stream) SendAudio(frame rtc.AudioFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Bytes()); err != nil {
		return ai.Recoverable(fmt.Errorf("whisperlive send audio: %w", err))
	}
	return nil
}

// Events implements stt.Stream.
func (s *stream) Events() <-chan stt.Event { return s.events }

// Flush implements stt.Stream: asks the server to finalize buffered audio.
func (s *stream) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(map[string]bool{"eof": true}); err != nil {
		return ai.Recoverable(fmt.Errorf("whisperlive flush: %w", err))
	}
	return nil
}

// Close implements stt.Stream.
func (s *stream) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// readLoop parses server messages into events until the connection ends.
func (s *stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeMu.Lock()
			closed := s.closed
			s.closeMu.Unlock()
			if !closed {
				s.events <- stt.Event{
					Type: stt.EventError,
					Err:  ai.Recoverable(fmt.Errorf("whisperlive read: %w", err)),
				}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("whisperlive sent invalid JSON", slog.String("error", err.Error()))
			continue
		}
		if msg.EOF {
			return
		}
		for _, seg := range msg.Segments {
			if seg.Text == "" {
				continue
			}
			typ := stt.EventInterim
			if seg.Completed {
				typ = stt.EventFinal
			}
			s.events <- stt.Event{
				Type:  typ,
				Text:  seg.Text,
				Start: seg.Start,
				End:   seg.End,
			}
		}
	}
}

func newUID() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
