// Package stt defines the streaming speech-to-text client interface.
// Providers convert 16 kHz mono PCM into interim and final transcripts.
package stt

import (
	"context"

	"github.com/trinityvoice/agent-go/pkg/ai"
	"github.com/trinityvoice/agent-go/pkg/rtc"
)

// Re-exported classification sentinels so callers need not import ai.
var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// StreamConfig configures a recognition stream.
type StreamConfig struct {
	Language   string
	Model      string
	SampleRate int
	// ServerVAD enables the recognizer's own endpointing. The pipeline runs
	// its own VAD and keeps this off; enabling both double-segments audio.
	ServerVAD bool
}

// EventType discriminates recognition events.
type EventType int

const (
	// EventInterim is a provisional hypothesis that may be revised.
	EventInterim EventType = iota
	// EventFinal is a stable hypothesis that will not be revised.
	EventFinal
	// EventError reports a stream failure. The stream is dead afterwards.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a single recognition result. Start and End are offsets in
// seconds within the recognizer's stream, as reported by the engine.
type Event struct {
	Type  EventType
	Text  string
	Start float64
	End   float64
	Err   error
}

// Client creates recognition streams.
type Client interface {
	// OpenStream dials the recognizer and performs the configuration
	// handshake. The stream stays usable across utterances until closed.
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is an active recognition session.
type Stream interface {
	// SendAudio forwards a PCM frame to the recognizer.
	SendAudio(frame rtc.AudioFrame) error

	// Events returns the channel of recognition results. It is closed when
	// the stream ends.
	Events() <-chan Event

	// Flush asks the recognizer to finalize any buffered audio.
	Flush() error

	// Close tears down the connection.
	Close() error
}
