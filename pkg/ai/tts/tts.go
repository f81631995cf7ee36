// Package tts defines the streaming speech synthesis client interface.
package tts

import (
	"context"

	"github.com/trinityvoice/agent-go/pkg/ai"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// SynthesizeRequest holds the parameters for one synthesis stream.
type SynthesizeRequest struct {
	Text       string
	Voice      string
	SampleRate int
}

// Format describes the PCM produced by a synthesis stream.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int // bytes per sample
}

// Client creates synthesis streams.
type Client interface {
	// Synthesize starts a streaming synthesis request. Cancelling ctx
	// aborts synthesis mid-stream.
	Synthesize(ctx context.Context, req SynthesizeRequest) (Stream, error)
}

// Stream yields raw PCM as the engine produces it.
type Stream interface {
	// Format reports the stream's PCM format, known from the response
	// headers before any audio arrives.
	Format() Format

	// Recv returns the next PCM block as int16 samples. io.EOF marks the
	// end of the stream.
	Recv() ([]int16, error)

	// Close aborts the request and releases the connection.
	Close() error
}
