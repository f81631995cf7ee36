// Package llm defines the streaming chat client interface used by the
// response generator.
package llm

import (
	"context"

	"github.com/trinityvoice/agent-go/pkg/ai"
)

var (
	ErrRecoverable = ai.ErrRecoverable
	ErrFatal       = ai.ErrFatal
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat turn sent to the model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest holds the parameters for one streaming chat completion.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float32
}

// Delta is one increment of a streamed completion. Done is set on the
// terminating delta, whose Content is empty.
type Delta struct {
	Content string
	Done    bool
}

// Client creates streaming chat completions.
type Client interface {
	// ChatStream starts a completion and returns a stream of deltas.
	// Cancelling ctx aborts the request.
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}

// Stream yields completion deltas in order.
type Stream interface {
	// Recv returns the next delta. After the Done delta, or on error,
	// further calls return the same result.
	Recv() (Delta, error)

	// Close aborts the underlying request.
	Close() error
}
