package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

// Generation failure kinds surfaced to the turn controller.
var (
	// ErrLLMTimeout covers a missing first token and an overlong total
	// generation.
	ErrLLMTimeout = errors.New("llm timeout")
	// ErrLLMUnavailable covers request and transport failures.
	ErrLLMUnavailable = errors.New("llm request failed")
	// ErrLLMMalformed covers streams that break mid-generation.
	ErrLLMMalformed = errors.New("llm malformed response")
)

// firstChunkDelay bounds the wait for a natural boundary before the
// first chunk is forced out.
const firstChunkDelay = 400 * time.Millisecond

// generatorResult summarizes one generation run.
type generatorResult struct {
	// text is everything the model produced, including chunks never
	// spoken.
	text string
	// spoken is the prefix that was handed to synthesis.
	spoken string
	// truncated is set when the run was cancelled mid-stream.
	truncated bool
	err       error

	ttft  time.Duration
	total time.Duration
}

// generator streams one completion and segments it into SpeakChunks.
type generator struct {
	client            llm.Client
	model             string
	temperature       float32
	firstTokenTimeout time.Duration
	totalTimeout      time.Duration
	logger            *slog.Logger
}

type deltaMsg struct {
	delta llm.Delta
	err   error
}

// Run streams a completion for messages, sending chunks in order. The
// chunk channel is closed when the run ends, however it ends. Cancelling
// ctx aborts the model request.
func (g *generator) Run(ctx context.Context, messages []llm.Message, chunks chan<- SpeakChunk) generatorResult {
	defer close(chunks)
	started := time.Now()

	stream, err := g.client.ChatStream(ctx, llm.ChatRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: g.temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return generatorResult{truncated: true, err: ctx.Err()}
		}
		return generatorResult{err: fmt.Errorf("%w: %v", ErrLLMUnavailable, err)}
	}
	defer stream.Close()

	deltas := make(chan deltaMsg, 8)
	go func() {
		for {
			d, err := stream.Recv()
			select {
			case deltas <- deltaMsg{delta: d, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil || d.Done {
				return
			}
		}
	}()

	var (
		ck              chunker
		full            strings.Builder
		spoken          strings.Builder
		index           int
		ttft            time.Duration
		gotFirst        bool
		res             generatorResult
		firstChunkTimer *time.Timer
		firstChunkC     <-chan time.Time
	)

	ttftTimer := time.NewTimer(g.firstTokenTimeout)
	defer ttftTimer.Stop()
	totalTimer := time.NewTimer(g.totalTimeout)
	defer totalTimer.Stop()

	send := func(text string, final bool) bool {
		select {
		case chunks <- SpeakChunk{Index: index, Text: text, IsFinal: final}:
			index++
			spoken.WriteString(text)
			spoken.WriteString(" ")
			return true
		case <-ctx.Done():
			return false
		}
	}

	finish := func() generatorResult {
		res.text = strings.TrimSpace(full.String())
		res.spoken = strings.TrimSpace(spoken.String())
		res.ttft = ttft
		res.total = time.Since(started)
		return res
	}

	for {
		select {
		case <-ctx.Done():
			res.truncated = true
			res.err = ctx.Err()
			return finish()

		case <-ttftTimer.C:
			if !gotFirst {
				res.err = fmt.Errorf("%w: no token within %v", ErrLLMTimeout, g.firstTokenTimeout)
				return finish()
			}

		case <-totalTimer.C:
			res.err = fmt.Errorf("%w: generation exceeded %v", ErrLLMTimeout, g.totalTimeout)
			return finish()

		case <-firstChunkC:
			firstChunkC = nil
			if text, ok := ck.ForceFirst(); ok {
				if !send(text, false) {
					res.truncated = true
					res.err = ctx.Err()
					return finish()
				}
			}

		case msg := <-deltas:
			if msg.err != nil {
				res.err = fmt.Errorf("%w: %v", ErrLLMMalformed, msg.err)
				return finish()
			}
			if !gotFirst && msg.delta.Content != "" {
				gotFirst = true
				ttft = time.Since(started)
				firstChunkTimer = time.NewTimer(firstChunkDelay)
				defer firstChunkTimer.Stop()
				firstChunkC = firstChunkTimer.C
			}
			full.WriteString(msg.delta.Content)
			ready := ck.Add(msg.delta.Content)
			if msg.delta.Done {
				if text, ok := ck.Flush(); ok {
					ready = append(ready, text)
				}
				for i, text := range ready {
					if !send(text, i == len(ready)-1) {
						res.truncated = true
						res.err = ctx.Err()
						return finish()
					}
				}
				if len(ready) == 0 && index > 0 {
					// Everything left the chunker before the closing
					// delta; an empty terminator still marks the end.
					send("", true)
				}
				return finish()
			}
			for _, text := range ready {
				if !send(text, false) {
					res.truncated = true
					res.err = ctx.Err()
					return finish()
				}
			}
		}
	}
}
