// Package turndetect decides whether a transcript looks like a finished
// turn. The turn controller uses it to commit before the endpointing
// timer expires; a negative answer never blocks the timer path.
package turndetect

import (
	"context"
	"strings"
)

// Predictor scores how likely the user is done speaking given the latest
// transcript. Implementations must be fast: the controller calls this on
// every final while endpointing.
type Predictor interface {
	// LikelyComplete reports whether text reads as a finished turn.
	LikelyComplete(ctx context.Context, text string) bool
}

// Heuristic is the default predicate: a turn is likely complete when the
// transcript ends with sentence-final punctuation or one of the
// configured completion tokens.
type Heuristic struct {
	// CompletionTokens are trailing words that end a turn without
	// punctuation, e.g. "over", "thanks". Matched case-insensitively.
	CompletionTokens []string
}

var sentenceFinal = []string{".", "!", "?", "。", "！", "？"}

// LikelyComplete implements Predictor.
func (h *Heuristic) LikelyComplete(_ context.Context, text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, p := range sentenceFinal {
		if strings.HasSuffix(t, p) {
			// An ellipsis signals a thinking pause, not completion.
			if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
				return false
			}
			return true
		}
	}
	lower := strings.ToLower(t)
	for _, tok := range h.CompletionTokens {
		if tok == "" {
			continue
		}
		if strings.HasSuffix(lower, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}
