package turndetect

import (
	"context"
	"testing"

	"github.com/matryer/is"
)

func TestHeuristicLikelyComplete(t *testing.T) {
	h := &Heuristic{CompletionTokens: []string{"over", "thanks"}}

	cases := []struct {
		text string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"What time is it?", true},
		{"Book a table for two.", true},
		{"Stop right there!", true},
		{"今何時ですか。", true},
		{"I want to", false},
		{"let me think...", false},
		{"hmm…", false},
		{"roger that over", true},
		{"Roger that OVER", true},
		{"thanks", true},
		{"that makes me think of over", true},
	}
	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			is := is.New(t)
			is.Equal(h.LikelyComplete(context.Background(), c.text), c.want)
		})
	}
}

func TestHeuristicWithoutTokens(t *testing.T) {
	is := is.New(t)
	h := &Heuristic{}

	is.True(h.LikelyComplete(context.Background(), "Done."))
	is.True(!h.LikelyComplete(context.Background(), "thanks"))
}
