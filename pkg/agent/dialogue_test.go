package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/matryer/is"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

func TestDialogueMessagesPinPreamble(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("Be brief.", 16, 4096)

	d.AppendUser("Hello.")
	d.AppendAssistant("Hi, what can I do for you?")

	msgs := d.Messages()
	is.Equal(len(msgs), 3)
	is.Equal(msgs[0], llm.Message{Role: llm.RoleSystem, Content: "Be brief."})
	is.Equal(msgs[1], llm.Message{Role: llm.RoleUser, Content: "Hello."})
	is.Equal(msgs[2].Role, llm.RoleAssistant)
}

func TestDialogueTrimsOldestByTurnCount(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("sys", 4, 4096)

	for i := 0; i < 6; i++ {
		d.AppendUser(fmt.Sprintf("turn %d", i))
	}

	turns := d.Turns()
	is.Equal(len(turns), 4)
	is.Equal(turns[0].Content, "turn 2")
	is.Equal(turns[3].Content, "turn 5")

	// The preamble survives trimming.
	is.Equal(d.Messages()[0].Role, llm.RoleSystem)
}

func TestDialogueTrimsOldestByChars(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("", 16, 100)

	d.AppendUser(strings.Repeat("a", 60))
	d.AppendAssistant(strings.Repeat("b", 60))

	turns := d.Turns()
	is.Equal(len(turns), 1)
	is.Equal(turns[0].Role, llm.RoleAssistant)
	is.True(d.Chars() <= 100)
}

func TestDialogueKeepsOversizedNewestTurn(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("", 16, 50)

	// A single turn over the bound is kept rather than leaving the
	// dialogue empty.
	d.AppendUser(strings.Repeat("a", 200))
	is.Equal(len(d.Turns()), 1)
}

func TestDialogueFailureTurnsExcludedFromContext(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("", 16, 4096)

	d.AppendUser("What's the weather?")
	d.AppendFailure("Sorry, I had trouble answering.")
	d.AppendUser("Let's try again.")

	for _, m := range d.Messages() {
		is.True(!strings.Contains(m.Content, "trouble"))
	}
	// The failure is still recorded in the transcript history.
	is.Equal(len(d.Turns()), 3)
}

func TestDialogueTruncatedTurnStaysInContext(t *testing.T) {
	is := is.New(t)
	d := NewDialogue("", 16, 4096)

	d.AppendUser("Tell me a story.")
	d.AppendTruncated("Once upon a time")

	msgs := d.Messages()
	is.Equal(len(msgs), 2)
	is.Equal(msgs[1].Content, "Once upon a time")

	turns := d.Turns()
	is.True(turns[1].Truncated)
}
