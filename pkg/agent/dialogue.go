package agent

import (
	"sync"
	"time"

	"github.com/trinityvoice/agent-go/pkg/ai/llm"
)

// DialogueTurn is one entry in the rolling conversation window.
type DialogueTurn struct {
	Role    llm.Role
	Content string
	At      time.Time
	// Truncated marks an assistant turn cut short by barge-in. The partial
	// text is kept so the model sees what was actually spoken.
	Truncated bool
	// Failure marks an assistant turn that is a canned apology rather than
	// generated content.
	Failure bool
}

// Dialogue is the bounded conversation store. The system preamble is
// pinned; user and assistant turns are trimmed oldest-first when either
// the turn or character bound is exceeded.
type Dialogue struct {
	mu       sync.Mutex
	preamble string
	turns    []DialogueTurn
	maxTurns int
	maxChars int
}

// NewDialogue creates a store with the given preamble and bounds.
func NewDialogue(preamble string, maxTurns, maxChars int) *Dialogue {
	return &Dialogue{preamble: preamble, maxTurns: maxTurns, maxChars: maxChars}
}

// AppendUser records a committed user utterance.
func (d *Dialogue) AppendUser(text string) {
	d.append(DialogueTurn{Role: llm.RoleUser, Content: text, At: time.Now()})
}

// AppendAssistant records a completed assistant turn.
func (d *Dialogue) AppendAssistant(text string) {
	d.append(DialogueTurn{Role: llm.RoleAssistant, Content: text, At: time.Now()})
}

// AppendTruncated records the spoken prefix of an interrupted assistant
// turn.
func (d *Dialogue) AppendTruncated(text string) {
	d.append(DialogueTurn{Role: llm.RoleAssistant, Content: text, At: time.Now(), Truncated: true})
}

// AppendFailure records a canned apology after a generation failure.
func (d *Dialogue) AppendFailure(text string) {
	d.append(DialogueTurn{Role: llm.RoleAssistant, Content: text, At: time.Now(), Failure: true})
}

func (d *Dialogue) append(t DialogueTurn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.turns = append(d.turns, t)
	d.trim()
}

// trim drops oldest turns until both bounds hold. Caller holds d.mu.
func (d *Dialogue) trim() {
	for len(d.turns) > d.maxTurns {
		d.turns = d.turns[1:]
	}
	for len(d.turns) > 1 && d.chars() > d.maxChars {
		d.turns = d.turns[1:]
	}
}

// chars counts stored content outside the preamble. Caller holds d.mu.
func (d *Dialogue) chars() int {
	n := 0
	for _, t := range d.turns {
		n += len(t.Content)
	}
	return n
}

// Messages returns a snapshot of the conversation as a chat request
// message list, preamble first.
func (d *Dialogue) Messages() []llm.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]llm.Message, 0, len(d.turns)+1)
	if d.preamble != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: d.preamble})
	}
	for _, t := range d.turns {
		if t.Failure {
			// Apologies are spoken but not replayed as model context.
			continue
		}
		out = append(out, llm.Message{Role: t.Role, Content: t.Content})
	}
	return out
}

// Turns returns a snapshot of the stored turns, preamble excluded.
func (d *Dialogue) Turns() []DialogueTurn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DialogueTurn, len(d.turns))
	copy(out, d.turns)
	return out
}

// Chars reports the stored content size outside the preamble.
func (d *Dialogue) Chars() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chars()
}
