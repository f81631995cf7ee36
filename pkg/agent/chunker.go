package agent

import (
	"strings"
	"unicode"
)

const (
	firstChunkMaxChars = 80
	laterChunkMaxChars = 120
)

// chunker segments a token stream into synthesis-sized text chunks. The
// first chunk is released aggressively (sentence end or 80 characters, or
// the generator's first-chunk timer) so audio starts before the model
// finishes; later chunks wait for a sentence boundary or 120 characters.
type chunker struct {
	buf     strings.Builder
	emitted int
}

// Add appends streamed text and returns any chunks that became ready.
func (c *chunker) Add(text string) []string {
	c.buf.WriteString(text)
	var out []string
	for {
		chunk, ok := c.takeReady()
		if !ok {
			break
		}
		out = append(out, chunk)
	}
	return out
}

// ForceFirst releases the pending text as the first chunk regardless of
// boundaries. Used when the first-chunk timer fires.
func (c *chunker) ForceFirst() (string, bool) {
	if c.emitted > 0 {
		return "", false
	}
	return c.takeAll()
}

// Flush releases whatever text remains.
func (c *chunker) Flush() (string, bool) {
	return c.takeAll()
}

// Emitted reports how many chunks have been released.
func (c *chunker) Emitted() int { return c.emitted }

func (c *chunker) takeAll() (string, bool) {
	text := strings.TrimSpace(c.buf.String())
	c.buf.Reset()
	if text == "" {
		return "", false
	}
	c.emitted++
	return text, true
}

func (c *chunker) takeReady() (string, bool) {
	s := c.buf.String()
	maxChars := laterChunkMaxChars
	if c.emitted == 0 {
		maxChars = firstChunkMaxChars
	}

	if cut := sentenceCut(s); cut > 0 {
		return c.take(s, cut), true
	}
	if limit, full := runeLimit(s, maxChars); full {
		if cut := wordCut(s, limit); cut > 0 {
			return c.take(s, cut), true
		}
		return c.take(s, limit), true
	}
	return "", false
}

// runeLimit reports whether s holds at least max runes and, when it
// does, the byte offset just past the max-th rune, so forced cuts land
// on rune boundaries.
func runeLimit(s string, max int) (int, bool) {
	n := 0
	for i := range s {
		if n == max {
			return i, true
		}
		n++
	}
	if n >= max {
		return len(s), true
	}
	return 0, false
}

func (c *chunker) take(s string, cut int) string {
	rest := s[cut:]
	c.buf.Reset()
	c.buf.WriteString(rest)
	c.emitted++
	return strings.TrimSpace(s[:cut])
}

// sentenceCut returns the index just past the first sentence-final
// punctuation followed by space or end of buffer, or 0 when none is
// complete yet. A trailing punctuation with no following text is not a
// boundary: the next token may extend it (an ellipsis, a decimal).
func sentenceCut(s string) int {
	runes := []rune(s)
	byteAt := 0
	for i, r := range runes {
		w := len(string(r))
		if isSentenceFinal(r) {
			// Require something after the mark so "..." and "3.14" in
			// progress are not split.
			if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) && !partOfEllipsis(runes, i) {
				return byteAt + w
			}
		}
		byteAt += w
	}
	return 0
}

func isSentenceFinal(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func partOfEllipsis(runes []rune, i int) bool {
	if runes[i] != '.' {
		return false
	}
	dots := 1
	for j := i - 1; j >= 0 && runes[j] == '.'; j-- {
		dots++
	}
	for j := i + 1; j < len(runes) && runes[j] == '.'; j++ {
		dots++
	}
	return dots >= 3
}

// wordCut returns the last space at or before the byte offset limit, so
// overlong chunks break on a word boundary.
func wordCut(s string, limit int) int {
	for i := limit; i > 0; i-- {
		if s[i-1] == ' ' {
			return i
		}
	}
	return 0
}
