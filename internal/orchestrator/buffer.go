package orchestrator

import "strings"

// tokenBufferCapacity is the number of tokens held before a forced flush.
const tokenBufferCapacity = 3

// flushBoundaries are the characters that trigger an immediate flush, so
// chunks break on word and phrase boundaries.
const flushBoundaries = " \n\t.,!?;:"

// tokenBuffer groups streamed tokens into word-boundary chunks before
// WebSocket dispatch. Not safe for concurrent use; each connection owns one.
type tokenBuffer struct {
	pending strings.Builder
	tokens  int
}

// add appends a token and returns a chunk when the buffer flushes: either
// the capacity is reached or the buffered text contains a boundary character.
func (b *tokenBuffer) add(token string) (string, bool) {
	b.pending.WriteString(token)
	b.tokens++
	if b.tokens >= tokenBufferCapacity || strings.ContainsAny(b.pending.String(), flushBoundaries) {
		return b.drain(), true
	}
	return "", false
}

// drain flushes whatever is buffered. Empty string when nothing is pending.
func (b *tokenBuffer) drain() string {
	out := b.pending.String()
	b.pending.Reset()
	b.tokens = 0
	return out
}
