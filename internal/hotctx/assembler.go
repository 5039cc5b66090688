// Package hotctx assembles the bounded LLM context injected into every NPC
// chat call: a deterministic system prompt derived from the character record
// and a history block combining relevant knowledge, salient relationships,
// recent memories, and the conversation tail.
//
// Assembly is pure computation over an already-fetched record, so it adds no
// I/O latency to the message path.
package hotctx

import (
	"time"

	"github.com/strandlabs/lifestrand/internal/character"
)

// Message is one conversation turn as the assembler sees it.
type Message struct {
	// Role is "user" or "assistant".
	Role string

	Content string
}

// Budgets bounds each section of the assembled context, in tokens.
type Budgets struct {
	// Total caps the whole context. Default 8192.
	Total int

	// System caps the system prompt. Default 2048.
	System int

	// History caps the history block. Default 4096.
	History int

	// Knowledge caps the knowledge section inside the history block.
	// Default 2048.
	Knowledge int
}

// DefaultBudgets returns the standard budget split.
func DefaultBudgets() Budgets {
	return Budgets{Total: 8192, System: 2048, History: 4096, Knowledge: 2048}
}

// TokenEstimator maps text to an estimated token count.
type TokenEstimator func(text string) int

// EstimateByChars is the default estimator: chars/4, rounding up.
func EstimateByChars(text string) int {
	return (len(text) + 3) / 4
}

// Assembled is the output of one assembly.
type Assembled struct {
	SystemPrompt   string
	HistoryContext string

	// EstimatedTokens is the estimator's count over both parts.
	EstimatedTokens int

	AssemblyDuration time.Duration
}

// Assembler builds Assembled contexts. Safe for concurrent use.
type Assembler struct {
	budgets  Budgets
	estimate TokenEstimator
	now      func() time.Time
}

// Option is a functional option for [New].
type Option func(*Assembler)

// WithBudgets overrides the default budgets. Zero fields keep their default.
func WithBudgets(b Budgets) Option {
	return func(a *Assembler) {
		if b.Total > 0 {
			a.budgets.Total = b.Total
		}
		if b.System > 0 {
			a.budgets.System = b.System
		}
		if b.History > 0 {
			a.budgets.History = b.History
		}
		if b.Knowledge > 0 {
			a.budgets.Knowledge = b.Knowledge
		}
	}
}

// WithTokenEstimator injects a real tokenizer in place of the chars/4
// estimate.
func WithTokenEstimator(est TokenEstimator) Option {
	return func(a *Assembler) { a.estimate = est }
}

// WithClock overrides the clock used for memory recency scoring.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// New creates an Assembler with default budgets and the chars/4 estimator.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		budgets:  DefaultBudgets(),
		estimate: EstimateByChars,
		now:      time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Assemble produces the (system prompt, history context) pair for one call.
// Both parts respect their budgets; the history block additionally shrinks
// so the combined estimate never exceeds the total budget.
func (a *Assembler) Assemble(rec character.CharacterRecord, messages []Message) Assembled {
	start := time.Now()

	system := a.formatSystemPrompt(rec)
	system = truncateToBudget(system, a.budgets.System, a.estimate)

	historyBudget := a.budgets.History
	if remaining := a.budgets.Total - a.estimate(system); remaining < historyBudget {
		historyBudget = remaining
	}
	history := a.formatHistory(rec, messages)
	if historyBudget <= 0 {
		history = ""
	} else {
		history = truncateToBudget(history, historyBudget, a.estimate)
	}

	return Assembled{
		SystemPrompt:     system,
		HistoryContext:   history,
		EstimatedTokens:  a.estimate(system) + a.estimate(history),
		AssemblyDuration: time.Since(start),
	}
}
