package hotctx

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/strandlabs/lifestrand/internal/character"
)

const (
	maxPromptTraits      = 5
	maxPromptMotivations = 3
	maxPromptFears       = 2

	maxRelevantKnowledge = 3
	relevanceThreshold   = 0.1
	relevanceQueryTail   = 5

	maxHistoryMemories = 3
	maxHistoryMessages = 10
)

// Status values treated as baseline and left out of the prompt.
var defaultStatusValues = map[string]bool{
	"": true, "neutral": true, "healthy": true, "normal": true,
}

// ──────────────────────────────────────────────────────────────────────────
// System prompt
// ──────────────────────────────────────────────────────────────────────────

// formatSystemPrompt renders the character identity block. The output is a
// pure function of the record, so identical records always produce identical
// prompts.
func (a *Assembler) formatSystemPrompt(rec character.CharacterRecord) string {
	if rec.Name == "" {
		return "You are a friendly character in a living world; stay in character and respond naturally."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", rec.Name)
	if rec.Faction != "" {
		fmt.Fprintf(&b, " of %s", rec.Faction)
	}
	b.WriteString(".\n")

	bg := rec.Background
	var bio []string
	if bg.Age > 0 {
		bio = append(bio, fmt.Sprintf("%d years old", bg.Age))
	}
	if bg.Occupation != "" {
		bio = append(bio, "a "+bg.Occupation)
	}
	if bg.Location != "" {
		bio = append(bio, "living in "+bg.Location)
	}
	if len(bio) > 0 {
		fmt.Fprintf(&b, "You are %s.\n", strings.Join(bio, ", "))
	}

	writeDescriptorLine(&b, "Your defining traits", rec.Personality.Traits, maxPromptTraits)
	writeDescriptorLine(&b, "You are driven by", rec.Personality.Motivations, maxPromptMotivations)
	writeDescriptorLine(&b, "You fear", rec.Personality.Fears, maxPromptFears)

	st := rec.CurrentStatus
	var state []string
	if !defaultStatusValues[strings.ToLower(st.Mood)] {
		state = append(state, "feeling "+st.Mood)
	}
	if !defaultStatusValues[strings.ToLower(st.Health)] {
		state = append(state, "in "+st.Health+" health")
	}
	if !defaultStatusValues[strings.ToLower(st.Energy)] {
		state = append(state, "with "+st.Energy+" energy")
	}
	if len(state) > 0 {
		fmt.Fprintf(&b, "Right now you are %s.\n", strings.Join(state, ", "))
	}

	fmt.Fprintf(&b, "Stay in character as %s at all times and speak in the first person.", rec.Name)
	return b.String()
}

func writeDescriptorLine(b *strings.Builder, label string, items []string, max int) {
	if len(items) == 0 {
		return
	}
	if len(items) > max {
		items = items[:max]
	}
	fmt.Fprintf(b, "%s: %s.\n", label, strings.Join(items, ", "))
}

// ──────────────────────────────────────────────────────────────────────────
// History block
// ──────────────────────────────────────────────────────────────────────────

// formatHistory renders knowledge relevant to the recent conversation, the
// strongest relationships, the most salient memories, and the message tail.
func (a *Assembler) formatHistory(rec character.CharacterRecord, messages []Message) string {
	var b strings.Builder

	if know := a.relevantKnowledge(rec.Knowledge, messages); len(know) > 0 {
		b.WriteString("Relevant things you know:\n")
		section := &strings.Builder{}
		for _, k := range know {
			fmt.Fprintf(section, "- %s: %s\n", k.Topic, k.Content)
		}
		b.WriteString(truncateToBudget(section.String(), a.budgets.Knowledge, a.estimate))
		if !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
	}

	if rels := salientRelationships(rec.Relationships); len(rels) > 0 {
		b.WriteString("Your relationships:\n")
		for _, name := range rels {
			r := rec.Relationships[name]
			fmt.Fprintf(&b, "- %s: %s (intensity %d)", name, r.Type, r.Intensity)
			if r.Notes != "" {
				fmt.Fprintf(&b, ", %s", r.Notes)
			}
			b.WriteString("\n")
		}
	}

	if mems := a.salientMemories(rec.Memories); len(mems) > 0 {
		b.WriteString("Memories that matter to you:\n")
		for _, m := range mems {
			fmt.Fprintf(&b, "- %s\n", m.Content)
		}
	}

	tail := messages
	if len(tail) > maxHistoryMessages {
		tail = tail[len(tail)-maxHistoryMessages:]
	}
	if len(tail) > 0 {
		b.WriteString("The conversation so far:\n")
		for _, m := range tail {
			speaker := "User"
			if m.Role == "assistant" {
				speaker = "You"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// relevantKnowledge scores every knowledge entry against the last few user
// messages and keeps the top matches above the relevance threshold, best
// first. Order among equal scores follows record order.
func (a *Assembler) relevantKnowledge(know []character.Knowledge, messages []Message) []character.Knowledge {
	if len(know) == 0 {
		return nil
	}

	var userTail []string
	for i := len(messages) - 1; i >= 0 && len(userTail) < relevanceQueryTail; i-- {
		if messages[i].Role == "user" {
			userTail = append(userTail, messages[i].Content)
		}
	}
	query := wordSet(strings.Join(userTail, " "))
	if len(query) == 0 {
		return nil
	}

	type scored struct {
		k     character.Knowledge
		score float64
		idx   int
	}
	var hits []scored
	for i, k := range know {
		s := jaccard(query, wordSet(k.Topic+" "+k.Content))
		if s >= relevanceThreshold {
			hits = append(hits, scored{k: k, score: s, idx: i})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})
	if len(hits) > maxRelevantKnowledge {
		hits = hits[:maxRelevantKnowledge]
	}

	out := make([]character.Knowledge, len(hits))
	for i, h := range hits {
		out[i] = h.k
	}
	return out
}

// salientRelationships returns relationship names ordered by intensity
// descending, name ascending for determinism.
func salientRelationships(rels map[string]character.Relationship) []string {
	if len(rels) == 0 {
		return nil
	}
	names := make([]string, 0, len(rels))
	for name := range rels {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rels[names[i]], rels[names[j]]
		if ri.Intensity != rj.Intensity {
			return ri.Intensity > rj.Intensity
		}
		return names[i] < names[j]
	})
	return names
}

// salientMemories keeps the top memories by importance plus a recency boost
// mirroring the retention scoring used at merge time.
func (a *Assembler) salientMemories(mems []character.Memory) []character.Memory {
	if len(mems) == 0 {
		return nil
	}
	now := a.now()
	score := func(m character.Memory) int {
		s := m.Importance
		if ts := m.ParsedTimestamp(); !ts.IsZero() {
			switch age := now.Sub(ts); {
			case age <= 24*time.Hour:
				s += 2
			case age <= 7*24*time.Hour:
				s++
			}
		}
		return s
	}

	sorted := append([]character.Memory(nil), mems...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return score(sorted[i]) > score(sorted[j])
	})
	if len(sorted) > maxHistoryMemories {
		sorted = sorted[:maxHistoryMemories]
	}
	return sorted
}

// ──────────────────────────────────────────────────────────────────────────
// Relevance and truncation primitives
// ──────────────────────────────────────────────────────────────────────────

// wordSet lowercases text and splits it into its set of words.
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// jaccard is |a∩b| / |a∪b| over two word sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// truncateToBudget shortens text to fit the token budget, cutting at the last
// sentence boundary that fits, falling back to the last word boundary. It
// never splits a word or a rune.
func truncateToBudget(text string, budget int, est TokenEstimator) string {
	if budget <= 0 {
		return ""
	}
	if est(text) <= budget {
		return text
	}

	// Approximate the byte length the budget allows, then walk back to a
	// clean boundary. The estimator is monotone in length for the chars/4
	// default; for injected tokenizers we shrink until the estimate fits.
	cut := len(text)
	for cut > 0 && est(text[:cut]) > budget {
		cut = cut * budget / est(text[:cut])
	}
	// cut is a byte count and can land inside a multi-byte rune.
	for cut > 0 && cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut <= 0 {
		return ""
	}
	candidate := text[:cut]

	if i := lastSentenceEnd(candidate); i > 0 {
		return strings.TrimRight(candidate[:i], " ")
	}
	if i := strings.LastIndexAny(candidate, " \t\n"); i > 0 {
		return strings.TrimRight(candidate[:i], " ")
	}
	return candidate
}

// lastSentenceEnd returns the index just past the final '.', '!' or '?'.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return -1
}
