package hotctx

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/strandlabs/lifestrand/internal/character"
)

func testRecord() character.CharacterRecord {
	return character.CharacterRecord{
		ID:      "c1",
		Name:    "Mira Vane",
		Faction: "Dockside Guild",
		Background: character.Background{
			Age:        42,
			Occupation: "smuggler",
			Location:   "Port Calloway",
		},
		Personality: character.Personality{
			Traits:      []string{"cunning", "loyal", "impatient", "wry", "cautious", "vain"},
			Motivations: []string{"pay off her debt", "protect her crew", "see the old country", "get rich"},
			Fears:       []string{"drowning", "betrayal", "the guild council"},
		},
		CurrentStatus: character.CurrentStatus{
			Mood:   "anxious",
			Health: "healthy",
			Energy: "normal",
		},
	}
}

func TestSystemPromptIsDeterministic(t *testing.T) {
	a := New()
	rec := testRecord()

	first := a.Assemble(rec, nil).SystemPrompt
	second := a.Assemble(rec, nil).SystemPrompt
	if first != second {
		t.Fatal("identical records produced different prompts")
	}
}

func TestSystemPromptContent(t *testing.T) {
	a := New()
	prompt := a.Assemble(testRecord(), nil).SystemPrompt

	for _, want := range []string{
		"You are Mira Vane of Dockside Guild.",
		"42 years old",
		"a smuggler",
		"living in Port Calloway",
		"feeling anxious",
		"Stay in character as Mira Vane",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}

	// Descriptor lists are capped: 5 traits, 3 motivations, 2 fears.
	for _, absent := range []string{"vain", "get rich", "the guild council"} {
		if strings.Contains(prompt, absent) {
			t.Errorf("prompt contains %q beyond the descriptor cap:\n%s", absent, prompt)
		}
	}

	// Default-valued status fields stay out.
	if strings.Contains(prompt, "health") || strings.Contains(prompt, "energy") {
		t.Errorf("prompt mentions baseline status fields:\n%s", prompt)
	}
}

func TestSystemPromptEmptyRecordFallsBack(t *testing.T) {
	a := New()
	prompt := a.Assemble(character.CharacterRecord{}, nil).SystemPrompt

	if prompt == "" {
		t.Fatal("empty record produced empty prompt")
	}
	if strings.Count(prompt, ".") != 1 {
		t.Errorf("fallback persona should be a single sentence: %q", prompt)
	}
}

func TestHistoryRelevantKnowledge(t *testing.T) {
	a := New()
	rec := testRecord()
	rec.Knowledge = []character.Knowledge{
		{Topic: "harbor patrol schedule", Content: "the patrol passes the east pier at midnight", Confidence: 8},
		{Topic: "wine vintages", Content: "the 1843 red is overrated", Confidence: 5},
	}
	messages := []Message{
		{Role: "user", Content: "when does the harbor patrol pass the pier?"},
	}

	history := a.Assemble(rec, messages).HistoryContext
	if !strings.Contains(history, "harbor patrol schedule") {
		t.Errorf("history missing relevant knowledge:\n%s", history)
	}
	if strings.Contains(history, "wine vintages") {
		t.Errorf("history includes irrelevant knowledge:\n%s", history)
	}
}

func TestHistoryKnowledgeSkippedWithoutUserMessages(t *testing.T) {
	a := New()
	rec := testRecord()
	rec.Knowledge = []character.Knowledge{
		{Topic: "anything", Content: "at all", Confidence: 5},
	}

	history := a.Assemble(rec, []Message{{Role: "assistant", Content: "anything at all"}}).HistoryContext
	if strings.Contains(history, "Relevant things you know") {
		t.Errorf("knowledge section present without user query:\n%s", history)
	}
}

func TestHistoryRelationshipsOrderedByIntensity(t *testing.T) {
	a := New()
	rec := testRecord()
	rec.Relationships = map[string]character.Relationship{
		"Aldo":  {Type: "friend", Intensity: 4},
		"Sable": {Type: "rival", Intensity: 9},
	}

	history := a.Assemble(rec, nil).HistoryContext
	sable := strings.Index(history, "Sable")
	aldo := strings.Index(history, "Aldo")
	if sable < 0 || aldo < 0 {
		t.Fatalf("relationships missing:\n%s", history)
	}
	if sable > aldo {
		t.Errorf("stronger relationship listed later:\n%s", history)
	}
}

func TestHistoryMemoriesPreferImportantAndRecent(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	a := New(WithClock(func() time.Time { return now }))

	rec := testRecord()
	rec.Memories = []character.Memory{
		{Content: "old minor gossip", Timestamp: now.AddDate(0, -2, 0).Format(time.RFC3339), Importance: 3},
		{Content: "saw the fleet burn", Timestamp: now.AddDate(-1, 0, 0).Format(time.RFC3339), Importance: 9},
		{Content: "argued with Sable", Timestamp: now.Add(-2 * time.Hour).Format(time.RFC3339), Importance: 5},
		{Content: "lost a card game", Timestamp: now.AddDate(0, -1, 0).Format(time.RFC3339), Importance: 2},
		{Content: "found the ledger", Timestamp: now.Add(-3 * 24 * time.Hour).Format(time.RFC3339), Importance: 6},
	}

	history := a.Assemble(rec, nil).HistoryContext
	for _, want := range []string{"saw the fleet burn", "argued with Sable", "found the ledger"} {
		if !strings.Contains(history, want) {
			t.Errorf("history missing salient memory %q:\n%s", want, history)
		}
	}
	for _, absent := range []string{"old minor gossip", "lost a card game"} {
		if strings.Contains(history, absent) {
			t.Errorf("history includes low-salience memory %q:\n%s", absent, history)
		}
	}
}

func TestHistoryMessageTail(t *testing.T) {
	a := New()
	var messages []Message
	for i := 0; i < 15; i++ {
		messages = append(messages, Message{Role: "user", Content: "line " + strings.Repeat("x", i)})
	}

	history := a.Assemble(testRecord(), messages).HistoryContext
	if strings.Contains(history, "User: line x\n") {
		t.Errorf("history retained messages beyond the last 10:\n%s", history)
	}
	if !strings.Contains(history, "User: line "+strings.Repeat("x", 14)) {
		t.Errorf("history missing the latest message:\n%s", history)
	}
}

func TestHistorySpeakerLabels(t *testing.T) {
	a := New()
	history := a.Assemble(testRecord(), []Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "well met"},
	}).HistoryContext

	if !strings.Contains(history, "User: hello") || !strings.Contains(history, "You: well met") {
		t.Errorf("speaker labels wrong:\n%s", history)
	}
}

func TestTruncateAtSentenceBoundary(t *testing.T) {
	text := "First sentence here. Second one follows! Third trails off forever and ever"
	got := truncateToBudget(text, EstimateByChars("First sentence here. Second one follows!")+1, EstimateByChars)

	if !strings.HasSuffix(got, "!") && !strings.HasSuffix(got, ".") {
		t.Errorf("truncation did not end at a sentence boundary: %q", got)
	}
	if !strings.HasPrefix(text, got) {
		t.Errorf("truncation rewrote text: %q", got)
	}
}

func TestTruncateFallsBackToWordBoundary(t *testing.T) {
	text := "no sentence punctuation just a very long run of words going on and on"
	got := truncateToBudget(text, 5, EstimateByChars)

	if got == "" {
		t.Fatal("truncated to nothing")
	}
	if !strings.HasPrefix(text, got) {
		t.Fatalf("truncation rewrote text: %q", got)
	}
	// The cut lands between words, never inside one.
	if next := text[len(got)]; next != ' ' {
		t.Errorf("cut mid-word: %q then %q", got, string(next))
	}
}

func TestTruncateNoOpWithinBudget(t *testing.T) {
	text := "short."
	if got := truncateToBudget(text, 100, EstimateByChars); got != text {
		t.Errorf("in-budget text changed: %q", got)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// No sentence or whitespace boundaries, so the raw byte cut is the
	// only fallback. The cut must still land on a rune boundary.
	text := strings.Repeat("长夜漫漫路遥遥", 10)
	for budget := 1; budget < EstimateByChars(text); budget++ {
		got := truncateToBudget(text, budget, EstimateByChars)
		if !utf8.ValidString(got) {
			t.Fatalf("budget %d split a rune: %q", budget, got)
		}
		if !strings.HasPrefix(text, got) {
			t.Fatalf("budget %d rewrote text: %q", budget, got)
		}
	}
}

func TestAssembleRespectsTotalBudget(t *testing.T) {
	a := New(WithBudgets(Budgets{Total: 60, System: 50, History: 50, Knowledge: 20}))

	rec := testRecord()
	rec.Background.History = strings.Repeat("A long biography. ", 50)
	var messages []Message
	for i := 0; i < 10; i++ {
		messages = append(messages, Message{Role: "user", Content: strings.Repeat("chatter ", 20)})
	}

	out := a.Assemble(rec, messages)
	if out.EstimatedTokens > 60 {
		t.Errorf("EstimatedTokens = %d, want <= total budget 60", out.EstimatedTokens)
	}
}
