package character

import (
	"fmt"
	"reflect"
	"testing"
	"time"
)

var mergeNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func baseRecord() CharacterRecord {
	return CharacterRecord{
		ID:            "char-1",
		SchemaVersion: SchemaVersion,
		Name:          "Alice",
		Status:        StatusActive,
		Personality: Personality{
			Traits: []string{"analytical", "curious"},
		},
		CreatedAt: mergeNow.Add(-48 * time.Hour),
		UpdatedAt: mergeNow.Add(-48 * time.Hour),
	}
}

func ts(t time.Time) string { return t.Format(time.RFC3339) }

func TestMergeIdentityImmutable(t *testing.T) {
	rec := baseRecord()
	name := "Mallory"
	merged := Merge(rec, Update{Name: &name}, mergeNow)

	if merged.ID != rec.ID {
		t.Errorf("ID = %q, want %q", merged.ID, rec.ID)
	}
	if merged.SchemaVersion != rec.SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", merged.SchemaVersion, rec.SchemaVersion)
	}
	if !merged.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", merged.CreatedAt, rec.CreatedAt)
	}
	if merged.Name != "Mallory" {
		t.Errorf("Name = %q, want Mallory", merged.Name)
	}
	if !merged.UpdatedAt.Equal(mergeNow) {
		t.Errorf("UpdatedAt = %v, want %v", merged.UpdatedAt, mergeNow)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	rec := baseRecord()
	rec.Knowledge = []Knowledge{{Topic: "smithing", Content: "forges swords", Confidence: 5}}

	Merge(rec, Update{
		Knowledge: []Knowledge{{Topic: "Smithing", Content: "replaced", Confidence: 7}},
	}, mergeNow)

	if rec.Knowledge[0].Content != "forges swords" {
		t.Errorf("input record mutated: %q", rec.Knowledge[0].Content)
	}
}

func TestMergeKnowledgeUpsertCaseInsensitive(t *testing.T) {
	rec := baseRecord()
	rec.Knowledge = []Knowledge{
		{Topic: "Smithing", Content: "old", Confidence: 4},
		{Topic: "herbs", Content: "keeps", Confidence: 6},
	}

	merged := Merge(rec, Update{
		Knowledge: []Knowledge{
			{Topic: "smithing", Content: "new", Confidence: 8},
			{Topic: "politics", Content: "fresh", Confidence: 3},
		},
	}, mergeNow)

	if len(merged.Knowledge) != 3 {
		t.Fatalf("len(Knowledge) = %d, want 3", len(merged.Knowledge))
	}
	if merged.Knowledge[0].Content != "new" || merged.Knowledge[0].Confidence != 8 {
		t.Errorf("upsert did not replace: %+v", merged.Knowledge[0])
	}
	if merged.Knowledge[2].Topic != "politics" {
		t.Errorf("new topic not appended: %+v", merged.Knowledge[2])
	}
}

func TestMergeMemoriesSortedAndPruned(t *testing.T) {
	rec := baseRecord()
	for i := 0; i < MaxMemories; i++ {
		rec.Memories = append(rec.Memories, Memory{
			Content:    fmt.Sprintf("old event %d", i),
			Timestamp:  ts(mergeNow.Add(-time.Duration(30+i) * 24 * time.Hour)),
			Importance: 1,
		})
	}

	merged := Merge(rec, Update{
		Memories: []Memory{
			{Content: "critical recent event", Timestamp: ts(mergeNow.Add(-time.Hour)), Importance: 9, EmotionalImpact: EmotionNegative},
		},
	}, mergeNow)

	if len(merged.Memories) != MaxMemories {
		t.Fatalf("len(Memories) = %d, want %d", len(merged.Memories), MaxMemories)
	}
	if merged.Memories[0].Content != "critical recent event" {
		t.Errorf("Memories[0] = %q, want the new high-importance memory first", merged.Memories[0].Content)
	}
	for i := 1; i < len(merged.Memories); i++ {
		if merged.Memories[i-1].ParsedTimestamp().Before(merged.Memories[i].ParsedTimestamp()) {
			t.Errorf("memories not sorted descending at index %d", i)
		}
	}
}

func TestMergeMemoriesIdempotent(t *testing.T) {
	rec := baseRecord()
	upd := Update{
		Memories: []Memory{
			{Content: "met the blacksmith", Timestamp: ts(mergeNow.Add(-time.Hour)), Importance: 5},
		},
	}

	once := Merge(rec, upd, mergeNow)
	twice := Merge(once, upd, mergeNow)

	if !reflect.DeepEqual(once.Memories, twice.Memories) {
		t.Errorf("applying the same update twice changed memories:\nonce:  %+v\ntwice: %+v", once.Memories, twice.Memories)
	}
}

func TestMergeRelationshipsDeepMerge(t *testing.T) {
	rec := baseRecord()
	rec.Relationships = map[string]Relationship{
		"Bob": {Type: "friend", Intensity: 5, Notes: "met at the market", History: []string{"first meeting"}},
	}

	merged := Merge(rec, Update{
		Relationships: map[string]Relationship{
			"Bob":   {Intensity: 7, History: []string{"helped with the harvest"}},
			"Carol": {Type: "rival", Intensity: 4},
		},
	}, mergeNow)

	bob := merged.Relationships["Bob"]
	if bob.Type != "friend" {
		t.Errorf("Bob.Type = %q, want friend preserved", bob.Type)
	}
	if bob.Intensity != 7 {
		t.Errorf("Bob.Intensity = %d, want 7", bob.Intensity)
	}
	if bob.Notes != "met at the market" {
		t.Errorf("Bob.Notes = %q, want preserved", bob.Notes)
	}
	want := []string{"first meeting", "helped with the harvest"}
	if !reflect.DeepEqual(bob.History, want) {
		t.Errorf("Bob.History = %v, want %v", bob.History, want)
	}
	if _, ok := merged.Relationships["Carol"]; !ok {
		t.Error("Carol not added")
	}
}

func TestMergeRelationshipHistoryCapped(t *testing.T) {
	rec := baseRecord()
	var history []string
	for i := 0; i < MaxRelationshipHistory; i++ {
		history = append(history, fmt.Sprintf("event %d", i))
	}
	rec.Relationships = map[string]Relationship{
		"Bob": {Type: "friend", Intensity: 5, History: history},
	}

	merged := Merge(rec, Update{
		Relationships: map[string]Relationship{
			"Bob": {History: []string{"newest event"}},
		},
	}, mergeNow)

	got := merged.Relationships["Bob"].History
	if len(got) != MaxRelationshipHistory {
		t.Fatalf("len(History) = %d, want %d", len(got), MaxRelationshipHistory)
	}
	if got[len(got)-1] != "newest event" {
		t.Errorf("History tail = %q, want newest event", got[len(got)-1])
	}
	if got[0] != "event 1" {
		t.Errorf("History head = %q, want event 1 (oldest dropped)", got[0])
	}
}

func TestMergePersonalityUnionCapped(t *testing.T) {
	rec := baseRecord()
	rec.Personality.Traits = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}

	merged := Merge(rec, Update{
		Personality: &Personality{
			Traits: []string{"B", "j", "k", "l"}, // B dedupes case-insensitively
			Quirks: []string{"hums", "taps", "paces", "whistles"},
		},
	}, mergeNow)

	if len(merged.Personality.Traits) != MaxTraits {
		t.Errorf("len(Traits) = %d, want %d", len(merged.Personality.Traits), MaxTraits)
	}
	if merged.Personality.Traits[9] != "j" {
		t.Errorf("Traits[9] = %q, want j (existing entries keep priority)", merged.Personality.Traits[9])
	}
	if len(merged.Personality.Quirks) != MaxQuirks {
		t.Errorf("len(Quirks) = %d, want %d", len(merged.Personality.Quirks), MaxQuirks)
	}
}

func TestMergeCurrentStatusShallow(t *testing.T) {
	rec := baseRecord()
	rec.CurrentStatus = CurrentStatus{Mood: "calm", Health: "good", Location: "forge"}

	merged := Merge(rec, Update{
		CurrentStatus: &CurrentStatus{Mood: "angry"},
	}, mergeNow)

	if merged.CurrentStatus.Mood != "angry" {
		t.Errorf("Mood = %q, want angry", merged.CurrentStatus.Mood)
	}
	if merged.CurrentStatus.Health != "good" || merged.CurrentStatus.Location != "forge" {
		t.Errorf("untouched fields changed: %+v", merged.CurrentStatus)
	}
}

func TestRetentionScore(t *testing.T) {
	tests := []struct {
		name string
		mem  Memory
		want int
	}{
		{
			name: "recent emotional",
			mem:  Memory{Importance: 5, Timestamp: ts(mergeNow.Add(-time.Hour)), EmotionalImpact: EmotionPositive},
			want: 8,
		},
		{
			name: "this week neutral",
			mem:  Memory{Importance: 5, Timestamp: ts(mergeNow.Add(-3 * 24 * time.Hour)), EmotionalImpact: EmotionNeutral},
			want: 6,
		},
		{
			name: "old neutral",
			mem:  Memory{Importance: 5, Timestamp: ts(mergeNow.Add(-30 * 24 * time.Hour))},
			want: 5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retentionScore(tt.mem, mergeNow); got != tt.want {
				t.Errorf("retentionScore() = %d, want %d", got, tt.want)
			}
		})
	}
}
