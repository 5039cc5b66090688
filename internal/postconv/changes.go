package postconv

import (
	"time"

	"github.com/strandlabs/lifestrand/internal/character"
)

// ChangeType discriminates proposed character mutations.
type ChangeType string

const (
	ChangeMemoryAdded         ChangeType = "memory_added"
	ChangeRelationshipUpdated ChangeType = "relationship_updated"
	ChangePersonalityChanged  ChangeType = "personality_changed"
	ChangeKnowledgeLearned    ChangeType = "knowledge_learned"
	ChangeStatusUpdated       ChangeType = "status_updated"
	ChangeEmotionalImpact     ChangeType = "emotional_impact"
)

// ChangeRecord is one typed proposed mutation extracted from a conversation.
type ChangeRecord struct {
	ChangeType ChangeType     `json:"change_type"`
	ChangeData map[string]any `json:"change_data"`

	// Confidence lies in [0, 1].
	Confidence float64 `json:"confidence"`

	Summary string `json:"summary,omitempty"`
}

// requiredChangeFields lists the minimum change_data keys per type. A change
// missing any of them is never auto-applied.
var requiredChangeFields = map[ChangeType][]string{
	ChangeMemoryAdded:         {"content"},
	ChangeRelationshipUpdated: {"person"},
	ChangePersonalityChanged:  {"traits"},
	ChangeKnowledgeLearned:    {"topic", "content"},
	ChangeStatusUpdated:       {"field", "new_value"},
	ChangeEmotionalImpact:     {"emotion"},
}

// AutoApplicable reports whether the change passes admission: a known type,
// the per-type minimum fields present and non-empty, and confidence at or
// above the threshold.
func (c ChangeRecord) AutoApplicable(threshold float64) bool {
	required, known := requiredChangeFields[c.ChangeType]
	if !known {
		return false
	}
	if c.Confidence < threshold {
		return false
	}
	for _, field := range required {
		v, ok := c.ChangeData[field]
		if !ok {
			return false
		}
		if s, isStr := v.(string); isStr && s == "" {
			return false
		}
	}
	return true
}

// buildUpdate folds a set of admitted changes into one character.Update so
// the store applies them through a single merge.
func buildUpdate(changes []ChangeRecord, now time.Time) character.Update {
	var upd character.Update

	for _, c := range changes {
		switch c.ChangeType {
		case ChangeMemoryAdded:
			mem := character.Memory{
				Content:         str(c.ChangeData, "content"),
				Timestamp:       now.UTC().Format(time.RFC3339),
				Importance:      intOr(c.ChangeData, "importance", 5),
				EmotionalImpact: character.EmotionalImpact(str(c.ChangeData, "emotional_impact")),
			}
			if tags := strSlice(c.ChangeData, "tags"); len(tags) > 0 {
				mem.Tags = tags
			}
			upd.Memories = append(upd.Memories, mem)

		case ChangeRelationshipUpdated:
			if upd.Relationships == nil {
				upd.Relationships = make(map[string]character.Relationship)
			}
			rel := character.Relationship{
				Type:      strOr(c.ChangeData, "type", "acquaintance"),
				Intensity: intOr(c.ChangeData, "intensity", 5),
				Notes:     str(c.ChangeData, "notes"),
			}
			if note := str(c.ChangeData, "history"); note != "" {
				rel.History = []string{note}
			}
			upd.Relationships[str(c.ChangeData, "person")] = rel

		case ChangePersonalityChanged:
			traits := strSlice(c.ChangeData, "traits")
			if len(traits) == 0 {
				continue
			}
			if upd.Personality == nil {
				upd.Personality = &character.Personality{}
			}
			upd.Personality.Traits = append(upd.Personality.Traits, traits...)

		case ChangeKnowledgeLearned:
			upd.Knowledge = append(upd.Knowledge, character.Knowledge{
				Topic:      str(c.ChangeData, "topic"),
				Content:    str(c.ChangeData, "content"),
				Source:     "conversation",
				Confidence: intOr(c.ChangeData, "knowledge_confidence", 5),
				AcquiredAt: now.UTC().Format(time.RFC3339),
			})

		case ChangeStatusUpdated:
			if upd.CurrentStatus == nil {
				upd.CurrentStatus = &character.CurrentStatus{}
			}
			setStatusField(upd.CurrentStatus, str(c.ChangeData, "field"), str(c.ChangeData, "new_value"))

		case ChangeEmotionalImpact:
			// A lasting emotional impact lands on the current mood.
			if upd.CurrentStatus == nil {
				upd.CurrentStatus = &character.CurrentStatus{}
			}
			if upd.CurrentStatus.Mood == "" {
				upd.CurrentStatus.Mood = str(c.ChangeData, "emotion")
			}
		}
	}
	return upd
}

func setStatusField(st *character.CurrentStatus, field, value string) {
	switch field {
	case "mood":
		st.Mood = value
	case "health":
		st.Health = value
	case "energy":
		st.Energy = value
	case "location":
		st.Location = value
	case "activity":
		st.Activity = value
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func strOr(m map[string]any, key, fallback string) string {
	if s := str(m, key); s != "" {
		return s
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return fallback
}

func strSlice(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
