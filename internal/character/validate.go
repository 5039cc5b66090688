package character

import (
	"fmt"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// Validate checks the record against the schema invariants. All violations
// are collected and returned as a single ValidationFailed error so callers
// can report every problem at once.
func (r *CharacterRecord) Validate() error {
	var problems []string

	if r.Name == "" {
		problems = append(problems, "name must not be empty")
	}
	if r.Status != "" && !r.Status.IsValid() {
		problems = append(problems, fmt.Sprintf("status %q is not one of active, inactive, archived", r.Status))
	}
	if len(r.Personality.Traits) == 0 {
		problems = append(problems, "personality.traits must not be empty")
	}
	if n := len(r.Personality.Traits); n > MaxTraits {
		problems = append(problems, fmt.Sprintf("personality.traits has %d entries, max %d", n, MaxTraits))
	}
	if n := len(r.Personality.Motivations); n > MaxMotivations {
		problems = append(problems, fmt.Sprintf("personality.motivations has %d entries, max %d", n, MaxMotivations))
	}
	if n := len(r.Personality.Fears); n > MaxFears {
		problems = append(problems, fmt.Sprintf("personality.fears has %d entries, max %d", n, MaxFears))
	}
	if n := len(r.Personality.Values); n > MaxValues {
		problems = append(problems, fmt.Sprintf("personality.values has %d entries, max %d", n, MaxValues))
	}
	if n := len(r.Personality.Quirks); n > MaxQuirks {
		problems = append(problems, fmt.Sprintf("personality.quirks has %d entries, max %d", n, MaxQuirks))
	}

	for person, rel := range r.Relationships {
		if rel.Type != "" && !RelationshipTypes[rel.Type] {
			problems = append(problems, fmt.Sprintf("relationships[%s].type %q is not in the vocabulary", person, rel.Type))
		}
		if rel.Intensity < 1 || rel.Intensity > 10 {
			problems = append(problems, fmt.Sprintf("relationships[%s].intensity %d outside [1, 10]", person, rel.Intensity))
		}
	}

	if n := len(r.Knowledge); n > MaxKnowledge {
		problems = append(problems, fmt.Sprintf("knowledge has %d entries, max %d", n, MaxKnowledge))
	}
	for i, k := range r.Knowledge {
		if k.Topic == "" {
			problems = append(problems, fmt.Sprintf("knowledge[%d].topic must not be empty", i))
		}
		if k.Confidence < 1 || k.Confidence > 10 {
			problems = append(problems, fmt.Sprintf("knowledge[%d].confidence %d outside [1, 10]", i, k.Confidence))
		}
	}

	if n := len(r.Memories); n > MaxMemories {
		problems = append(problems, fmt.Sprintf("memories has %d entries, max %d", n, MaxMemories))
	}
	for i, m := range r.Memories {
		if m.Content == "" {
			problems = append(problems, fmt.Sprintf("memories[%d].content must not be empty", i))
		}
		if _, err := time.Parse(time.RFC3339, m.Timestamp); err != nil {
			problems = append(problems, fmt.Sprintf("memories[%d].timestamp %q is not ISO-8601", i, m.Timestamp))
		}
		if m.Importance < 1 || m.Importance > 10 {
			problems = append(problems, fmt.Sprintf("memories[%d].importance %d outside [1, 10]", i, m.Importance))
		}
		switch m.EmotionalImpact {
		case "", EmotionPositive, EmotionNegative, EmotionNeutral:
		default:
			problems = append(problems, fmt.Sprintf("memories[%d].emotional_impact %q is not one of positive, negative, neutral", i, m.EmotionalImpact))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	if len(problems) == 1 {
		return fault.New(fault.ValidationFailed, "character: %s", problems[0])
	}
	return fault.New(fault.ValidationFailed, "character: %d schema violations: %v", len(problems), problems)
}
