package character

import (
	"fmt"
	"strings"
)

// CanonicalText projects a record into the deterministic text that is
// embedded for vector search. Identical records always produce identical
// text, so re-embedding an unchanged record is a no-op for the index.
func CanonicalText(r CharacterRecord) string {
	var b strings.Builder

	write := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\n")
	}

	write("Name", r.Name)
	write("Faction", r.Faction)
	if r.Background.Age > 0 {
		write("Age", fmt.Sprintf("%d", r.Background.Age))
	}
	write("Occupation", r.Background.Occupation)
	write("Location", r.Background.Location)
	write("History", r.Background.History)
	write("Traits", strings.Join(r.Personality.Traits, ", "))
	write("Motivations", strings.Join(r.Personality.Motivations, ", "))
	write("Fears", strings.Join(r.Personality.Fears, ", "))
	write("Values", strings.Join(r.Personality.Values, ", "))

	if len(r.Knowledge) > 0 {
		topics := make([]string, 0, len(r.Knowledge))
		for _, k := range r.Knowledge {
			topics = append(topics, k.Topic)
		}
		write("Knows about", strings.Join(topics, ", "))
	}

	return strings.TrimRight(b.String(), "\n")
}
