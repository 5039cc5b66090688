// Package character defines the persistent character record ("life strand"),
// its validation and merge rules, and the storage interface the rest of the
// system depends on.
//
// A CharacterRecord is the durable identity of an NPC: background, personality,
// relationships, accumulated knowledge, and episodic memories. Updates are
// merged into the existing record rather than assigned, so concurrent writers
// converge on the same result regardless of arrival order at the field level.
package character

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the current record schema version stamped on new records.
const SchemaVersion = "1.0"

// Status is the lifecycle state of a character record.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// EmotionalImpact classifies the emotional tone of a memory.
type EmotionalImpact string

const (
	EmotionPositive EmotionalImpact = "positive"
	EmotionNegative EmotionalImpact = "negative"
	EmotionNeutral  EmotionalImpact = "neutral"
)

// Per-field caps from the record schema.
const (
	MaxMemories    = 50
	MaxKnowledge   = 100
	MaxTraits      = 10
	MaxMotivations = 5
	MaxFears       = 5
	MaxValues      = 5
	MaxQuirks      = 3

	// MaxRelationshipHistory bounds the per-relationship history log.
	MaxRelationshipHistory = 10
)

// Background holds the character's static biography.
type Background struct {
	Age        int      `json:"age,omitempty"`
	Occupation string   `json:"occupation,omitempty"`
	Location   string   `json:"location,omitempty"`
	History    string   `json:"history,omitempty"`
	Family     []string `json:"family,omitempty"`
	Education  string   `json:"education,omitempty"`
}

// Personality holds bounded descriptor lists. Merges union with the existing
// lists and enforce the caps, keeping earlier entries.
type Personality struct {
	Traits      []string `json:"traits"`
	Motivations []string `json:"motivations,omitempty"`
	Fears       []string `json:"fears,omitempty"`
	Values      []string `json:"values,omitempty"`
	Quirks      []string `json:"quirks,omitempty"`
}

// CurrentStatus is the character's volatile state, shallow-merged on update.
type CurrentStatus struct {
	Mood     string `json:"mood,omitempty"`
	Health   string `json:"health,omitempty"`
	Energy   string `json:"energy,omitempty"`
	Location string `json:"location,omitempty"`
	Activity string `json:"activity,omitempty"`
}

// Relationship describes the character's stance toward one person.
type Relationship struct {
	// Type is drawn from a fixed vocabulary, see RelationshipTypes.
	Type string `json:"type"`

	Status string `json:"status,omitempty"`

	// Intensity must lie in [1, 10].
	Intensity int `json:"intensity"`

	Notes string `json:"notes,omitempty"`

	// History is append-only; merges keep the last MaxRelationshipHistory
	// entries.
	History []string `json:"history,omitempty"`
}

// RelationshipTypes is the accepted vocabulary for Relationship.Type.
var RelationshipTypes = map[string]bool{
	"family":       true,
	"friend":       true,
	"enemy":        true,
	"rival":        true,
	"ally":         true,
	"romantic":     true,
	"acquaintance": true,
	"colleague":    true,
	"mentor":       true,
	"student":      true,
}

// Knowledge is one learned fact, upserted by topic (case-insensitive).
type Knowledge struct {
	Topic   string `json:"topic"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`

	// Confidence must lie in [1, 10].
	Confidence int `json:"confidence"`

	// AcquiredAt is an ISO-8601 timestamp.
	AcquiredAt string `json:"acquired_at,omitempty"`
}

// Memory is one episodic memory. Memories are kept sorted by timestamp
// descending and pruned to MaxMemories by retention score (see merge.go).
type Memory struct {
	Content string `json:"content"`

	// Timestamp is an ISO-8601 timestamp.
	Timestamp string `json:"timestamp"`

	// Importance must lie in [1, 10].
	Importance int `json:"importance"`

	EmotionalImpact EmotionalImpact `json:"emotional_impact,omitempty"`
	PeopleInvolved  []string        `json:"people_involved,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
}

// ParsedTimestamp parses the memory timestamp. Zero time on failure.
func (m Memory) ParsedTimestamp() time.Time {
	t, err := time.Parse(time.RFC3339, m.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CharacterRecord is the persistent identity of an NPC.
//
// Identity fields (ID, SchemaVersion, CreatedAt) are immutable once created:
// merges never overwrite them. Unknown top-level JSON fields survive a
// decode/encode round trip via Extras.
type CharacterRecord struct {
	ID            string `json:"id"`
	SchemaVersion string `json:"schema_version"`

	Name    string `json:"name"`
	Faction string `json:"faction,omitempty"`
	Status  Status `json:"status"`

	Background    Background              `json:"background"`
	Personality   Personality             `json:"personality"`
	CurrentStatus CurrentStatus           `json:"current_status"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Knowledge     []Knowledge             `json:"knowledge,omitempty"`
	Memories      []Memory                `json:"memories,omitempty"`

	// Embedding is the optional vector produced from CanonicalText. Its
	// length must equal the store's configured dimension.
	Embedding []float32 `json:"embedding,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Extras preserves top-level fields outside the closed schema verbatim.
	Extras map[string]json.RawMessage `json:"-"`
}

// knownRecordFields lists every JSON key the closed schema claims. Anything
// else lands in Extras.
var knownRecordFields = map[string]bool{
	"id": true, "schema_version": true,
	"name": true, "faction": true, "status": true,
	"background": true, "personality": true, "current_status": true,
	"relationships": true, "knowledge": true, "memories": true,
	"embedding": true, "created_at": true, "updated_at": true,
}

// recordAlias breaks the UnmarshalJSON/MarshalJSON recursion.
type recordAlias CharacterRecord

// UnmarshalJSON decodes the closed schema and stashes unknown top-level
// fields in Extras.
func (r *CharacterRecord) UnmarshalJSON(data []byte) error {
	var a recordAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownRecordFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extras = raw
	}

	*r = CharacterRecord(a)
	return nil
}

// MarshalJSON emits the closed schema plus any preserved Extras. A schema
// field always wins over an extra of the same name.
func (r CharacterRecord) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(recordAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extras) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range r.Extras {
		if _, claimed := merged[k]; !claimed {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy of the record.
func (r CharacterRecord) Clone() CharacterRecord {
	out := r
	out.Background.Family = append([]string(nil), r.Background.Family...)
	out.Personality = Personality{
		Traits:      append([]string(nil), r.Personality.Traits...),
		Motivations: append([]string(nil), r.Personality.Motivations...),
		Fears:       append([]string(nil), r.Personality.Fears...),
		Values:      append([]string(nil), r.Personality.Values...),
		Quirks:      append([]string(nil), r.Personality.Quirks...),
	}
	if r.Relationships != nil {
		out.Relationships = make(map[string]Relationship, len(r.Relationships))
		for k, v := range r.Relationships {
			v.History = append([]string(nil), v.History...)
			out.Relationships[k] = v
		}
	}
	out.Knowledge = append([]Knowledge(nil), r.Knowledge...)
	out.Memories = make([]Memory, len(r.Memories))
	for i, m := range r.Memories {
		m.PeopleInvolved = append([]string(nil), m.PeopleInvolved...)
		m.Tags = append([]string(nil), m.Tags...)
		out.Memories[i] = m
	}
	out.Embedding = append([]float32(nil), r.Embedding...)
	if r.Extras != nil {
		out.Extras = make(map[string]json.RawMessage, len(r.Extras))
		for k, v := range r.Extras {
			out.Extras[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
