package character

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Update is a partial record merged into an existing CharacterRecord.
// Nil pointer fields and nil collections leave the existing value untouched.
// Identity fields (id, schema_version, created_at) are absent on purpose:
// they can never be changed through a merge.
type Update struct {
	Name    *string `json:"name,omitempty"`
	Faction *string `json:"faction,omitempty"`
	Status  *Status `json:"status,omitempty"`

	Background    *Background    `json:"background,omitempty"`
	Personality   *Personality   `json:"personality,omitempty"`
	CurrentStatus *CurrentStatus `json:"current_status,omitempty"`

	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Knowledge     []Knowledge             `json:"knowledge,omitempty"`
	Memories      []Memory                `json:"memories,omitempty"`

	Extras map[string]json.RawMessage `json:"-"`
}

// knownUpdateFields mirrors the Update JSON schema for Extras capture.
var knownUpdateFields = map[string]bool{
	"name": true, "faction": true, "status": true,
	"background": true, "personality": true, "current_status": true,
	"relationships": true, "knowledge": true, "memories": true,
}

type updateAlias Update

// UnmarshalJSON captures unknown top-level fields into Extras, mirroring
// CharacterRecord.
func (u *Update) UnmarshalJSON(data []byte) error {
	var a updateAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownUpdateFields[k] {
			delete(raw, k)
		}
	}
	if len(raw) > 0 {
		a.Extras = raw
	}
	*u = Update(a)
	return nil
}

// Merge applies upd to existing and returns the merged record. The input is
// not mutated. Merging is deterministic and idempotent: applying the same
// update twice yields the same record as applying it once.
//
// Rules:
//   - memories: append new entries (deduplicated by content+timestamp),
//     re-sort by timestamp descending, prune to MaxMemories by retention
//     score (importance + recency boost + emotion boost).
//   - knowledge: upsert by topic, case-insensitive; duplicates replace.
//   - relationships: per-person deep merge; history append-only, last
//     MaxRelationshipHistory kept.
//   - personality: union with de-duplication, per-field caps enforced.
//   - current_status and background: shallow merge, non-zero fields win.
//   - id, schema_version, created_at: immutable; updated_at set to now.
func Merge(existing CharacterRecord, upd Update, now time.Time) CharacterRecord {
	out := existing.Clone()

	if upd.Name != nil && *upd.Name != "" {
		out.Name = *upd.Name
	}
	if upd.Faction != nil {
		out.Faction = *upd.Faction
	}
	if upd.Status != nil && upd.Status.IsValid() {
		out.Status = *upd.Status
	}
	if upd.Background != nil {
		out.Background = mergeBackground(out.Background, *upd.Background)
	}
	if upd.Personality != nil {
		out.Personality = mergePersonality(out.Personality, *upd.Personality)
	}
	if upd.CurrentStatus != nil {
		out.CurrentStatus = mergeStatus(out.CurrentStatus, *upd.CurrentStatus)
	}
	if len(upd.Relationships) > 0 {
		out.Relationships = mergeRelationships(out.Relationships, upd.Relationships)
	}
	if len(upd.Knowledge) > 0 {
		out.Knowledge = mergeKnowledge(out.Knowledge, upd.Knowledge)
	}
	if len(upd.Memories) > 0 {
		out.Memories = mergeMemories(out.Memories, upd.Memories, now)
	}
	if len(upd.Extras) > 0 {
		if out.Extras == nil {
			out.Extras = make(map[string]json.RawMessage, len(upd.Extras))
		}
		for k, v := range upd.Extras {
			out.Extras[k] = append(json.RawMessage(nil), v...)
		}
	}

	out.UpdatedAt = now.UTC()
	return out
}

func mergeBackground(base, upd Background) Background {
	if upd.Age != 0 {
		base.Age = upd.Age
	}
	if upd.Occupation != "" {
		base.Occupation = upd.Occupation
	}
	if upd.Location != "" {
		base.Location = upd.Location
	}
	if upd.History != "" {
		base.History = upd.History
	}
	if len(upd.Family) > 0 {
		base.Family = unionCapped(base.Family, upd.Family, len(base.Family)+len(upd.Family))
	}
	if upd.Education != "" {
		base.Education = upd.Education
	}
	return base
}

func mergePersonality(base, upd Personality) Personality {
	return Personality{
		Traits:      unionCapped(base.Traits, upd.Traits, MaxTraits),
		Motivations: unionCapped(base.Motivations, upd.Motivations, MaxMotivations),
		Fears:       unionCapped(base.Fears, upd.Fears, MaxFears),
		Values:      unionCapped(base.Values, upd.Values, MaxValues),
		Quirks:      unionCapped(base.Quirks, upd.Quirks, MaxQuirks),
	}
}

// unionCapped appends items from add not already in base (case-insensitive)
// and truncates to cap. Existing entries keep their position, so the cap
// favours what the record already holds.
func unionCapped(base, add []string, capacity int) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		seen[strings.ToLower(s)] = true
	}
	for _, s := range add {
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	if len(out) > capacity {
		out = out[:capacity]
	}
	return out
}

func mergeStatus(base, upd CurrentStatus) CurrentStatus {
	if upd.Mood != "" {
		base.Mood = upd.Mood
	}
	if upd.Health != "" {
		base.Health = upd.Health
	}
	if upd.Energy != "" {
		base.Energy = upd.Energy
	}
	if upd.Location != "" {
		base.Location = upd.Location
	}
	if upd.Activity != "" {
		base.Activity = upd.Activity
	}
	return base
}

func mergeRelationships(base, upd map[string]Relationship) map[string]Relationship {
	out := make(map[string]Relationship, len(base)+len(upd))
	for k, v := range base {
		out[k] = v
	}
	for person, u := range upd {
		cur, ok := out[person]
		if !ok {
			if len(u.History) > MaxRelationshipHistory {
				u.History = append([]string(nil), u.History[len(u.History)-MaxRelationshipHistory:]...)
			}
			out[person] = u
			continue
		}
		if u.Type != "" {
			cur.Type = u.Type
		}
		if u.Status != "" {
			cur.Status = u.Status
		}
		if u.Intensity != 0 {
			cur.Intensity = u.Intensity
		}
		if u.Notes != "" {
			cur.Notes = u.Notes
		}
		cur.History = appendHistory(cur.History, u.History)
		out[person] = cur
	}
	return out
}

// appendHistory appends entries not already present and keeps the last
// MaxRelationshipHistory. The containment check keeps the merge idempotent.
func appendHistory(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	out := append([]string(nil), base...)
	for _, s := range out {
		seen[s] = true
	}
	for _, s := range add {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	if len(out) > MaxRelationshipHistory {
		out = out[len(out)-MaxRelationshipHistory:]
	}
	return out
}

func mergeKnowledge(base, upd []Knowledge) []Knowledge {
	out := append([]Knowledge(nil), base...)
	index := make(map[string]int, len(out))
	for i, k := range out {
		index[strings.ToLower(k.Topic)] = i
	}
	for _, k := range upd {
		key := strings.ToLower(k.Topic)
		if i, ok := index[key]; ok {
			out[i] = k
		} else {
			index[key] = len(out)
			out = append(out, k)
		}
	}
	if len(out) > MaxKnowledge {
		// Oldest entries go first; topic upserts refresh in place, so
		// overflow drops the least recently introduced topics.
		out = out[len(out)-MaxKnowledge:]
	}
	return out
}

func mergeMemories(base, upd []Memory, now time.Time) []Memory {
	type key struct{ content, ts string }
	seen := make(map[key]bool, len(base))
	out := append([]Memory(nil), base...)
	for _, m := range out {
		seen[key{m.Content, m.Timestamp}] = true
	}
	for _, m := range upd {
		k := key{m.Content, m.Timestamp}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, m)
	}

	sortMemoriesDesc(out)

	if len(out) > MaxMemories {
		// Prune lowest retention score first, then restore timestamp order.
		sort.SliceStable(out, func(i, j int) bool {
			return retentionScore(out[i], now) > retentionScore(out[j], now)
		})
		out = out[:MaxMemories]
		sortMemoriesDesc(out)
	}
	return out
}

func sortMemoriesDesc(ms []Memory) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].ParsedTimestamp().After(ms[j].ParsedTimestamp())
	})
}

// retentionScore ranks memories for pruning: importance plus a recency boost
// (+2 within 24h, +1 within 7 days) plus an emotion boost (+1 for any
// non-neutral emotional impact).
func retentionScore(m Memory, now time.Time) int {
	score := m.Importance
	age := now.Sub(m.ParsedTimestamp())
	switch {
	case age <= 24*time.Hour:
		score += 2
	case age <= 7*24*time.Hour:
		score++
	}
	if m.EmotionalImpact == EmotionPositive || m.EmotionalImpact == EmotionNegative {
		score++
	}
	return score
}
