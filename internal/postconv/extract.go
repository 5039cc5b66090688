package postconv

import (
	"sort"
	"strings"

	"github.com/strandlabs/lifestrand/internal/character"
)

const maxKeyPoints = 5

// Lexicons used for memory importance scoring, tagging, and emotion
// detection. Matching is case-insensitive whole-word.
var (
	positiveLexicon = []string{
		"happy", "glad", "delighted", "grateful", "proud", "excited",
		"relieved", "hopeful", "love", "wonderful", "great",
	}
	negativeLexicon = []string{
		"angry", "furious", "sad", "upset", "afraid", "scared", "worried",
		"anxious", "terrible", "awful", "hate", "betrayed", "hurt",
	}
	personalLexicon = []string{
		"friend", "family", "mother", "father", "brother", "sister", "love",
		"trust", "secret", "promise",
	}
	conflictLexicon = []string{
		"fight", "fought", "argue", "argued", "threat", "threatened",
		"attack", "enemy", "betrayed", "stole", "war",
	}
	learningLexicon = []string{
		"learned", "discovered", "realized", "found", "heard", "told",
		"revealed", "explained", "taught",
	}
)

// moodLexicon maps mood words seen in a conversation to the mood they imply.
var moodLexicon = map[string]string{
	"angry": "angry", "furious": "angry",
	"happy": "happy", "delighted": "happy", "glad": "happy",
	"sad": "sad", "upset": "sad",
	"afraid": "afraid", "scared": "afraid",
	"worried": "anxious", "anxious": "anxious", "nervous": "anxious",
	"excited": "excited",
}

// extractKeyPoints reduces a summary to its leading sentences, up to five.
func extractKeyPoints(summary string) []string {
	var points []string
	for _, s := range splitSentences(summary) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		points = append(points, s)
		if len(points) == maxKeyPoints {
			break
		}
	}
	return points
}

func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			out = append(out, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

// transcriptText concatenates the conversation, lowercased, for lexicon
// matching.
func transcriptText(job Job) string {
	var b strings.Builder
	for _, m := range job.Messages {
		b.WriteString(strings.ToLower(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

func countMatches(words map[string]int, lexicon []string) int {
	total := 0
	for _, w := range lexicon {
		total += words[w]
	}
	return total
}

func wordCounts(text string) map[string]int {
	counts := make(map[string]int)
	for _, w := range strings.Fields(text) {
		w = strings.Trim(strings.ToLower(w), ".,!?;:\"'()")
		if w != "" {
			counts[w]++
		}
	}
	return counts
}

// extractChanges runs the typed extractors over the transcript against the
// current record. Confidence lies in [0, 1]; low-confidence changes survive
// as pending proposals rather than being dropped.
func extractChanges(job Job, rec character.CharacterRecord, keyPoints []string) []ChangeRecord {
	text := transcriptText(job)
	words := wordCounts(text)

	var changes []ChangeRecord
	changes = append(changes, relationshipChanges(rec, words)...)
	changes = append(changes, knowledgeChanges(keyPoints)...)
	changes = append(changes, statusChanges(job, words)...)
	changes = append(changes, emotionalImpactChange(words)...)
	changes = append(changes, personalityChanges(rec, words)...)
	return changes
}

// relationshipChanges proposes an update for every known relationship whose
// person was mentioned; confidence grows with mention count.
func relationshipChanges(rec character.CharacterRecord, words map[string]int) []ChangeRecord {
	names := make([]string, 0, len(rec.Relationships))
	for name := range rec.Relationships {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []ChangeRecord
	for _, name := range names {
		mentions := 0
		for _, part := range strings.Fields(strings.ToLower(name)) {
			mentions += words[part]
		}
		if mentions == 0 {
			continue
		}
		existing := rec.Relationships[name]
		confidence := 0.5 + 0.1*float64(min(mentions, 4))
		out = append(out, ChangeRecord{
			ChangeType: ChangeRelationshipUpdated,
			ChangeData: map[string]any{
				"person":    name,
				"type":      existing.Type,
				"intensity": existing.Intensity,
				"history":   "came up in conversation",
			},
			Confidence: confidence,
			Summary:    name + " was discussed",
		})
	}
	return out
}

// knowledgeChanges turns declarative key points into knowledge proposals.
func knowledgeChanges(keyPoints []string) []ChangeRecord {
	var out []ChangeRecord
	for _, point := range keyPoints {
		lower := strings.ToLower(point)
		if !strings.Contains(lower, " is ") && !strings.Contains(lower, " are ") &&
			!strings.Contains(lower, " was ") && !strings.Contains(lower, " has ") {
			continue
		}
		out = append(out, ChangeRecord{
			ChangeType: ChangeKnowledgeLearned,
			ChangeData: map[string]any{
				"topic":   topicOf(point),
				"content": point,
			},
			Confidence: 0.65,
			Summary:    "learned: " + topicOf(point),
		})
	}
	return out
}

// topicOf derives a short topic from the first words of a statement.
func topicOf(point string) string {
	fields := strings.Fields(strings.Trim(point, ".!? "))
	if len(fields) > 4 {
		fields = fields[:4]
	}
	return strings.ToLower(strings.Join(fields, " "))
}

// statusChanges infers a mood shift from the tail of the conversation.
func statusChanges(job Job, words map[string]int) []ChangeRecord {
	best, bestN := "", 0
	for word, mood := range moodLexicon {
		if n := words[word]; n > bestN {
			best, bestN = mood, n
		}
	}
	if best == "" {
		return nil
	}
	confidence := 0.5 + 0.1*float64(min(bestN, 3))
	return []ChangeRecord{{
		ChangeType: ChangeStatusUpdated,
		ChangeData: map[string]any{"field": "mood", "new_value": best},
		Confidence: confidence,
		Summary:    "mood shifted to " + best,
	}}
}

// emotionalImpactChange reports the dominant emotional direction when the
// conversation carried clear sentiment.
func emotionalImpactChange(words map[string]int) []ChangeRecord {
	pos := countMatches(words, positiveLexicon)
	neg := countMatches(words, negativeLexicon)
	if pos == 0 && neg == 0 {
		return nil
	}

	emotion, dominant := "content", pos
	if neg > pos {
		emotion, dominant = "troubled", neg
	}
	confidence := 0.4 + 0.1*float64(min(dominant, 4))
	return []ChangeRecord{{
		ChangeType: ChangeEmotionalImpact,
		ChangeData: map[string]any{"emotion": emotion, "weight": dominant},
		Confidence: confidence,
		Summary:    "conversation left the character " + emotion,
	}}
}

// personalityChanges proposes trait additions at low confidence; these stay
// pending for review rather than auto-applying.
func personalityChanges(rec character.CharacterRecord, words map[string]int) []ChangeRecord {
	existing := make(map[string]bool, len(rec.Personality.Traits))
	for _, t := range rec.Personality.Traits {
		existing[strings.ToLower(t)] = true
	}

	candidates := []string{"brave", "curious", "generous", "suspicious", "patient", "reckless"}
	var traits []string
	for _, c := range candidates {
		if words[c] >= 2 && !existing[c] {
			traits = append(traits, c)
		}
	}
	if len(traits) == 0 {
		return nil
	}
	return []ChangeRecord{{
		ChangeType: ChangePersonalityChanged,
		ChangeData: map[string]any{"traits": traits},
		Confidence: 0.4,
		Summary:    "possible new traits: " + strings.Join(traits, ", "),
	}}
}

// deriveMemory builds the memory entry recorded for every conversation:
// baseline importance 5, boosted once per lexicon category that fired, with
// the matching categories as tags.
func deriveMemory(job Job, summary string) ChangeRecord {
	words := wordCounts(transcriptText(job) + " " + strings.ToLower(summary))

	importance := 5
	var tags []string
	emotional := countMatches(words, positiveLexicon) + countMatches(words, negativeLexicon)
	if emotional > 0 {
		importance++
		tags = append(tags, "emotional")
	}
	if countMatches(words, personalLexicon) > 0 {
		importance++
		tags = append(tags, "personal")
	}
	if countMatches(words, conflictLexicon) > 0 {
		importance++
		tags = append(tags, "conflict")
	}
	if countMatches(words, learningLexicon) > 0 {
		importance++
		tags = append(tags, "learning")
	}
	if importance > 10 {
		importance = 10
	}

	impact := character.EmotionNeutral
	if pos, neg := countMatches(words, positiveLexicon), countMatches(words, negativeLexicon); pos > neg {
		impact = character.EmotionPositive
	} else if neg > pos {
		impact = character.EmotionNegative
	}

	return ChangeRecord{
		ChangeType: ChangeMemoryAdded,
		ChangeData: map[string]any{
			"content":          summary,
			"importance":       importance,
			"emotional_impact": string(impact),
			"tags":             tags,
		},
		Confidence: 1,
		Summary:    "conversation memory",
	}
}
