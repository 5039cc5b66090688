// Package postconv turns finished conversations into durable character
// updates: it consumes post-conversation jobs from the summary queue,
// summarises the transcript, extracts typed change records, and applies the
// admissible ones through the character store.
package postconv

import "time"

// Message is one transcript entry carried in a job.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the unit of work pushed onto the summary queue when a session ends.
type Job struct {
	SessionID   string    `json:"session_id"`
	CharacterID string    `json:"character_id"`
	UserID      string    `json:"user_id"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at"`
	EndedAt     time.Time `json:"ended_at"`

	// Attempt counts processing attempts, for retry backoff.
	Attempt int `json:"attempt,omitempty"`
}
