package character

import (
	"context"
	"time"
)

// SearchHit is one vector search result.
type SearchHit struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Similarity is cosine similarity in [-1, 1]; higher is closer.
	Similarity float64 `json:"similarity"`
}

// Stats summarises the store contents.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	WithVector int            `json:"with_vector"`
}

// ListOpts pages a character listing. Archived records are excluded unless
// IncludeArchived is set.
type ListOpts struct {
	Limit           int
	Offset          int
	IncludeArchived bool
}

// Store persists CharacterRecords. Implementations must be safe for
// concurrent use and must serialize concurrent updates to the same record so
// that the merge rules produce a deterministic outcome.
//
// Error contract: lookups of unknown ids return NotFound; schema violations
// return ValidationFailed; anything from the backing storage is wrapped as
// StorageError.
type Store interface {
	// Create validates and persists a new record, assigning an id,
	// schema version, and timestamps. Returns the assigned id.
	Create(ctx context.Context, record CharacterRecord) (string, error)

	// Get returns the record with the given id.
	Get(ctx context.Context, id string) (CharacterRecord, error)

	// Update merges upd into the stored record under the rules in merge.go
	// and persists the result. The merged record is re-validated before the
	// write.
	Update(ctx context.Context, id string, upd Update) (CharacterRecord, error)

	// Archive soft-deletes the record by setting status=archived.
	Archive(ctx context.Context, id string) error

	// Restore flips an archived record back to active.
	Restore(ctx context.Context, id string) error

	// List returns records ordered by most recently updated first.
	List(ctx context.Context, opts ListOpts) ([]CharacterRecord, error)

	// SearchByVector returns the top-k non-archived records by cosine
	// similarity to q. Records without an embedding are skipped.
	SearchByVector(ctx context.Context, q []float32, k int) ([]SearchHit, error)

	// UpsertEmbedding stores the record's embedding vector. The vector
	// length must equal the store's configured dimension.
	UpsertEmbedding(ctx context.Context, id string, vector []float32) error

	// ClearEmbedding removes the record's embedding, excluding it from
	// vector search until re-embedded.
	ClearEmbedding(ctx context.Context, id string) error

	// AddMemory appends a single memory under the memory merge rules.
	AddMemory(ctx context.Context, id string, memory Memory) error

	// Stats reports record counts.
	Stats(ctx context.Context) (Stats, error)
}

// Touch stamps identity fields on a freshly created record.
func Touch(r *CharacterRecord, id string, now time.Time) {
	r.ID = id
	if r.SchemaVersion == "" {
		r.SchemaVersion = SchemaVersion
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	r.CreatedAt = now.UTC()
	r.UpdatedAt = now.UTC()
}
