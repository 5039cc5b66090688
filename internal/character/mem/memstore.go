// Package mem provides an in-memory character.Store used in tests and in
// single-process development setups without PostgreSQL.
package mem

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
)

// Compile-time interface check.
var _ character.Store = (*Store)(nil)

// Store is an in-memory character.Store. Safe for concurrent use. Vector
// search is an exact scan, adequate for the record counts tests work with.
type Store struct {
	mu      sync.RWMutex
	records map[string]character.CharacterRecord
	dims    int

	// Now is the clock used for timestamps. Defaults to time.Now; tests may
	// replace it for deterministic updated_at values.
	Now func() time.Time
}

// NewStore creates an empty store enforcing the given embedding dimension.
func NewStore(embeddingDimensions int) *Store {
	return &Store{
		records: make(map[string]character.CharacterRecord),
		dims:    embeddingDimensions,
		Now:     time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Create implements character.Store.
func (s *Store) Create(_ context.Context, record character.CharacterRecord) (string, error) {
	character.Touch(&record, uuid.NewString(), s.now())
	if err := record.Validate(); err != nil {
		return "", err
	}
	if len(record.Embedding) > 0 && len(record.Embedding) != s.dims {
		return "", fault.New(fault.ValidationFailed, "character store: embedding has %d dimensions, want %d", len(record.Embedding), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record.Clone()
	return record.ID, nil
}

// Get implements character.Store.
func (s *Store) Get(_ context.Context, id string) (character.CharacterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return character.CharacterRecord{}, fault.New(fault.NotFound, "character store: %s not found", id)
	}
	return rec.Clone(), nil
}

// Update implements character.Store.
func (s *Store) Update(_ context.Context, id string, upd character.Update) (character.CharacterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[id]
	if !ok {
		return character.CharacterRecord{}, fault.New(fault.NotFound, "character store: %s not found", id)
	}

	merged := character.Merge(cur, upd, s.now())
	if err := merged.Validate(); err != nil {
		return character.CharacterRecord{}, err
	}
	s.records[id] = merged.Clone()
	return merged, nil
}

// Archive implements character.Store.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.setStatus(id, character.StatusArchived)
}

// Restore implements character.Store.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.setStatus(id, character.StatusActive)
}

func (s *Store) setStatus(id string, status character.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	rec.Status = status
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

// List implements character.Store.
func (s *Store) List(_ context.Context, opts character.ListOpts) ([]character.CharacterRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]character.CharacterRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !opts.IncludeArchived && rec.Status == character.StatusArchived {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if opts.Offset >= len(out) {
		return []character.CharacterRecord{}, nil
	}
	out = out[opts.Offset:]
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchByVector implements character.Store with an exact cosine scan.
func (s *Store) SearchByVector(_ context.Context, q []float32, k int) ([]character.SearchHit, error) {
	if len(q) != s.dims {
		return nil, fault.New(fault.ValidationFailed, "character store: query vector has %d dimensions, want %d", len(q), s.dims)
	}
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]character.SearchHit, 0)
	for _, rec := range s.records {
		if rec.Status == character.StatusArchived || len(rec.Embedding) == 0 {
			continue
		}
		hits = append(hits, character.SearchHit{
			ID:         rec.ID,
			Name:       rec.Name,
			Similarity: cosine(q, rec.Embedding),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// UpsertEmbedding implements character.Store.
func (s *Store) UpsertEmbedding(_ context.Context, id string, vector []float32) error {
	if len(vector) != s.dims {
		return fault.New(fault.ValidationFailed, "character store: embedding has %d dimensions, want %d", len(vector), s.dims)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	rec.Embedding = append([]float32(nil), vector...)
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

// ClearEmbedding implements character.Store.
func (s *Store) ClearEmbedding(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	rec.Embedding = nil
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return nil
}

// AddMemory implements character.Store.
func (s *Store) AddMemory(ctx context.Context, id string, memory character.Memory) error {
	_, err := s.Update(ctx, id, character.Update{Memories: []character.Memory{memory}})
	return err
}

// Stats implements character.Store.
func (s *Store) Stats(_ context.Context) (character.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := character.Stats{ByStatus: make(map[character.Status]int)}
	for _, rec := range s.records {
		stats.Total++
		stats.ByStatus[rec.Status]++
		if len(rec.Embedding) > 0 {
			stats.WithVector++
		}
	}
	return stats, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
