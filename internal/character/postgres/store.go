package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
)

// Compile-time interface check.
var _ character.Store = (*Store)(nil)

// Store is the PostgreSQL-backed character store. All operations are safe
// for concurrent use; updates to the same record serialize on a row lock so
// the merge rules see a consistent base.
type Store struct {
	pool *pgxpool.Pool
	dims int
	now  func() time.Time
}

// NewStore connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding model. A mismatch against an existing schema fails here rather
// than at first write.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: parse dsn")
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.StorageError, err, "character store: ping")
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.StorageError, err, "character store")
	}

	return &Store{pool: pool, dims: embeddingDimensions, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Create implements character.Store.
func (s *Store) Create(ctx context.Context, record character.CharacterRecord) (string, error) {
	character.Touch(&record, uuid.NewString(), s.now())
	if err := record.Validate(); err != nil {
		return "", err
	}
	if len(record.Embedding) > 0 && len(record.Embedding) != s.dims {
		return "", fault.New(fault.ValidationFailed, "character store: embedding has %d dimensions, want %d", len(record.Embedding), s.dims)
	}

	if err := s.insert(ctx, record); err != nil {
		return "", err
	}
	return record.ID, nil
}

func (s *Store) insert(ctx context.Context, r character.CharacterRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "character store: marshal record")
	}
	traits, err := json.Marshal(r.Personality.Traits)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "character store: marshal traits")
	}

	const q = `
		INSERT INTO life_strands
		    (id, name, location, faction, status, background_occupation,
		     background_age, personality_traits, life_strand_data,
		     created_at, updated_at, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = s.pool.Exec(ctx, q,
		r.ID, r.Name, r.Background.Location, r.Faction, string(r.Status),
		r.Background.Occupation, r.Background.Age, traits, data,
		r.CreatedAt, r.UpdatedAt, embeddingValue(r.Embedding),
	)
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "character store: insert %s", r.ID)
	}
	return nil
}

// embeddingValue maps an optional vector to its column value. Empty vectors
// become NULL so they are excluded from the IVFFlat index.
func embeddingValue(vec []float32) any {
	if len(vec) == 0 {
		return nil
	}
	return pgvector.NewVector(vec)
}

// Get implements character.Store.
func (s *Store) Get(ctx context.Context, id string) (character.CharacterRecord, error) {
	const q = `SELECT life_strand_data, embedding FROM life_strands WHERE id = $1`
	return s.scanRecord(s.pool.QueryRow(ctx, q, id), id)
}

func (s *Store) scanRecord(row pgx.Row, id string) (character.CharacterRecord, error) {
	var (
		data []byte
		vec  *pgvector.Vector
	)
	err := row.Scan(&data, &vec)
	if errors.Is(err, pgx.ErrNoRows) {
		return character.CharacterRecord{}, fault.New(fault.NotFound, "character store: %s not found", id)
	}
	if err != nil {
		return character.CharacterRecord{}, fault.Wrap(fault.StorageError, err, "character store: get %s", id)
	}

	var rec character.CharacterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return character.CharacterRecord{}, fault.Wrap(fault.StorageError, err, "character store: decode %s", id)
	}
	if vec != nil {
		rec.Embedding = vec.Slice()
	}
	return rec, nil
}

// Update implements character.Store. The read-merge-write runs inside a
// transaction holding a row lock, so concurrent updates to the same record
// apply one at a time.
func (s *Store) Update(ctx context.Context, id string, upd character.Update) (character.CharacterRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return character.CharacterRecord{}, fault.Wrap(fault.StorageError, err, "character store: begin update %s", id)
	}
	defer tx.Rollback(ctx)

	const sel = `SELECT life_strand_data, embedding FROM life_strands WHERE id = $1 FOR UPDATE`
	current, err := s.scanRecord(tx.QueryRow(ctx, sel, id), id)
	if err != nil {
		return character.CharacterRecord{}, err
	}

	merged := character.Merge(current, upd, s.now())
	if err := merged.Validate(); err != nil {
		return character.CharacterRecord{}, err
	}

	if err := s.writeMerged(ctx, tx, merged); err != nil {
		return character.CharacterRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return character.CharacterRecord{}, fault.Wrap(fault.StorageError, err, "character store: commit update %s", id)
	}
	return merged, nil
}

func (s *Store) writeMerged(ctx context.Context, tx pgx.Tx, r character.CharacterRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "character store: marshal record")
	}
	traits, err := json.Marshal(r.Personality.Traits)
	if err != nil {
		return fault.Wrap(fault.Internal, err, "character store: marshal traits")
	}

	const q = `
		UPDATE life_strands SET
		    name = $2, location = $3, faction = $4, status = $5,
		    background_occupation = $6, background_age = $7,
		    personality_traits = $8, life_strand_data = $9, updated_at = $10
		WHERE id = $1`

	_, err = tx.Exec(ctx, q,
		r.ID, r.Name, r.Background.Location, r.Faction, string(r.Status),
		r.Background.Occupation, r.Background.Age, traits, data, r.UpdatedAt,
	)
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "character store: write %s", r.ID)
	}
	return nil
}

// Archive implements character.Store.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, character.StatusArchived)
}

// Restore implements character.Store.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, character.StatusActive)
}

func (s *Store) setStatus(ctx context.Context, id string, status character.Status) error {
	const q = `
		UPDATE life_strands
		SET    status = $2,
		       updated_at = $3,
		       life_strand_data = jsonb_set(life_strand_data, '{status}', to_jsonb($2::text))
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, string(status), s.now().UTC())
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "character store: set status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	return nil
}

// List implements character.Store.
func (s *Store) List(ctx context.Context, opts character.ListOpts) ([]character.CharacterRecord, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT life_strand_data, embedding
		FROM   life_strands
		WHERE  status <> 'archived'
		ORDER  BY updated_at DESC
		LIMIT  $1 OFFSET $2`
	if opts.IncludeArchived {
		q = `
		SELECT life_strand_data, embedding
		FROM   life_strands
		ORDER  BY updated_at DESC
		LIMIT  $1 OFFSET $2`
	}

	rows, err := s.pool.Query(ctx, q, limit, opts.Offset)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: list")
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (character.CharacterRecord, error) {
		var (
			data []byte
			vec  *pgvector.Vector
		)
		if err := row.Scan(&data, &vec); err != nil {
			return character.CharacterRecord{}, err
		}
		var rec character.CharacterRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return character.CharacterRecord{}, err
		}
		if vec != nil {
			rec.Embedding = vec.Slice()
		}
		return rec, nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: scan list")
	}
	if records == nil {
		records = []character.CharacterRecord{}
	}
	return records, nil
}

// SearchByVector implements character.Store. Similarity is computed as
// 1 - cosine distance; archived records and records without an embedding are
// excluded from the scan.
func (s *Store) SearchByVector(ctx context.Context, q []float32, k int) ([]character.SearchHit, error) {
	if len(q) != s.dims {
		return nil, fault.New(fault.ValidationFailed, "character store: query vector has %d dimensions, want %d", len(q), s.dims)
	}
	if k <= 0 {
		k = 10
	}

	const sql = `
		SELECT id, name, 1 - (embedding <=> $1) AS similarity
		FROM   life_strands
		WHERE  status <> 'archived'
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $1
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, sql, pgvector.NewVector(q), k)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: vector search")
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (character.SearchHit, error) {
		var h character.SearchHit
		err := row.Scan(&h.ID, &h.Name, &h.Similarity)
		return h, err
	})
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "character store: scan search")
	}
	if hits == nil {
		hits = []character.SearchHit{}
	}
	return hits, nil
}

// UpsertEmbedding implements character.Store.
func (s *Store) UpsertEmbedding(ctx context.Context, id string, vector []float32) error {
	if len(vector) != s.dims {
		return fault.New(fault.ValidationFailed, "character store: embedding has %d dimensions, want %d", len(vector), s.dims)
	}

	const q = `UPDATE life_strands SET embedding = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, pgvector.NewVector(vector), s.now().UTC())
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "character store: upsert embedding %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	return nil
}

// ClearEmbedding implements character.Store.
func (s *Store) ClearEmbedding(ctx context.Context, id string) error {
	const q = `UPDATE life_strands SET embedding = NULL, updated_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, s.now().UTC())
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "character store: clear embedding %s", id)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "character store: %s not found", id)
	}
	return nil
}

// AddMemory implements character.Store. It reuses the full merge path so the
// sort/prune rules apply.
func (s *Store) AddMemory(ctx context.Context, id string, memory character.Memory) error {
	_, err := s.Update(ctx, id, character.Update{Memories: []character.Memory{memory}})
	return err
}

// Stats implements character.Store.
func (s *Store) Stats(ctx context.Context) (character.Stats, error) {
	const q = `
		SELECT status, count(*), count(embedding)
		FROM   life_strands
		GROUP  BY status`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return character.Stats{}, fault.Wrap(fault.StorageError, err, "character store: stats")
	}
	defer rows.Close()

	stats := character.Stats{ByStatus: make(map[character.Status]int)}
	for rows.Next() {
		var (
			status     string
			total      int
			withVector int
		)
		if err := rows.Scan(&status, &total, &withVector); err != nil {
			return character.Stats{}, fault.Wrap(fault.StorageError, err, "character store: scan stats")
		}
		stats.ByStatus[character.Status(status)] = total
		stats.Total += total
		stats.WithVector += withVector
	}
	if err := rows.Err(); err != nil {
		return character.Stats{}, fault.Wrap(fault.StorageError, err, "character store: stats rows")
	}
	return stats, nil
}
