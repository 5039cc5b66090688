package modelruntime

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// EmbeddingBackend is the slice of the embeddings provider surface the
// runtime needs. pkg/provider/embeddings.Provider satisfies it.
type EmbeddingBackend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelID() string
}

// embeddingVRAMBytes is the fixed budget attributed to the always-loaded
// embedding instance. Embedding models are small (≤1 GB).
const embeddingVRAMBytes = 1 << 30

// embeddingInstance wraps the always-loaded embedding backend. It has no
// state machine: it is resident for the process lifetime and never swapped.
type embeddingInstance struct {
	id      string
	backend EmbeddingBackend

	lastUsed  atomic.Int64
	processed atomic.Int64
}

func newEmbeddingInstance(backend EmbeddingBackend) *embeddingInstance {
	return &embeddingInstance{id: uuid.NewString(), backend: backend}
}

func (e *embeddingInstance) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vecs, err := e.backend.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fault.Wrap(fault.GenerationFailed, err, "model runtime: embed batch")
	}
	if len(vecs) != len(texts) {
		return nil, fault.New(fault.GenerationFailed, "model runtime: embed batch: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i := range vecs {
		normalize(vecs[i])
	}

	e.lastUsed.Store(time.Now().UnixNano())
	e.processed.Add(1)
	return vecs, nil
}

func (e *embeddingInstance) dimensions() int {
	return e.backend.Dimensions()
}

func (e *embeddingInstance) info() *InstanceInfo {
	if e.backend == nil {
		return nil
	}
	return &InstanceInfo{
		InstanceID:        e.id,
		ModelType:         ModelEmbedding,
		State:             StateLoaded,
		LastUsed:          time.Unix(0, e.lastUsed.Load()),
		RequestsProcessed: e.processed.Load(),
		VRAMBytes:         embeddingVRAMBytes,
	}
}

// normalize scales v to unit length in place. Zero vectors are left as-is so
// a disabled embedding backend stays a no-op.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	if math.Abs(norm-1) < 1e-6 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}
