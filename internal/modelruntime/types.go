package modelruntime

import (
	"context"
	"time"

	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// ModelType selects which model a request needs.
type ModelType string

const (
	ModelChat      ModelType = "chat"
	ModelSummary   ModelType = "summary"
	ModelEmbedding ModelType = "embedding"
)

// IsValid reports whether t is a recognised model type.
func (t ModelType) IsValid() bool {
	switch t {
	case ModelChat, ModelSummary, ModelEmbedding:
		return true
	}
	return false
}

// LoadedModel is what a Loader hands back for a successful load.
type LoadedModel struct {
	// Provider serves generation for the loaded model.
	Provider llm.Provider

	// VRAMBytes is the measured post-load VRAM usage. Zero means the loader
	// cannot measure; the runtime falls back to the provider's size hint.
	VRAMBytes int64

	// Unload frees the model's resources. May be nil for hosted backends
	// that hold nothing locally.
	Unload func(ctx context.Context) error
}

// Loader provisions model backends on demand. Implementations may take
// seconds to return for local weights; the runtime serializes loads so a
// Loader never sees two concurrent calls.
type Loader interface {
	Load(ctx context.Context, modelType ModelType) (LoadedModel, error)
}

// Token is one element of a generation stream. A Token with a non-nil Err is
// terminal; the channel is closed afterwards.
type Token struct {
	Text         string
	FinishReason string
	Err          error
}

// InstanceInfo is a point-in-time snapshot of one live model instance.
type InstanceInfo struct {
	InstanceID        string    `json:"instance_id"`
	ModelType         ModelType `json:"model_type"`
	State             State     `json:"state"`
	LastUsed          time.Time `json:"last_used"`
	RequestsProcessed int64     `json:"requests_processed"`
	VRAMBytes         int64     `json:"vram_bytes"`
}

// Status is a snapshot of the whole runtime.
type Status struct {
	Current   *InstanceInfo `json:"current,omitempty"`
	Preload   *InstanceInfo `json:"preload,omitempty"`
	Embedding *InstanceInfo `json:"embedding,omitempty"`

	TotalVRAMBytes int64 `json:"total_vram_bytes"`
	UsedVRAMBytes  int64 `json:"used_vram_bytes"`
}
