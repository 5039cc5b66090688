package embeddings

import "context"

// Disabled is a Provider for deployments that run without an embedding model.
// Every call returns the same all-zero vector of the configured dimension,
// which makes vector search a no-op: all records compare equally and callers
// should treat similarity results as meaningless.
//
// Disabled exists so that the rest of the system can depend on a Provider
// unconditionally instead of branching on "embeddings configured?" at every
// call site.
type Disabled struct {
	dims int
}

// NewDisabled creates a disabled provider producing zero vectors of length
// dims.
func NewDisabled(dims int) *Disabled {
	return &Disabled{dims: dims}
}

// Embed returns an all-zero vector.
func (d *Disabled) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, d.dims), nil
}

// EmbedBatch returns one all-zero vector per input text.
func (d *Disabled) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, d.dims)
	}
	return out, nil
}

// Dimensions returns the configured dimension.
func (d *Disabled) Dimensions() int { return d.dims }

// ModelID identifies the disabled backend.
func (d *Disabled) ModelID() string { return "disabled" }

// Ensure Disabled implements Provider at compile time.
var _ Provider = (*Disabled)(nil)
