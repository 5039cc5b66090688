// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/strandlabs/lifestrand/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider. The zero value
// produces deterministic pseudo-embeddings of dimension Dims (default 8)
// derived from the input text, so identical inputs always yield identical
// vectors.
type Provider struct {
	mu sync.Mutex

	// Dims is the vector dimension. Zero defaults to 8.
	Dims int

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// EmbedFunc, if non-nil, overrides the deterministic generator.
	EmbedFunc func(text string) []float32

	// BatchCalls records every texts slice passed to EmbedBatch.
	BatchCalls [][]string
}

func (p *Provider) dims() int {
	if p.Dims == 0 {
		return 8
	}
	return p.Dims
}

// generate produces a deterministic vector from text bytes.
func (p *Provider) generate(text string) []float32 {
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	v := make([]float32, p.dims())
	for i, b := range []byte(text) {
		v[i%len(v)] += float32(b) / 255
	}
	return v
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	return p.generate(text), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := make([]string, len(texts))
	copy(recorded, texts)
	p.BatchCalls = append(p.BatchCalls, recorded)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.generate(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return "mock" }

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
