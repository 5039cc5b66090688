package modelruntime

import (
	"context"
	"fmt"
)

// LoadFunc provisions a single model backend.
type LoadFunc func(ctx context.Context) (LoadedModel, error)

// StaticLoader maps model types to load functions fixed at startup. The
// composition root registers one entry per configured model.
type StaticLoader struct {
	factories map[ModelType]LoadFunc
}

// NewStaticLoader builds a loader over the given factories.
func NewStaticLoader(factories map[ModelType]LoadFunc) *StaticLoader {
	return &StaticLoader{factories: factories}
}

// Load implements Loader.
func (l *StaticLoader) Load(ctx context.Context, modelType ModelType) (LoadedModel, error) {
	f, ok := l.factories[modelType]
	if !ok {
		return LoadedModel{}, fmt.Errorf("model runtime: no backend registered for %q", modelType)
	}
	return f(ctx)
}

// Compile-time interface check.
var _ Loader = (*StaticLoader)(nil)
