package modelruntime

import "sync"

// VRAM estimate bounds. Observations outside this range are clamped before
// entering the moving average.
const (
	minVRAMEstimate = 100 << 20 // 100 MB
	maxVRAMEstimate = 50 << 30  // 50 GB

	// emaAlpha weights the newest observation.
	emaAlpha = 0.3
)

// VRAMEstimator keeps a per-model-type rolling estimate of post-load VRAM
// usage, updated by exponential moving average. Safe for concurrent use.
type VRAMEstimator struct {
	mu        sync.Mutex
	estimates map[ModelType]int64
}

// NewVRAMEstimator seeds the estimator. Zero or negative seeds are ignored.
func NewVRAMEstimator(seeds map[ModelType]int64) *VRAMEstimator {
	e := &VRAMEstimator{estimates: make(map[ModelType]int64)}
	for t, v := range seeds {
		if v > 0 {
			e.estimates[t] = clampVRAM(v)
		}
	}
	return e
}

// Predict returns the current estimate for modelType. With no prior
// observation it returns the conservative upper half of the clamp range
// so overlapped swaps are not attempted blindly.
func (e *VRAMEstimator) Predict(modelType ModelType) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok := e.estimates[modelType]; ok {
		return v
	}
	return maxVRAMEstimate / 2
}

// Observe folds a measured post-load VRAM value into the estimate.
func (e *VRAMEstimator) Observe(modelType ModelType, vramBytes int64) {
	observed := clampVRAM(vramBytes)

	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.estimates[modelType]
	if !ok {
		e.estimates[modelType] = observed
		return
	}
	next := int64(emaAlpha*float64(observed) + (1-emaAlpha)*float64(prev))
	e.estimates[modelType] = clampVRAM(next)
}

func clampVRAM(v int64) int64 {
	if v < minVRAMEstimate {
		return minVRAMEstimate
	}
	if v > maxVRAMEstimate {
		return maxVRAMEstimate
	}
	return v
}
