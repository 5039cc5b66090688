package modelruntime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// tokenChannelCapacity bounds the per-stream token channel. A slow consumer
// backpressures the producer instead of growing memory.
const tokenChannelCapacity = 256

// defaultErrorBackoff is the pause between entering ERROR and re-entering
// the recovery target.
const defaultErrorBackoff = 500 * time.Millisecond

// instance is one live GPU model.
type instance struct {
	id        string
	modelType ModelType
	sm        *StateMachine
	provider  llm.Provider
	vramBytes int64
	unload    func(ctx context.Context) error

	lastUsed  atomic.Int64 // unix nanos
	processed atomic.Int64

	// genMu guarantees a single GENERATING transition in flight.
	genMu sync.Mutex
}

func (i *instance) touch(now time.Time) {
	i.lastUsed.Store(now.UnixNano())
	i.processed.Add(1)
}

func (i *instance) info() InstanceInfo {
	return InstanceInfo{
		InstanceID:        i.id,
		ModelType:         i.modelType,
		State:             i.sm.State(),
		LastUsed:          time.Unix(0, i.lastUsed.Load()),
		RequestsProcessed: i.processed.Load(),
		VRAMBytes:         i.vramBytes,
	}
}

// Runtime owns the generation slot, the preload slot, and the always-loaded
// embedding instance. All load/unload/swap decisions serialize on an
// internal mutex; token streaming happens outside it.
type Runtime struct {
	loader    Loader
	estimator *VRAMEstimator
	logger    *slog.Logger

	totalVRAM    int64
	safetyMargin int64
	backoff      time.Duration
	now          func() time.Time

	mu      sync.Mutex
	current *instance
	preload *instance

	embedding *embeddingInstance

	transitions transitionLog
}

// transitionLog accumulates the transitions of every instance the runtime
// has owned, so the walk stays visible across swaps.
type transitionLog struct {
	mu      sync.Mutex
	entries []Transition
}

func (l *transitionLog) add(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, t)
	if len(l.entries) > transitionHistorySize {
		l.entries = l.entries[len(l.entries)-transitionHistorySize:]
	}
}

func (l *transitionLog) snapshot() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Transition, len(l.entries))
	copy(out, l.entries)
	return out
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithErrorBackoff overrides the pause before error recovery. Tests use 0.
func WithErrorBackoff(d time.Duration) Option {
	return func(r *Runtime) { r.backoff = d }
}

// WithClock overrides the runtime clock.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// New creates a Runtime. The embedding provider is independent of the
// loader-managed slots and is available immediately.
func New(loader Loader, embedder EmbeddingBackend, totalVRAM, safetyMargin int64, estimator *VRAMEstimator, opts ...Option) *Runtime {
	r := &Runtime{
		loader:       loader,
		estimator:    estimator,
		logger:       slog.Default(),
		totalVRAM:    totalVRAM,
		safetyMargin: safetyMargin,
		backoff:      defaultErrorBackoff,
		now:          time.Now,
		embedding:    newEmbeddingInstance(embedder),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "modelruntime")
	return r
}

// EnsureLoaded makes modelType the current model. Already loaded is a no-op;
// a matching preload is promoted with no extra latency; otherwise the
// runtime swaps, overlapped when the VRAM budget allows it.
func (r *Runtime) EnsureLoaded(ctx context.Context, modelType ModelType) error {
	if modelType == ModelEmbedding {
		// The embedding instance is always resident.
		return nil
	}
	if !modelType.IsValid() {
		return fault.New(fault.LoadFailed, "model runtime: unknown model type %q", modelType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil && r.current.modelType == modelType {
		return nil
	}

	if r.preload != nil && r.preload.modelType == modelType {
		r.promoteLocked()
		return nil
	}

	predicted := r.estimator.Predict(modelType)
	if r.current == nil {
		inst, err := r.loadLocked(ctx, modelType)
		if err != nil {
			return err
		}
		r.current = inst
		return nil
	}

	if r.usedLocked()+predicted+r.safetyMargin <= r.totalVRAM {
		return r.swapOverlappedLocked(ctx, modelType)
	}
	return r.swapSequentialLocked(ctx, modelType)
}

// promoteLocked swaps the preload slot into the generation slot and frees
// the previous current asynchronously.
func (r *Runtime) promoteLocked() {
	old := r.current
	r.current = r.preload
	r.preload = nil
	r.logger.Info("preload promoted", "model_type", r.current.modelType)
	if old != nil {
		go r.unloadAsync(old)
	}
}

func (r *Runtime) swapOverlappedLocked(ctx context.Context, modelType ModelType) error {
	inst, err := r.loadLocked(ctx, modelType)
	if err != nil {
		return err
	}
	old := r.current
	r.current = inst
	r.logger.Info("overlapped swap complete", "model_type", modelType, "freed", old.modelType)
	go r.unloadAsync(old)
	return nil
}

func (r *Runtime) swapSequentialLocked(ctx context.Context, modelType ModelType) error {
	old := r.current
	r.current = nil
	if err := r.unloadLocked(ctx, old); err != nil {
		r.logger.Error("sequential swap: unload failed", "model_type", old.modelType, "error", err)
		// The old instance has been recovered to IDLE; proceed with the load.
	}
	inst, err := r.loadLocked(ctx, modelType)
	if err != nil {
		return err
	}
	r.current = inst
	r.logger.Info("sequential swap complete", "model_type", modelType)
	return nil
}

// loadLocked drives a fresh instance through IDLE → LOADING → LOADED.
func (r *Runtime) loadLocked(ctx context.Context, modelType ModelType) (*instance, error) {
	sm := NewStateMachine()
	sm.Observe(func(t Transition) {
		t.ModelType = modelType
		r.transitions.add(t)
	})
	if err := sm.To(StateLoading, "load "+string(modelType)); err != nil {
		return nil, err
	}

	start := r.now()
	loaded, err := r.loader.Load(ctx, modelType)
	if err != nil {
		r.failAndRecover(sm, "load failed: "+err.Error())
		return nil, fault.Wrap(fault.LoadFailed, err, "model runtime: load %s", modelType)
	}
	if err := sm.To(StateLoaded, "load complete"); err != nil {
		return nil, err
	}

	vram := loaded.VRAMBytes
	if vram == 0 {
		vram = loaded.Provider.Info().SizeBytes
	}
	r.estimator.Observe(modelType, vram)

	inst := &instance{
		id:        uuid.NewString(),
		modelType: modelType,
		sm:        sm,
		provider:  loaded.Provider,
		vramBytes: vram,
		unload:    loaded.Unload,
	}
	inst.lastUsed.Store(r.now().UnixNano())

	r.logger.Info("model loaded",
		"model_type", modelType,
		"vram_bytes", vram,
		"duration", r.now().Sub(start))
	return inst, nil
}

// unloadLocked drives an instance through LOADED → UNLOADING → IDLE.
func (r *Runtime) unloadLocked(ctx context.Context, inst *instance) error {
	if err := inst.sm.To(StateUnloading, "unload"); err != nil {
		return err
	}
	if inst.unload != nil {
		if err := inst.unload(ctx); err != nil {
			r.failAndRecover(inst.sm, "unload failed: "+err.Error())
			return fault.Wrap(fault.Internal, err, "model runtime: unload %s", inst.modelType)
		}
	}
	return inst.sm.To(StateIdle, "unload complete")
}

func (r *Runtime) unloadAsync(inst *instance) {
	// Wait for an in-flight generation to finish before freeing.
	inst.genMu.Lock()
	defer inst.genMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.unloadLocked(ctx, inst); err != nil {
		r.logger.Error("async unload failed", "model_type", inst.modelType, "error", err)
	}
}

// failAndRecover records ERROR and, after a brief backoff, re-enters the
// recovery target. Recovery to LOADED is not a legal edge from ERROR, so it
// is reached through LOADING.
func (r *Runtime) failAndRecover(sm *StateMachine, reason string) {
	if err := sm.To(StateError, reason); err != nil {
		r.logger.Error("error transition rejected", "error", err)
		return
	}
	if r.backoff > 0 {
		time.Sleep(r.backoff)
	}
	target := sm.RecoveryTarget()
	switch target {
	case StateLoaded:
		_ = sm.To(StateLoading, "recover")
		_ = sm.To(StateLoaded, "recovered")
	default:
		_ = sm.To(target, "recovered")
	}
}

// Preload loads modelType into the preload slot without touching the current
// model. A preload matching the current model, or an occupied slot, is a
// no-op.
func (r *Runtime) Preload(ctx context.Context, modelType ModelType) error {
	if modelType == ModelEmbedding || !modelType.IsValid() {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.preload != nil {
		return nil
	}
	if r.current != nil && r.current.modelType == modelType {
		return nil
	}
	if r.usedLocked()+r.estimator.Predict(modelType)+r.safetyMargin > r.totalVRAM {
		return nil // no headroom; skip rather than evict
	}

	inst, err := r.loadLocked(ctx, modelType)
	if err != nil {
		return err
	}
	r.preload = inst
	r.logger.Info("model preloaded", "model_type", modelType)
	return nil
}

// Generate ensures modelType is loaded, then streams tokens for req. The
// returned channel is closed after the terminal token. Cancelling ctx stops
// the stream within one token boundary.
func (r *Runtime) Generate(ctx context.Context, modelType ModelType, req llm.CompletionRequest) (<-chan Token, error) {
	if err := r.EnsureLoaded(ctx, modelType); err != nil {
		return nil, err
	}

	r.mu.Lock()
	inst := r.current
	r.mu.Unlock()
	if inst == nil || inst.modelType != modelType {
		return nil, fault.New(fault.LoadFailed, "model runtime: %s not loaded", modelType)
	}

	inst.genMu.Lock()
	if err := inst.sm.To(StateGenerating, "generate"); err != nil {
		inst.genMu.Unlock()
		return nil, err
	}

	chunks, err := inst.provider.StreamCompletion(ctx, req)
	if err != nil {
		r.failAndRecover(inst.sm, "stream start failed: "+err.Error())
		inst.genMu.Unlock()
		return nil, fault.Wrap(fault.GenerationFailed, err, "model runtime: generate %s", modelType)
	}

	out := make(chan Token, tokenChannelCapacity)
	go func() {
		defer close(out)
		defer inst.genMu.Unlock()

		for chunk := range chunks {
			select {
			case out <- Token{Text: chunk.Text, FinishReason: chunk.FinishReason}:
			case <-ctx.Done():
				// Stop flag observed at a token boundary; drain nothing more.
				r.failAndRecover(inst.sm, "cancelled")
				trySend(out, Token{Err: fault.Wrap(fault.Cancelled, ctx.Err(), "model runtime: stream cancelled")})
				return
			}
		}

		if err := ctx.Err(); err != nil {
			r.failAndRecover(inst.sm, "cancelled")
			trySend(out, Token{Err: fault.Wrap(fault.Cancelled, err, "model runtime: stream cancelled")})
			return
		}

		inst.touch(r.now())
		if err := inst.sm.To(StateLoaded, "generation complete"); err != nil {
			trySend(out, Token{Err: err})
		}
	}()
	return out, nil
}

// trySend delivers a terminal token without blocking on a consumer that has
// already walked away from a full buffer.
func trySend(out chan Token, tok Token) {
	select {
	case out <- tok:
	default:
	}
}

// Complete is the non-streaming variant used for summaries and extraction.
func (r *Runtime) Complete(ctx context.Context, modelType ModelType, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := r.EnsureLoaded(ctx, modelType); err != nil {
		return llm.CompletionResponse{}, err
	}

	r.mu.Lock()
	inst := r.current
	r.mu.Unlock()
	if inst == nil || inst.modelType != modelType {
		return llm.CompletionResponse{}, fault.New(fault.LoadFailed, "model runtime: %s not loaded", modelType)
	}

	inst.genMu.Lock()
	defer inst.genMu.Unlock()
	if err := inst.sm.To(StateGenerating, "complete"); err != nil {
		return llm.CompletionResponse{}, err
	}

	resp, err := inst.provider.Complete(ctx, req)
	if err != nil {
		r.failAndRecover(inst.sm, "completion failed: "+err.Error())
		return llm.CompletionResponse{}, fault.Wrap(fault.GenerationFailed, err, "model runtime: complete %s", modelType)
	}

	inst.touch(r.now())
	if err := inst.sm.To(StateLoaded, "completion done"); err != nil {
		return llm.CompletionResponse{}, err
	}
	if resp == nil {
		return llm.CompletionResponse{}, nil
	}
	return *resp, nil
}

// GenerateEmbeddings embeds texts through the always-loaded embedding
// instance. Vectors are normalized to unit length.
func (r *Runtime) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return r.embedding.embedBatch(ctx, texts)
}

// EmbeddingDimensions reports the embedding vector dimension.
func (r *Runtime) EmbeddingDimensions() int {
	return r.embedding.dimensions()
}

// Status returns a point-in-time snapshot.
func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		TotalVRAMBytes: r.totalVRAM,
		UsedVRAMBytes:  r.usedLocked(),
	}
	if r.current != nil {
		info := r.current.info()
		st.Current = &info
	}
	if r.preload != nil {
		info := r.preload.info()
		st.Preload = &info
	}
	if emb := r.embedding.info(); emb != nil {
		st.Embedding = emb
		st.UsedVRAMBytes += emb.VRAMBytes
	}
	return st
}

// History returns the runtime-wide transition walk, oldest first, across all
// instances, bounded to the last 100 entries.
func (r *Runtime) History() []Transition {
	return r.transitions.snapshot()
}

func (r *Runtime) usedLocked() int64 {
	var used int64
	if r.current != nil {
		used += r.current.vramBytes
	}
	if r.preload != nil {
		used += r.preload.vramBytes
	}
	return used
}

// EmergencyShutdown force-unloads everything without state-machine guards.
// Both slots end in IDLE regardless of prior state.
func (r *Runtime) EmergencyShutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inst := range []*instance{r.current, r.preload} {
		if inst == nil {
			continue
		}
		if inst.unload != nil {
			if err := inst.unload(ctx); err != nil {
				r.logger.Error("emergency unload failed", "model_type", inst.modelType, "error", err)
			}
		}
		inst.sm.ForceIdle("emergency shutdown")
	}
	r.current = nil
	r.preload = nil
	r.logger.Warn("emergency shutdown complete")
}
