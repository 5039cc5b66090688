// Package pipeline routes inference requests to the model runtime. It
// enforces admission through per-service-class circuit breakers, orders work
// in a bounded priority queue, opportunistically batches embedding requests,
// and preloads models based on recent demand.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/resilience"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// ServiceClass identifies the kind of caller a request serves.
type ServiceClass string

const (
	ClassChat      ServiceClass = "chat"
	ClassSummary   ServiceClass = "summary"
	ClassNPC       ServiceClass = "npc"
	ClassEmbedding ServiceClass = "embedding"
)

// breakerClasses are the service classes guarded by circuit breakers.
var breakerClasses = []ServiceClass{ClassChat, ClassSummary, ClassNPC}

// defaultPriority maps a service class to its queue priority.
func defaultPriority(class ServiceClass) int {
	switch class {
	case ClassSummary:
		return PrioritySummary
	case ClassEmbedding:
		return PriorityEmbedding
	default:
		return PriorityChat
	}
}

// modelTypeFor maps a service class to the model that serves it. NPC dialogue
// runs on the chat model.
func modelTypeFor(class ServiceClass) modelruntime.ModelType {
	switch class {
	case ClassSummary:
		return modelruntime.ModelSummary
	case ClassEmbedding:
		return modelruntime.ModelEmbedding
	default:
		return modelruntime.ModelChat
	}
}

// Runtime is the slice of the model runtime the pipeline drives.
type Runtime interface {
	EnsureLoaded(ctx context.Context, modelType modelruntime.ModelType) error
	Preload(ctx context.Context, modelType modelruntime.ModelType) error
	Generate(ctx context.Context, modelType modelruntime.ModelType, req llm.CompletionRequest) (<-chan modelruntime.Token, error)
	Complete(ctx context.Context, modelType modelruntime.ModelType, req llm.CompletionRequest) (llm.CompletionResponse, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes a Pipeline.
type Config struct {
	// QueueCapacity bounds the priority queue. Default 100.
	QueueCapacity int

	// GenerationWorkers is the number of generation worker loops. Default 2.
	GenerationWorkers int

	// EmbeddingWorkers is the number of embedding batch workers. Default 1.
	EmbeddingWorkers int

	// MaxBatchSize caps texts per embedding batch. Default 10.
	MaxBatchSize int

	// BatchTimeout is the embedding batch collection window. Default 200ms.
	BatchTimeout time.Duration

	// PredictorInterval is the demand predictor tick. Default 30s.
	PredictorInterval time.Duration

	// Breaker overrides the breaker settings shared by all classes.
	Breaker resilience.Config

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.GenerationWorkers <= 0 {
		c.GenerationWorkers = 2
	}
	if c.EmbeddingWorkers <= 0 {
		c.EmbeddingWorkers = 1
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 200 * time.Millisecond
	}
	if c.PredictorInterval <= 0 {
		c.PredictorInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// genRequest carries one generation request through the queue. The worker
// delivers the token stream (or the admission error) on result.
type genRequest struct {
	ctx    context.Context
	req    llm.CompletionRequest
	model  modelruntime.ModelType
	result chan genResult
}

type genResult struct {
	tokens <-chan modelruntime.Token
	err    error

	// dispatched is true when the runtime was actually called, so the
	// outcome reflects backend health.
	dispatched bool
}

// embedRequest carries one embedding request into the batcher.
type embedRequest struct {
	ctx    context.Context
	texts  []string
	result chan embedResult
}

type embedResult struct {
	vectors [][]float32
	err     error
}

// Health is the pipeline health snapshot.
type Health struct {
	CircuitBreakers map[ServiceClass]string `json:"circuit_breakers"`
	QueueDepth      int                     `json:"queue_depth"`
	WorkersLive     int                     `json:"workers_live"`
}

// Pipeline is the request pipeline. Create with New, stop with Close.
type Pipeline struct {
	cfg      Config
	runtime  Runtime
	queue    *queue
	breakers map[ServiceClass]*resilience.CircuitBreaker
	pred     *predictor
	logger   *slog.Logger

	workersLive sync.WaitGroup
	liveCount   int
	liveMu      sync.Mutex

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds and starts a Pipeline over the given runtime.
func New(runtime Runtime, cfg Config) *Pipeline {
	cfg.applyDefaults()

	p := &Pipeline{
		cfg:      cfg,
		runtime:  runtime,
		queue:    newQueue(cfg.QueueCapacity),
		breakers: make(map[ServiceClass]*resilience.CircuitBreaker, len(breakerClasses)),
		logger:   cfg.Logger.With("component", "pipeline"),
		stop:     make(chan struct{}),
	}
	for _, class := range breakerClasses {
		bc := cfg.Breaker
		bc.Name = string(class)
		p.breakers[class] = resilience.New(bc)
	}
	p.pred = newPredictor(runtime, p.queue, cfg.PredictorInterval, p.logger)

	for i := 0; i < cfg.GenerationWorkers; i++ {
		p.startWorker(p.generationWorker)
	}
	for i := 0; i < cfg.EmbeddingWorkers; i++ {
		p.startWorker(p.embeddingWorker)
	}
	go p.pred.run(p.stop)

	return p
}

func (p *Pipeline) startWorker(fn func()) {
	p.workersLive.Add(1)
	p.liveMu.Lock()
	p.liveCount++
	p.liveMu.Unlock()

	go func() {
		defer func() {
			p.liveMu.Lock()
			p.liveCount--
			p.liveMu.Unlock()
			p.workersLive.Done()
		}()
		fn()
	}()
}

// SubmitGeneration queues a generation request and returns its token stream.
// priority <= 0 selects the class default. The call blocks until a worker
// dispatches the request or the deadline passes.
func (p *Pipeline) SubmitGeneration(ctx context.Context, class ServiceClass, req llm.CompletionRequest, priority int, timeout time.Duration) (<-chan modelruntime.Token, error) {
	if breaker, ok := p.breakers[class]; ok {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
	}
	if priority <= 0 {
		priority = defaultPriority(class)
	}

	p.pred.record(class)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	gr := &genRequest{
		ctx:    ctx,
		req:    req,
		model:  modelTypeFor(class),
		result: make(chan genResult, 1),
	}
	it := &item{
		priority:   priority,
		enqueuedAt: time.Now(),
		class:      class,
		deadline:   time.Now().Add(timeout),
		gen:        gr,
	}
	if err := p.queue.push(it); err != nil {
		cancel()
		return nil, err
	}

	select {
	case res := <-gr.result:
		if res.err != nil {
			cancel()
			if res.dispatched {
				p.recordOutcome(class, res.err)
			}
			return nil, res.err
		}
		// The stream context stays alive until the deadline; the consumer
		// cancels earlier by abandoning the channel's parent context.
		go func() {
			<-ctx.Done()
			cancel()
		}()
		return p.watchStream(ctx, class, res.tokens), nil
	case <-ctx.Done():
		cancel()
		return nil, fault.Wrap(fault.Timeout, ctx.Err(), "pipeline: %s request timed out before dispatch", class)
	}
}

// watchStream relays tokens to the caller and feeds the class breaker from
// the terminal outcome. A dispatch that streams fine and then dies mid-way
// is still a backend failure.
func (p *Pipeline) watchStream(ctx context.Context, class ServiceClass, in <-chan modelruntime.Token) <-chan modelruntime.Token {
	out := make(chan modelruntime.Token)
	go func() {
		defer close(out)
		var terminal error
		for tok := range in {
			if tok.Err != nil {
				terminal = tok.Err
			}
			select {
			case out <- tok:
			case <-ctx.Done():
				// Caller gone. Drain so the runtime finishes, then report
				// whatever the stream saw before the walk-away.
				for range in {
				}
				p.recordOutcome(class, terminal)
				return
			}
		}
		p.recordOutcome(class, terminal)
	}()
	return out
}

// SubmitCompletion runs a non-streaming generation through the same queue
// and admission path.
func (p *Pipeline) SubmitCompletion(ctx context.Context, class ServiceClass, req llm.CompletionRequest, priority int, timeout time.Duration) (llm.CompletionResponse, error) {
	tokens, err := p.SubmitGeneration(ctx, class, req, priority, timeout)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	var content []byte
	for tok := range tokens {
		if tok.Err != nil {
			return llm.CompletionResponse{}, tok.Err
		}
		content = append(content, tok.Text...)
	}
	return llm.CompletionResponse{Content: string(content)}, nil
}

// SubmitEmbedding queues texts for batched embedding and blocks for the
// vectors. The whole batch shares one model call; a batch failure surfaces
// to every caller in it.
func (p *Pipeline) SubmitEmbedding(ctx context.Context, texts []string, priority int, timeout time.Duration) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if priority <= 0 {
		priority = PriorityEmbedding
	}

	p.pred.record(ClassEmbedding)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	er := &embedRequest{
		ctx:    ctx,
		texts:  texts,
		result: make(chan embedResult, 1),
	}
	it := &item{
		priority:   priority,
		enqueuedAt: time.Now(),
		class:      ClassEmbedding,
		deadline:   time.Now().Add(timeout),
		embed:      er,
	}
	if err := p.queue.push(it); err != nil {
		return nil, err
	}

	select {
	case res := <-er.result:
		return res.vectors, res.err
	case <-ctx.Done():
		return nil, fault.Wrap(fault.Timeout, ctx.Err(), "pipeline: embedding request timed out")
	}
}

// recordOutcome feeds the class breaker. Only outcomes that reached the
// runtime arrive here; queue rejections and pre-dispatch timeouts say nothing
// about backend health. Cancellation is the caller's doing and stays neutral.
func (p *Pipeline) recordOutcome(class ServiceClass, err error) {
	breaker, ok := p.breakers[class]
	if !ok {
		return
	}
	if err == nil {
		breaker.RecordSuccess()
		return
	}
	if fault.KindOf(err) == fault.Cancelled {
		return
	}
	breaker.RecordFailure()
}

// generationWorker pops generation requests and dispatches them to the
// runtime. Expired requests complete with Timeout without dispatch.
func (p *Pipeline) generationWorker() {
	for {
		it := p.queue.popWhere(func(it *item) bool { return it.gen != nil })
		if it == nil {
			return
		}
		gr := it.gen

		if time.Now().After(it.deadline) {
			gr.result <- genResult{err: fault.New(fault.Timeout, "pipeline: %s request expired in queue", it.class)}
			continue
		}

		tokens, err := p.runtime.Generate(gr.ctx, gr.model, gr.req)
		gr.result <- genResult{tokens: tokens, err: err, dispatched: true}
	}
}

// embeddingWorker collects embedding requests into batches and serves them
// with a single runtime call per batch.
func (p *Pipeline) embeddingWorker() {
	for {
		first := p.queue.popWhere(func(it *item) bool { return it.embed != nil })
		if first == nil {
			return
		}
		batch := p.collectBatch(first)
		p.serveBatch(batch)
	}
}

// Health reports breaker states, queue depth, and live workers.
func (p *Pipeline) Health() Health {
	h := Health{
		CircuitBreakers: make(map[ServiceClass]string, len(p.breakers)),
		QueueDepth:      p.queue.depth(),
	}
	for class, breaker := range p.breakers {
		h.CircuitBreakers[class] = breaker.State().String()
	}
	p.liveMu.Lock()
	h.WorkersLive = p.liveCount
	p.liveMu.Unlock()
	return h
}

// Close stops accepting work and waits for workers to drain.
func (p *Pipeline) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.queue.close()
	})
	p.workersLive.Wait()
}
