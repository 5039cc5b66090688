// Package app wires all Lifestrand subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown tears
// everything down in dependency order.
//
// For testing, inject fakes via functional options (WithStore, WithCache,
// etc.). When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strandlabs/lifestrand/internal/character"
	charpostgres "github.com/strandlabs/lifestrand/internal/character/postgres"
	"github.com/strandlabs/lifestrand/internal/config"
	"github.com/strandlabs/lifestrand/internal/gateway"
	"github.com/strandlabs/lifestrand/internal/health"
	"github.com/strandlabs/lifestrand/internal/hotctx"
	"github.com/strandlabs/lifestrand/internal/httpapi"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/observe"
	"github.com/strandlabs/lifestrand/internal/orchestrator"
	"github.com/strandlabs/lifestrand/internal/pipeline"
	"github.com/strandlabs/lifestrand/internal/postconv"
	"github.com/strandlabs/lifestrand/internal/redisq"
	"github.com/strandlabs/lifestrand/internal/resilience"
	"github.com/strandlabs/lifestrand/pkg/provider/embeddings"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// gaugeInterval is how often queue depth and VRAM gauges are sampled.
const gaugeInterval = 15 * time.Second

// Providers holds one backend per model slot. Populated by main.go from the
// config. Chat and Summary must be set; a nil Embeddings disables vector
// search.
type Providers struct {
	Chat       llm.Provider
	Summary    llm.Provider
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	store    character.Store
	cache    *redisq.Client
	runtime  *modelruntime.Runtime
	pipeline *pipeline.Pipeline
	sessions *orchestrator.Manager
	ws       *orchestrator.WSServer
	consumer *postconv.Consumer

	httpSrv    *http.Server
	gatewaySrv *http.Server

	// closers run in order during Shutdown, after the subsystems stop.
	closers []func() error

	stopOnce sync.Once
	wg       sync.WaitGroup
	cancelBg context.CancelFunc
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a character store instead of connecting to PostgreSQL.
func WithStore(s character.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCache injects a Redis client instead of dialing from config.
func WithCache(c *redisq.Client) Option {
	return func(a *App) { a.cache = c }
}

// WithMetrics injects a Metrics instance instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Character store ───────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session cache and summary queue ───────────────────────────────
	if err := a.initCache(ctx); err != nil {
		return nil, fmt.Errorf("app: init cache: %w", err)
	}

	// ── 3. Model runtime ─────────────────────────────────────────────────
	if err := a.initRuntime(); err != nil {
		return nil, fmt.Errorf("app: init runtime: %w", err)
	}

	// ── 4. Request pipeline ──────────────────────────────────────────────
	a.initPipeline()

	// ── 5. Conversation orchestrator ─────────────────────────────────────
	a.initSessions()

	// ── 6. Post-conversation consumer ────────────────────────────────────
	a.initConsumer()

	// ── 7. HTTP servers ──────────────────────────────────────────────────
	if err := a.initServers(); err != nil {
		return nil, fmt.Errorf("app: init servers: %w", err)
	}

	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Database.URL == "" {
		return errors.New("database.url is required when no store is injected")
	}
	store, err := charpostgres.NewStore(ctx, a.cfg.Database.URL, a.cfg.Database.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initCache(ctx context.Context) error {
	if a.cache != nil {
		return nil
	}
	if a.cfg.Redis.URL == "" {
		return errors.New("redis.url is required when no cache is injected")
	}
	client, err := redisq.Dial(ctx, a.cfg.Redis.URL)
	if err != nil {
		return err
	}
	a.cache = client
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *App) initRuntime() error {
	if a.providers == nil || a.providers.Chat == nil || a.providers.Summary == nil {
		return errors.New("chat and summary providers are required")
	}

	factories := map[modelruntime.ModelType]modelruntime.LoadFunc{
		modelruntime.ModelChat:    staticLoad(a.providers.Chat, a.cfg.Models.Chat.VRAMBytes),
		modelruntime.ModelSummary: staticLoad(a.providers.Summary, a.cfg.Models.Summary.VRAMBytes),
	}
	estimator := modelruntime.NewVRAMEstimator(map[modelruntime.ModelType]int64{
		modelruntime.ModelChat:    a.cfg.Models.Chat.VRAMBytes,
		modelruntime.ModelSummary: a.cfg.Models.Summary.VRAMBytes,
	})

	var embedder modelruntime.EmbeddingBackend
	if a.providers.Embeddings != nil {
		embedder = a.providers.Embeddings
	} else {
		embedder = embeddings.NewDisabled(a.cfg.Database.EmbeddingDimensions)
	}

	a.runtime = modelruntime.New(
		modelruntime.NewStaticLoader(factories),
		embedder,
		a.cfg.Models.TotalVRAMBytes,
		a.cfg.Models.SafetyMarginBytes,
		estimator,
	)
	return nil
}

// staticLoad wraps an already-constructed provider as a LoadFunc. Hosted
// backends hold nothing locally, so Unload is nil.
func staticLoad(p llm.Provider, vramHint int64) modelruntime.LoadFunc {
	return func(context.Context) (modelruntime.LoadedModel, error) {
		return modelruntime.LoadedModel{Provider: p, VRAMBytes: vramHint}, nil
	}
}

func (a *App) initPipeline() {
	metrics := a.metrics
	a.pipeline = pipeline.New(a.runtime, pipeline.Config{
		QueueCapacity:     a.cfg.Pipeline.QueueCapacity,
		GenerationWorkers: a.cfg.Pipeline.GenerationWorkers,
		EmbeddingWorkers:  a.cfg.Pipeline.EmbeddingWorkers,
		MaxBatchSize:      a.cfg.Pipeline.MaxBatchSize,
		BatchTimeout:      a.cfg.Pipeline.BatchTimeout,
		Breaker: resilience.Config{
			OnStateChange: func(name string, to resilience.State) {
				metrics.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	})
}

func (a *App) initSessions() {
	budgets := hotctx.DefaultBudgets()
	if total := a.cfg.Conversation.MaxContextTokens; total > 0 && total != budgets.Total {
		budgets = hotctx.Budgets{
			Total:     total,
			System:    total / 4,
			History:   total / 2,
			Knowledge: total / 4,
		}
	}
	assembler := hotctx.New(hotctx.WithBudgets(budgets))

	metrics := a.metrics
	a.sessions = orchestrator.NewManager(a.store, assembler, a.pipeline, a.cache,
		orchestrator.WithIdleTimeout(a.cfg.Conversation.IdleTimeout),
		orchestrator.WithStreamStats(func(s orchestrator.StreamStats) {
			ctx := context.Background()
			metrics.FirstTokenLatency.Record(ctx, s.FirstTokenLatency.Seconds())
			if s.TokensPerSecond > 0 {
				metrics.TokensPerSecond.Record(ctx, s.TokensPerSecond)
			}
		}),
	)
	a.ws = orchestrator.NewWSServer(a.sessions)
}

func (a *App) initConsumer() {
	metrics := a.metrics
	a.consumer = postconv.NewConsumer(a.cache, a.store, a.pipeline, postconv.Config{
		Workers:        a.cfg.Summary.Workers,
		AutoThreshold:  a.cfg.Summary.AutoApprovalThreshold,
		SummaryChannel: redisq.SummaryChannel,
		OnJob: func(status string) {
			metrics.RecordSummaryJob(context.Background(), status)
		},
	})
}

func (a *App) initServers() error {
	api := httpapi.New(a.store, a.sessions, a.runtime, a.pipeline, a.cache, nil)

	checks := health.New(
		health.Checker{Name: "redis", Check: a.cache.Ping},
		health.Checker{Name: "postgres", Check: a.pingStore},
		health.Checker{Name: "model_runtime", Check: a.pingRuntime},
	)

	mux := http.NewServeMux()
	api.Register(mux)
	checks.Register(mux)
	mux.HandleFunc("GET /ws/{session_id}", a.ws.HandleSession)
	mux.HandleFunc("GET /ws/monitor", a.ws.HandleMonitor)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	if a.cfg.Gateway.ListenAddr != "" {
		gw, err := gateway.New(gateway.Config{
			JWTSecret:          a.cfg.Gateway.JWTSecret,
			JWTIssuer:          a.cfg.Gateway.JWTIssuer,
			APIKeyDigests:      a.cfg.Gateway.APIKeyDigests,
			RateLimitPerMinute: a.cfg.Gateway.RequestsPerMinute,
			RetryAttempts:      a.cfg.Gateway.RetryAttempts,
			Routes:             a.gatewayRoutes(),
		})
		if err != nil {
			return err
		}
		a.gatewaySrv = &http.Server{
			Addr:    a.cfg.Gateway.ListenAddr,
			Handler: gw,
		}
		sweepCtx, cancel := context.WithCancel(context.Background())
		a.cancelBg = cancel
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			gw.RunSweeper(sweepCtx)
		}()
	}
	return nil
}

// gatewayRoutes maps the public prefixes onto the configured downstreams.
// When a downstream URL is unset, the internal server handles the prefix
// itself and no gateway route is needed.
func (a *App) gatewayRoutes() []gateway.Route {
	var routes []gateway.Route
	if u := a.cfg.Gateway.ModelServiceURL; u != "" {
		routes = append(routes, gateway.Route{Prefix: "/model", Target: u})
	}
	if u := a.cfg.Gateway.NPCServiceURL; u != "" {
		routes = append(routes,
			gateway.Route{Prefix: "/npc", Target: u},
			gateway.Route{Prefix: "/chat", Target: u},
			gateway.Route{Prefix: "/summary", Target: u},
			gateway.Route{Prefix: "/ws", Target: u},
		)
	}
	if u := a.cfg.Gateway.AuthServiceURL; u != "" {
		// The identity service issues and verifies its own tokens, so the
		// prefix is public; login has nothing to present yet.
		routes = append(routes, gateway.Route{Prefix: "/auth", Target: u, Public: true})
	}
	return routes
}

func (a *App) pingStore(ctx context.Context) error {
	if pg, ok := a.store.(*charpostgres.Store); ok {
		return pg.Pool().Ping(ctx)
	}
	// Injected stores have no connection to probe.
	return nil
}

// pingRuntime fails readiness when a model instance is stuck in ERROR. An
// empty runtime is ready; models load lazily on the first request.
func (a *App) pingRuntime(context.Context) error {
	st := a.runtime.Status()
	for _, inst := range []*modelruntime.InstanceInfo{st.Current, st.Preload, st.Embedding} {
		if inst != nil && inst.State == modelruntime.StateError {
			return fmt.Errorf("model %s in ERROR state", inst.ModelType)
		}
	}
	return nil
}

// Run starts the consumer, background loops, and HTTP servers, then blocks
// until ctx is cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	a.consumer.Run()

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.watchModelNotifications(bgCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.sampleGauges(bgCtx)
	}()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("internal api listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if a.gatewaySrv != nil {
		go func() {
			slog.Info("gateway listening", "addr", a.gatewaySrv.Addr)
			if err := a.gatewaySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// watchModelNotifications relays model service events to WebSocket
// subscribers.
func (a *App) watchModelNotifications(ctx context.Context) {
	sub := a.cache.Subscribe(ctx, redisq.ModelServiceChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event struct {
				NPCID  string `json:"npc_id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || event.NPCID == "" {
				continue
			}
			a.ws.NotifyNPCStatus(ctx, event.NPCID, event.Status)
		}
	}
}

// sampleGauges periodically records queue depth and VRAM usage.
func (a *App) sampleGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := a.cache.QueueDepth(ctx); err == nil {
				a.metrics.QueueDepth.Record(ctx, depth)
			}
			a.metrics.VRAMUsedBytes.Record(ctx, a.runtime.Status().UsedVRAMBytes)
		}
	}
}

// Shutdown stops the application in dependency order: sockets first so no
// new work arrives, then the pipeline, the model runtime, and finally the
// consumer so queued jobs drain to Redis before the connections close.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.gatewaySrv != nil {
			if err := a.gatewaySrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if a.cancelBg != nil {
			a.cancelBg()
		}

		a.sessions.Close(ctx)
		a.pipeline.Close()
		a.runtime.EmergencyShutdown(ctx)
		a.consumer.Close()

		a.wg.Wait()
		for _, fn := range a.closers {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
