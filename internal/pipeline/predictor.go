package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// predictorWindow is the number of recent requests the predictor keeps.
	predictorWindow = 1000

	// predictorLookback is how far back the frequency count reaches.
	predictorLookback = 5 * time.Minute

	// predictorMaxQueueDepth disables preloading while the queue is busy.
	predictorMaxQueueDepth = 3
)

// observation is one recorded request.
type observation struct {
	class ServiceClass
	at    time.Time
}

// predictor watches recent demand and asks the runtime to preload the model
// for the most frequent non-embedding service class.
type predictor struct {
	runtime  Runtime
	queue    *queue
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	window [predictorWindow]observation
	next   int
	count  int
}

func newPredictor(runtime Runtime, q *queue, interval time.Duration, logger *slog.Logger) *predictor {
	return &predictor{
		runtime:  runtime,
		queue:    q,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// record notes a request in the sliding window.
func (p *predictor) record(class ServiceClass) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window[p.next] = observation{class: class, at: p.now()}
	p.next = (p.next + 1) % predictorWindow
	if p.count < predictorWindow {
		p.count++
	}
}

// dominant returns the most frequent non-embedding class within the
// lookback window, or "" when there is no signal.
func (p *predictor) dominant() ServiceClass {
	cutoff := p.now().Add(-predictorLookback)

	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[ServiceClass]int)
	for i := 0; i < p.count; i++ {
		obs := p.window[i]
		if obs.class == ClassEmbedding || obs.at.Before(cutoff) {
			continue
		}
		counts[obs.class]++
	}

	var (
		best  ServiceClass
		bestN int
	)
	for class, n := range counts {
		if n > bestN {
			best, bestN = class, n
		}
	}
	return best
}

// run ticks until stop closes, preloading when the queue is quiet.
func (p *predictor) run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *predictor) tick() {
	if p.queue.depth() >= predictorMaxQueueDepth {
		return
	}
	class := p.dominant()
	if class == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.runtime.Preload(ctx, modelTypeFor(class)); err != nil {
		p.logger.Warn("demand preload failed", "class", class, "error", err)
	}
}
