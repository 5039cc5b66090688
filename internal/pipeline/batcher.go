package pipeline

import (
	"context"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// batchCallTimeout bounds the single model call a batch shares.
const batchCallTimeout = 30 * time.Second

// collectBatch gathers embedding requests starting from first until the
// batch holds MaxBatchSize texts or BatchTimeout elapses, whichever comes
// first.
func (p *Pipeline) collectBatch(first *item) []*embedRequest {
	batch := []*embedRequest{first.embed}
	texts := len(first.embed.texts)
	deadline := time.Now().Add(p.cfg.BatchTimeout)

	for texts < p.cfg.MaxBatchSize && time.Now().Before(deadline) {
		it := p.queue.tryPopWhere(func(it *item) bool {
			return it.embed != nil && texts+len(it.embed.texts) <= p.cfg.MaxBatchSize
		})
		if it == nil {
			// Nothing compatible queued yet; wait out the window in small
			// steps so late arrivals still join.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		batch = append(batch, it.embed)
		texts += len(it.embed.texts)
	}
	return batch
}

// serveBatch concatenates the batch's texts into one embedding call and
// slices the vectors back to each caller by recorded offsets. A failure
// fails every request in the batch.
func (p *Pipeline) serveBatch(batch []*embedRequest) {
	var all []string
	offsets := make([]int, len(batch))
	for i, er := range batch {
		offsets[i] = len(all)
		all = append(all, er.texts...)
	}

	ctx, cancel := context.WithTimeout(context.Background(), batchCallTimeout)
	defer cancel()

	vectors, err := p.runtime.GenerateEmbeddings(ctx, all)
	if err == nil && len(vectors) != len(all) {
		err = fault.New(fault.GenerationFailed, "pipeline: embed batch returned %d vectors for %d texts", len(vectors), len(all))
	}
	if err != nil {
		p.logger.Error("embedding batch failed", "texts", len(all), "requests", len(batch), "error", err)
		for _, er := range batch {
			er.result <- embedResult{err: err}
		}
		return
	}

	for i, er := range batch {
		start := offsets[i]
		er.result <- embedResult{vectors: vectors[start : start+len(er.texts)]}
	}
}
