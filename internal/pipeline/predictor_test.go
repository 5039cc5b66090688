package pipeline

import (
	"log/slog"
	"testing"
	"time"

	"github.com/strandlabs/lifestrand/internal/modelruntime"
)

func newTestPredictor(rt Runtime) (*predictor, *time.Time) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := newPredictor(rt, newQueue(10), time.Second, slog.Default())
	p.now = func() time.Time { return now }
	return p, &now
}

func TestDominantClassIgnoresEmbeddings(t *testing.T) {
	p, _ := newTestPredictor(&fakeRuntime{})

	for i := 0; i < 10; i++ {
		p.record(ClassEmbedding)
	}
	p.record(ClassSummary)
	p.record(ClassSummary)
	p.record(ClassChat)

	if got := p.dominant(); got != ClassSummary {
		t.Errorf("dominant = %q, want summary", got)
	}
}

func TestDominantClassRespectsLookback(t *testing.T) {
	p, now := newTestPredictor(&fakeRuntime{})

	p.record(ClassSummary)
	p.record(ClassSummary)
	*now = now.Add(6 * time.Minute) // both fall outside the 5 min lookback
	p.record(ClassChat)

	if got := p.dominant(); got != ClassChat {
		t.Errorf("dominant = %q, want chat (old entries aged out)", got)
	}
}

func TestDominantEmptyWindow(t *testing.T) {
	p, _ := newTestPredictor(&fakeRuntime{})
	if got := p.dominant(); got != "" {
		t.Errorf("dominant = %q, want empty", got)
	}
}

func TestTickPreloadsDominantClass(t *testing.T) {
	rt := &fakeRuntime{}
	p, _ := newTestPredictor(rt)

	p.record(ClassSummary)
	p.record(ClassSummary)
	p.tick()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.preloaded) != 1 || rt.preloaded[0] != modelruntime.ModelSummary {
		t.Errorf("preloaded = %v, want [summary]", rt.preloaded)
	}
}

func TestTickSkipsWhenQueueBusy(t *testing.T) {
	rt := &fakeRuntime{}
	p, _ := newTestPredictor(rt)
	p.record(ClassChat)

	for i := 0; i < predictorMaxQueueDepth; i++ {
		p.queue.push(genItem(PriorityChat, time.Now()))
	}
	p.tick()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.preloaded) != 0 {
		t.Errorf("preloaded = %v, want none while queue is busy", rt.preloaded)
	}
}

func TestWindowWrapsWithoutGrowth(t *testing.T) {
	p, _ := newTestPredictor(&fakeRuntime{})
	for i := 0; i < predictorWindow+200; i++ {
		p.record(ClassChat)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count != predictorWindow {
		t.Errorf("count = %d, want capped at %d", p.count, predictorWindow)
	}
}
