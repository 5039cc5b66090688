package pipeline

import (
	"testing"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

func genItem(priority int, at time.Time) *item {
	return &item{priority: priority, enqueuedAt: at, gen: &genRequest{}}
}

func TestQueueOrdersByPriorityThenTime(t *testing.T) {
	q := newQueue(10)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	summary := genItem(PrioritySummary, base)
	chatLate := genItem(PriorityChat, base.Add(time.Second))
	chatEarly := genItem(PriorityChat, base)
	embed := genItem(PriorityEmbedding, base)

	for _, it := range []*item{summary, chatLate, chatEarly, embed} {
		if err := q.push(it); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	any := func(*item) bool { return true }
	want := []*item{chatEarly, chatLate, embed, summary}
	for i, w := range want {
		got := q.popWhere(any)
		if got != w {
			t.Fatalf("pop %d: priority %d at %v, want priority %d at %v",
				i, got.priority, got.enqueuedAt, w.priority, w.enqueuedAt)
		}
	}
}

func TestQueueFIFOWithinSamePriorityAndTime(t *testing.T) {
	q := newQueue(10)
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	first := genItem(PriorityChat, at)
	second := genItem(PriorityChat, at)
	q.push(first)
	q.push(second)

	any := func(*item) bool { return true }
	if got := q.popWhere(any); got != first {
		t.Error("tie not broken by arrival order")
	}
	if got := q.popWhere(any); got != second {
		t.Error("second item lost")
	}
}

func TestQueueCapacity(t *testing.T) {
	q := newQueue(2)
	at := time.Now()

	q.push(genItem(1, at))
	q.push(genItem(1, at))
	err := q.push(genItem(1, at))
	if fault.KindOf(err) != fault.QueueFull {
		t.Errorf("kind = %v, want QueueFull", fault.KindOf(err))
	}
}

func TestQueuePopWhereFilters(t *testing.T) {
	q := newQueue(10)
	at := time.Now()

	gen := genItem(PriorityChat, at)
	emb := &item{priority: PriorityEmbedding, enqueuedAt: at, embed: &embedRequest{}}
	q.push(gen)
	q.push(emb)

	// An embedding-only pop skips the higher-priority generation item.
	got := q.popWhere(func(it *item) bool { return it.embed != nil })
	if got != emb {
		t.Error("popWhere returned a non-matching item")
	}
	if q.depth() != 1 {
		t.Errorf("depth = %d, want 1", q.depth())
	}
}

func TestQueueCloseUnblocksWaiters(t *testing.T) {
	q := newQueue(10)
	done := make(chan *item, 1)
	go func() {
		done <- q.popWhere(func(*item) bool { return true })
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case it := <-done:
		if it != nil {
			t.Errorf("popWhere after close = %+v, want nil", it)
		}
	case <-time.After(time.Second):
		t.Fatal("popWhere did not unblock on close")
	}
}
