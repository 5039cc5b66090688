package postconv

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/pipeline"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

const (
	defaultWorkers       = 3
	defaultAutoThreshold = 0.6
	maxAttempts          = 3
	dequeueTimeout       = 5 * time.Second
	jobTimeout           = 2 * time.Minute

	summaryTemperature = 0.2
)

// SummaryRecord is persisted under summary:{session_id} when a job finishes.
type SummaryRecord struct {
	SessionID      string         `json:"session_id"`
	CharacterID    string         `json:"character_id"`
	Summary        string         `json:"summary"`
	KeyPoints      []string       `json:"key_points"`
	AppliedChanges []ChangeRecord `json:"applied_changes"`
	PendingChanges []ChangeRecord `json:"pending_changes"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// ErrorRecord is persisted under summary_error:{session_id} after the final
// failed attempt.
type ErrorRecord struct {
	SessionID string    `json:"session_id"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	Job       Job       `json:"job"`
	FailedAt  time.Time `json:"failed_at"`
}

// Queue is the slice of the Redis layer the consumer uses.
type Queue interface {
	DequeueSummaryRaw(ctx context.Context, timeout time.Duration) ([]byte, error)
	EnqueueSummaryJob(ctx context.Context, job any) error
	Poison(ctx context.Context, raw []byte) error
	SetSummary(ctx context.Context, id string, v any) error
	SetSummaryError(ctx context.Context, id string, v any) error
	Publish(ctx context.Context, channel string, event any) error
}

// CharacterStore is the slice of the character store the consumer uses.
type CharacterStore interface {
	Get(ctx context.Context, id string) (character.CharacterRecord, error)
	Update(ctx context.Context, id string, upd character.Update) (character.CharacterRecord, error)
}

// Summarizer dispatches summary completions, normally the request pipeline.
type Summarizer interface {
	SubmitCompletion(ctx context.Context, class pipeline.ServiceClass, req llm.CompletionRequest, priority int, timeout time.Duration) (llm.CompletionResponse, error)
}

// Config tunes a Consumer. Zero values take defaults.
type Config struct {
	// Workers is the pool size. Default 3.
	Workers int

	// AutoThreshold is the confidence floor for auto-applied changes.
	// Default 0.6.
	AutoThreshold float64

	// SummaryChannel is the pub/sub channel for summary_completed events.
	SummaryChannel string

	// Backoff computes the re-enqueue delay from the attempt number.
	// Default min(60·(n+1), 300) seconds.
	Backoff func(attempt int) time.Duration

	// OnJob, when set, is called once per job outcome with one of
	// "completed", "retried", "failed", or "poisoned".
	OnJob func(status string)

	Logger *slog.Logger
}

// DefaultBackoff is the standard retry delay: min(60·(n+1), 300) seconds.
func DefaultBackoff(attempt int) time.Duration {
	d := time.Duration(60*(attempt+1)) * time.Second
	if d > 300*time.Second {
		d = 300 * time.Second
	}
	return d
}

// Consumer drains the summary queue with a fixed worker pool.
type Consumer struct {
	queue Queue
	store CharacterStore
	sum   Summarizer
	cfg   Config
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConsumer creates a Consumer. Call Run to start it.
func NewConsumer(queue Queue, store CharacterStore, sum Summarizer, cfg Config) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.AutoThreshold <= 0 {
		cfg.AutoThreshold = defaultAutoThreshold
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "postconv")
	}
	return &Consumer{
		queue: queue,
		store: store,
		sum:   sum,
		cfg:   cfg,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
}

// Run starts the worker pool.
func (c *Consumer) Run() {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker()
	}
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (c *Consumer) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *Consumer) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), dequeueTimeout+time.Second)
		raw, err := c.queue.DequeueSummaryRaw(ctx, dequeueTimeout)
		cancel()
		if err != nil {
			if fault.KindOf(err) != fault.NotFound {
				c.cfg.Logger.Warn("dequeue failed", "error", err)
				select {
				case <-c.stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		c.handleRaw(raw)
	}
}

// handleRaw decodes and processes one payload. Undecodable payloads go to
// the poison list verbatim.
func (c *Consumer) handleRaw(raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		c.cfg.Logger.Error("undecodable job quarantined", "error", err)
		if perr := c.queue.Poison(ctx, raw); perr != nil {
			c.cfg.Logger.Error("poison write failed", "error", perr)
		}
		c.report("poisoned")
		return
	}

	if err := c.process(ctx, job); err != nil {
		c.retry(job, err)
		return
	}
	c.report("completed")
}

func (c *Consumer) report(status string) {
	if c.cfg.OnJob != nil {
		c.cfg.OnJob(status)
	}
}

// process runs the per-job pipeline.
func (c *Consumer) process(ctx context.Context, job Job) error {
	summary, err := c.summarize(ctx, job)
	if err != nil {
		return err
	}
	keyPoints := extractKeyPoints(summary)

	rec, err := c.store.Get(ctx, job.CharacterID)
	if err != nil {
		return err
	}

	changes := extractChanges(job, rec, keyPoints)
	memory := deriveMemory(job, summary)

	// The memory entry always applies; other changes pass admission.
	applied := []ChangeRecord{memory}
	var pending []ChangeRecord
	for _, ch := range changes {
		if ch.AutoApplicable(c.cfg.AutoThreshold) {
			applied = append(applied, ch)
		} else {
			pending = append(pending, ch)
		}
	}

	if _, err := c.store.Update(ctx, job.CharacterID, buildUpdate(applied, c.now())); err != nil {
		return err
	}

	record := SummaryRecord{
		SessionID:      job.SessionID,
		CharacterID:    job.CharacterID,
		Summary:        summary,
		KeyPoints:      keyPoints,
		AppliedChanges: applied,
		PendingChanges: pending,
		CompletedAt:    c.now().UTC(),
	}
	if err := c.queue.SetSummary(ctx, job.SessionID, record); err != nil {
		return err
	}

	if c.cfg.SummaryChannel != "" {
		event := map[string]any{
			"type":         "summary_completed",
			"session_id":   job.SessionID,
			"character_id": job.CharacterID,
		}
		if err := c.queue.Publish(ctx, c.cfg.SummaryChannel, event); err != nil {
			c.cfg.Logger.Warn("summary notification failed", "session_id", job.SessionID, "error", err)
		}
	}

	c.cfg.Logger.Info("conversation processed",
		"session_id", job.SessionID,
		"applied", len(applied),
		"pending", len(pending))
	return nil
}

// summarize asks the summary model for a concise recap of the transcript.
func (c *Consumer) summarize(ctx context.Context, job Job) (string, error) {
	var transcript []llm.Message
	for _, m := range job.Messages {
		transcript = append(transcript, llm.Message{Role: m.Role, Content: m.Content})
	}

	req := llm.CompletionRequest{
		SystemPrompt: "Summarize the following conversation in a few short sentences. " +
			"Focus on what happened, what was learned, and how the participants felt.",
		Messages:    transcript,
		Temperature: summaryTemperature,
	}
	resp, err := c.sum.SubmitCompletion(ctx, pipeline.ClassSummary, req, 0, jobTimeout)
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fault.New(fault.GenerationFailed, "postconv: empty summary for session %s", job.SessionID)
	}
	return resp.Content, nil
}

// retry re-enqueues with backoff, or records a terminal error after the
// final attempt.
func (c *Consumer) retry(job Job, cause error) {
	attempt := job.Attempt + 1
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if attempt >= maxAttempts {
		c.cfg.Logger.Error("job failed terminally",
			"session_id", job.SessionID, "attempts", attempt, "error", cause)
		rec := ErrorRecord{
			SessionID: job.SessionID,
			Error:     cause.Error(),
			Attempts:  attempt,
			Job:       job,
			FailedAt:  c.now().UTC(),
		}
		if err := c.queue.SetSummaryError(ctx, job.SessionID, rec); err != nil {
			c.cfg.Logger.Error("error record write failed", "session_id", job.SessionID, "error", err)
		}
		c.report("failed")
		return
	}

	delay := c.cfg.Backoff(job.Attempt)
	job.Attempt = attempt
	c.cfg.Logger.Warn("job retry scheduled",
		"session_id", job.SessionID, "attempt", attempt, "delay", delay, "error", cause)
	c.report("retried")

	c.wg.Add(1)
	timer := time.AfterFunc(delay, func() {
		defer c.wg.Done()
		rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rcancel()
		if err := c.queue.EnqueueSummaryJob(rctx, job); err != nil {
			c.cfg.Logger.Error("re-enqueue failed", "session_id", job.SessionID, "error", err)
		}
	})
	go func() {
		<-c.stop
		if timer.Stop() {
			// Shutdown before the timer fired; re-enqueue immediately so the
			// job survives the restart.
			rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer rcancel()
			if err := c.queue.EnqueueSummaryJob(rctx, job); err != nil {
				c.cfg.Logger.Error("shutdown re-enqueue failed", "session_id", job.SessionID, "error", err)
			}
			c.wg.Done()
		}
	}()
}
