// Package orchestrator owns per-session conversation state: session
// lifecycle with idle reaping, strictly sequential message processing with
// streamed responses, and WebSocket delivery.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/hotctx"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/pipeline"
	"github.com/strandlabs/lifestrand/internal/postconv"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

const (
	defaultIdleTimeout    = 30 * time.Minute
	defaultReapInterval   = 5 * time.Minute
	defaultRequestTimeout = 2 * time.Minute
)

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable view of one conversation, mirrored to the session
// cache on every mutation.
type Session struct {
	SessionID    string        `json:"session_id"`
	CharacterID  string        `json:"character_id"`
	UserID       string        `json:"user_id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Active       bool          `json:"active"`
	Messages     []ChatMessage `json:"messages"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// StreamStats summarises one completed generation stream.
type StreamStats struct {
	FirstTokenLatency time.Duration
	TokensPerSecond   float64
	TokenCount        int
}

// StreamEvent is one element of a response stream. Exactly one terminal
// event arrives: Done with Stats on success, or Err.
type StreamEvent struct {
	Token string
	Done  bool
	Stats *StreamStats
	Err   error
}

// CharacterReader is the slice of the character store the orchestrator needs.
type CharacterReader interface {
	Get(ctx context.Context, id string) (character.CharacterRecord, error)
}

// Generator dispatches generation requests, normally the request pipeline.
type Generator interface {
	SubmitGeneration(ctx context.Context, class pipeline.ServiceClass, req llm.CompletionRequest, priority int, deadline time.Duration) (<-chan modelruntime.Token, error)
}

// SessionCache mirrors sessions and carries post-conversation jobs.
type SessionCache interface {
	SetConversation(ctx context.Context, id string, v any) error
	DeleteConversation(ctx context.Context, id string) error
	EnqueueSummaryJob(ctx context.Context, job any) error
}

// Manager owns the active session set.
type Manager struct {
	store  CharacterReader
	asm    *hotctx.Assembler
	gen    Generator
	cache  SessionCache
	logger *slog.Logger

	idleTimeout    time.Duration
	reapInterval   time.Duration
	requestTimeout time.Duration
	now            func() time.Time
	onStats        func(StreamStats)

	mu       sync.Mutex
	sessions map[string]*managedSession

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// managedSession serializes message processing per session. streamMu is held
// for the whole duration of a stream, so a second message blocks until the
// previous one completed or was cancelled.
type managedSession struct {
	streamMu sync.Mutex

	mu      sync.Mutex
	session Session
	cancel  context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the default 30 minute idle timeout.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithReapInterval overrides the 5 minute reaper tick.
func WithReapInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.reapInterval = d }
}

// WithRequestTimeout bounds each generation request.
func WithRequestTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.requestTimeout = d }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithStreamStats registers a callback invoked after every completed stream.
func WithStreamStats(fn func(StreamStats)) ManagerOption {
	return func(m *Manager) { m.onStats = fn }
}

// NewManager creates a Manager and starts its idle reaper.
func NewManager(store CharacterReader, asm *hotctx.Assembler, gen Generator, cache SessionCache, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:          store,
		asm:            asm,
		gen:            gen,
		cache:          cache,
		logger:         slog.Default().With("component", "orchestrator"),
		idleTimeout:    defaultIdleTimeout,
		reapInterval:   defaultReapInterval,
		requestTimeout: defaultRequestTimeout,
		now:            time.Now,
		sessions:       make(map[string]*managedSession),
		stop:           make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Start creates a session for the character and mirrors it to the cache.
func (m *Manager) Start(ctx context.Context, characterID, userID string) (string, error) {
	rec, err := m.store.Get(ctx, characterID)
	if err != nil {
		return "", err
	}
	if rec.Status == character.StatusArchived {
		return "", fault.New(fault.ValidationFailed, "orchestrator: character %s is archived", characterID)
	}

	now := m.now()
	s := Session{
		SessionID:    uuid.NewString(),
		CharacterID:  characterID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
		IdleTimeout:  m.idleTimeout,
	}

	m.mu.Lock()
	m.sessions[s.SessionID] = &managedSession{session: s}
	m.mu.Unlock()

	if err := m.cache.SetConversation(ctx, s.SessionID, s); err != nil {
		m.logger.Warn("session mirror failed", "session_id", s.SessionID, "error", err)
	}
	m.logger.Info("session started", "session_id", s.SessionID, "character_id", characterID)
	return s.SessionID, nil
}

func (m *Manager) lookup(id string) (*managedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, fault.New(fault.NotFound, "orchestrator: session %s not found", id)
	}
	return ms, nil
}

// ProcessMessage appends the user message, assembles context, dispatches a
// chat generation, and returns the event stream. Messages within one session
// process strictly in order: the call blocks while a previous stream is
// still running.
//
// The returned channel always terminates with exactly one Done or Err event.
// Cancelling ctx aborts the stream and discards the partial assistant turn.
func (m *Manager) ProcessMessage(ctx context.Context, sessionID, text string) (<-chan StreamEvent, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	ms.streamMu.Lock()

	rec, err := m.store.Get(ctx, m.characterID(ms))
	if err != nil {
		ms.streamMu.Unlock()
		return nil, err
	}

	now := m.now()
	ms.mu.Lock()
	ms.session.Messages = append(ms.session.Messages, ChatMessage{Role: "user", Content: text, Timestamp: now})
	ms.session.LastActivity = now
	history := toHotctxMessages(ms.session.Messages)
	ms.mu.Unlock()
	m.persist(ctx, ms)

	assembled := m.asm.Assemble(rec, history)
	req := llm.CompletionRequest{
		SystemPrompt: assembled.SystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: assembled.HistoryContext}},
	}

	streamCtx, cancel := context.WithCancel(ctx)
	ms.mu.Lock()
	ms.cancel = cancel
	ms.mu.Unlock()

	tokens, err := m.gen.SubmitGeneration(streamCtx, pipeline.ClassChat, req, 0, m.requestTimeout)
	if err != nil {
		m.clearStream(ms, cancel)
		ms.streamMu.Unlock()
		return nil, err
	}

	events := make(chan StreamEvent, 16)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(events)
		defer ms.streamMu.Unlock()
		defer m.clearStream(ms, cancel)
		m.consumeStream(streamCtx, ms, tokens, events)
	}()
	return events, nil
}

// consumeStream forwards tokens, then either commits the assistant turn or
// discards it on failure.
func (m *Manager) consumeStream(ctx context.Context, ms *managedSession, tokens <-chan modelruntime.Token, events chan<- StreamEvent) {
	start := m.now()
	var (
		reply      strings.Builder
		firstToken time.Duration
		count      int
	)

	for tok := range tokens {
		if tok.Err != nil {
			trySend(events, StreamEvent{Err: tok.Err})
			return
		}
		if tok.Text == "" {
			continue
		}
		if count == 0 {
			firstToken = m.now().Sub(start)
		}
		count++
		reply.WriteString(tok.Text)
		select {
		case events <- StreamEvent{Token: tok.Text}:
		case <-ctx.Done():
			// Consumer gone; partial turn is discarded.
			trySend(events, StreamEvent{Err: fault.Wrap(fault.Cancelled, ctx.Err(), "orchestrator: stream cancelled")})
			return
		}
	}

	if ctx.Err() != nil {
		trySend(events, StreamEvent{Err: fault.Wrap(fault.Cancelled, ctx.Err(), "orchestrator: stream cancelled")})
		return
	}

	now := m.now()
	ms.mu.Lock()
	ms.session.Messages = append(ms.session.Messages, ChatMessage{Role: "assistant", Content: reply.String(), Timestamp: now})
	ms.session.LastActivity = now
	ms.mu.Unlock()
	m.persist(context.Background(), ms)

	stats := StreamStats{FirstTokenLatency: firstToken, TokenCount: count}
	if elapsed := now.Sub(start).Seconds(); elapsed > 0 {
		stats.TokensPerSecond = float64(count) / elapsed
	}
	if m.onStats != nil {
		m.onStats(stats)
	}
	trySend(events, StreamEvent{Done: true, Stats: &stats})
}

// trySend delivers a terminal event without blocking on a departed consumer.
func trySend(events chan<- StreamEvent, ev StreamEvent) {
	select {
	case events <- ev:
	default:
	}
}

// CancelStream aborts the in-flight stream for a session, if any.
func (m *Manager) CancelStream(sessionID string) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	ms.mu.Lock()
	cancel := ms.cancel
	ms.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// End terminates a session: marks it inactive, persists the final state,
// enqueues the post-conversation job, and drops it from active memory.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	if cancel := ms.cancel; cancel != nil {
		cancel()
	}
	ms.session.Active = false
	ms.session.LastActivity = m.now()
	s := ms.session
	ms.mu.Unlock()

	if err := m.cache.SetConversation(ctx, s.SessionID, s); err != nil {
		m.logger.Warn("final session mirror failed", "session_id", s.SessionID, "error", err)
	}

	job := postconv.Job{
		SessionID:   s.SessionID,
		CharacterID: s.CharacterID,
		UserID:      s.UserID,
		Messages:    toJobMessages(s.Messages),
		CreatedAt:   s.CreatedAt,
		EndedAt:     s.LastActivity,
	}
	if err := m.cache.EnqueueSummaryJob(ctx, job); err != nil {
		m.logger.Error("post-conversation enqueue failed", "session_id", s.SessionID, "error", err)
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	m.logger.Info("session ended", "session_id", s.SessionID, "messages", len(s.Messages))
	return nil
}

// Get returns a snapshot of one active session.
func (m *Manager) Get(sessionID string) (Session, error) {
	ms, err := m.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	s := ms.session
	s.Messages = append([]ChatMessage(nil), s.Messages...)
	return s, nil
}

// History returns the messages of an active session.
func (m *Manager) History(sessionID string) ([]ChatMessage, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Messages, nil
}

// Snapshot lists all active sessions, for the monitor channel.
func (m *Manager) Snapshot() []Session {
	m.mu.Lock()
	managed := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		managed = append(managed, ms)
	}
	m.mu.Unlock()

	out := make([]Session, 0, len(managed))
	for _, ms := range managed {
		ms.mu.Lock()
		s := ms.session
		s.Messages = append([]ChatMessage(nil), s.Messages...)
		ms.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// Close stops the reaper and ends every active session.
func (m *Manager) Close(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stop) })

	for _, s := range m.Snapshot() {
		if err := m.End(ctx, s.SessionID); err != nil {
			m.logger.Warn("session end on shutdown failed", "session_id", s.SessionID, "error", err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle ends every session idle beyond its timeout.
func (m *Manager) reapIdle() {
	now := m.now()
	for _, s := range m.Snapshot() {
		if now.Sub(s.LastActivity) <= s.IdleTimeout {
			continue
		}
		m.logger.Info("reaping idle session", "session_id", s.SessionID, "idle", now.Sub(s.LastActivity))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.End(ctx, s.SessionID); err != nil {
			m.logger.Warn("idle reap failed", "session_id", s.SessionID, "error", err)
		}
		cancel()
	}
}

func (m *Manager) characterID(ms *managedSession) string {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.session.CharacterID
}

func (m *Manager) clearStream(ms *managedSession, cancel context.CancelFunc) {
	cancel()
	ms.mu.Lock()
	if ms.cancel != nil {
		ms.cancel = nil
	}
	ms.mu.Unlock()
}

func (m *Manager) persist(ctx context.Context, ms *managedSession) {
	ms.mu.Lock()
	s := ms.session
	ms.mu.Unlock()
	if err := m.cache.SetConversation(ctx, s.SessionID, s); err != nil {
		m.logger.Warn("session mirror failed", "session_id", s.SessionID, "error", err)
	}
}

func toHotctxMessages(msgs []ChatMessage) []hotctx.Message {
	out := make([]hotctx.Message, len(msgs))
	for i, m := range msgs {
		out[i] = hotctx.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func toJobMessages(msgs []ChatMessage) []postconv.Message {
	out := make([]postconv.Message, len(msgs))
	for i, m := range msgs {
		out[i] = postconv.Message{Role: m.Role, Content: m.Content, Timestamp: m.Timestamp}
	}
	return out
}
