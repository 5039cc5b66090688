// Package httpapi exposes the internal service endpoints: character CRUD and
// vector search, conversation control, model runtime operations, and summary
// queue introspection. Error kinds map onto HTTP statuses and render the
// structured {error, message} body.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/orchestrator"
	"github.com/strandlabs/lifestrand/internal/pipeline"
	"github.com/strandlabs/lifestrand/internal/redisq"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 200
	defaultSearchK    = 10
	requestTimeout    = 2 * time.Minute
	embeddingTimeout  = 30 * time.Second
	defaultSummaryLen = 256
)

// ModelService is the slice of the model runtime the API uses.
type ModelService interface {
	Status() modelruntime.Status
	History() []modelruntime.Transition
	EnsureLoaded(ctx context.Context, t modelruntime.ModelType) error
}

// Dispatcher is the slice of the request pipeline the API uses.
type Dispatcher interface {
	SubmitCompletion(ctx context.Context, class pipeline.ServiceClass, req llm.CompletionRequest, priority int, timeout time.Duration) (llm.CompletionResponse, error)
	SubmitEmbedding(ctx context.Context, texts []string, priority int, timeout time.Duration) ([][]float32, error)
	Health() pipeline.Health
}

// QueueInfo reports summary queue state.
type QueueInfo interface {
	QueueDepth(ctx context.Context) (int64, error)
}

// Notifier is an optional capability of the QueueInfo dependency. When the
// queue backend also publishes, model swap completions go out on
// model_service_notifications so peer instances can refresh their status.
type Notifier interface {
	Publish(ctx context.Context, channel string, event any) error
}

// Server holds the handler dependencies.
type Server struct {
	store    character.Store
	sessions *orchestrator.Manager
	model    ModelService
	dispatch Dispatcher
	queue    QueueInfo
	logger   *slog.Logger
}

// New assembles the API server. The dispatcher may be nil, in which case
// embedding generation is skipped and vector search answers 503.
func New(store character.Store, sessions *orchestrator.Manager, model ModelService, dispatch Dispatcher, queue QueueInfo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "httpapi")
	}
	return &Server{
		store:    store,
		sessions: sessions,
		model:    model,
		dispatch: dispatch,
		queue:    queue,
		logger:   logger,
	}
}

// Register installs all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /npc", s.createNPC)
	mux.HandleFunc("GET /npc/{id}", s.getNPC)
	mux.HandleFunc("PUT /npc/{id}", s.updateNPC)
	mux.HandleFunc("DELETE /npc/{id}", s.deleteNPC)
	mux.HandleFunc("GET /npcs", s.listNPCs)
	mux.HandleFunc("POST /npcs/search", s.searchNPCs)
	mux.HandleFunc("GET /npcs/stats", s.npcStats)

	mux.HandleFunc("POST /chat/conversation/start", s.startConversation)
	mux.HandleFunc("POST /chat/conversation/send", s.sendMessage)
	mux.HandleFunc("POST /chat/conversation/{id}/end", s.endConversation)
	mux.HandleFunc("GET /chat/conversation/{id}/history", s.conversationHistory)

	mux.HandleFunc("POST /model/generate", s.generate)
	mux.HandleFunc("POST /model/load-model", s.loadModel)
	mux.HandleFunc("GET /model/status", s.modelStatus)

	mux.HandleFunc("POST /summary/generate", s.generateSummary)
	mux.HandleFunc("GET /summary/queue/status", s.summaryQueueStatus)
}

// ──────────────────────────────────────────────────────────────────────────
// Characters
// ──────────────────────────────────────────────────────────────────────────

func (s *Server) createNPC(w http.ResponseWriter, r *http.Request) {
	var rec character.CharacterRecord
	if err := decodeBody(r, &rec); err != nil {
		respondError(w, err)
		return
	}

	id, err := s.store.Create(r.Context(), rec)
	if err != nil {
		respondError(w, err)
		return
	}

	// Embedding generation is best effort: the record is usable without it
	// and re-embedding can happen later.
	if s.dispatch != nil {
		created, err := s.store.Get(r.Context(), id)
		if err == nil {
			s.embedRecord(r.Context(), id, created)
		}
	}

	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) embedRecord(ctx context.Context, id string, rec character.CharacterRecord) {
	vecs, err := s.dispatch.SubmitEmbedding(ctx, []string{character.CanonicalText(rec)}, 0, embeddingTimeout)
	if err != nil || len(vecs) != 1 {
		s.logger.Warn("embedding skipped", "id", id, "error", err)
		return
	}
	if err := s.store.UpsertEmbedding(ctx, id, vecs[0]); err != nil {
		s.logger.Warn("embedding upsert failed", "id", id, "error", err)
	}
}

func (s *Server) getNPC(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) updateNPC(w http.ResponseWriter, r *http.Request) {
	var upd character.Update
	if err := decodeBody(r, &upd); err != nil {
		respondError(w, err)
		return
	}

	id := r.PathValue("id")
	rec, err := s.store.Update(r.Context(), id, upd)
	if err != nil {
		respondError(w, err)
		return
	}
	if s.dispatch != nil {
		s.embedRecord(r.Context(), id, rec)
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteNPC(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Archive(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listNPCs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit > maxListLimit {
		limit = maxListLimit
	}
	opts := character.ListOpts{
		Limit:           limit,
		Offset:          queryInt(r, "offset", 0),
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
	}

	records, err := s.store.List(r.Context(), opts)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"npcs":   records,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func (s *Server) npcStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) searchNPCs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Query == "" {
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: query is required"))
		return
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchK
	}
	if s.dispatch == nil {
		respondError(w, fault.New(fault.ServiceUnavailable, "httpapi: embedding service unavailable"))
		return
	}

	vecs, err := s.dispatch.SubmitEmbedding(r.Context(), []string{req.Query}, 0, embeddingTimeout)
	if err != nil {
		respondError(w, err)
		return
	}
	hits, err := s.store.SearchByVector(r.Context(), vecs[0], req.Limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": hits})
}

// ──────────────────────────────────────────────────────────────────────────
// Conversations
// ──────────────────────────────────────────────────────────────────────────

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NPCID  string `json:"npc_id"`
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.NPCID == "" {
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: npc_id is required"))
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = r.Header.Get("X-Forwarded-User")
	}

	id, err := s.sessions.Start(r.Context(), req.NPCID, userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

// sendMessage is the non-streaming counterpart of the WebSocket path: it
// waits for the full response and returns it in one body.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.SessionID == "" || req.Message == "" {
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: session_id and message are required"))
		return
	}

	events, err := s.sessions.ProcessMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		respondError(w, err)
		return
	}

	var (
		reply string
		stats *orchestrator.StreamStats
	)
	for ev := range events {
		switch {
		case ev.Err != nil:
			respondError(w, ev.Err)
			return
		case ev.Done:
			stats = ev.Stats
		default:
			reply += ev.Token
		}
	}

	body := map[string]any{"response": reply}
	if stats != nil {
		body["first_token_ms"] = stats.FirstTokenLatency.Milliseconds()
		body["tokens_per_second"] = stats.TokensPerSecond
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) endConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) conversationHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.sessions.History(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": history})
}

// ──────────────────────────────────────────────────────────────────────────
// Model service
// ──────────────────────────────────────────────────────────────────────────

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt      string  `json:"prompt"`
		System      string  `json:"system,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
		MaxTokens   int     `json:"max_tokens,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Prompt == "" {
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: prompt is required"))
		return
	}

	resp, err := s.dispatch.SubmitCompletion(r.Context(), pipeline.ClassChat, llm.CompletionRequest{
		SystemPrompt: req.System,
		Messages:     []llm.Message{{Role: "user", Content: req.Prompt}},
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}, 0, requestTimeout)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"response": resp.Content,
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	})
}

func (s *Server) loadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ModelType string `json:"model_type"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}

	var mt modelruntime.ModelType
	switch req.ModelType {
	case "chat":
		mt = modelruntime.ModelChat
	case "summary":
		mt = modelruntime.ModelSummary
	default:
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: unknown model_type %q", req.ModelType))
		return
	}

	if err := s.model.EnsureLoaded(r.Context(), mt); err != nil {
		respondError(w, err)
		return
	}

	if n, ok := s.queue.(Notifier); ok {
		event := map[string]string{"status": "model_loaded", "model_type": req.ModelType}
		if err := n.Publish(r.Context(), redisq.ModelServiceChannel, event); err != nil {
			s.logger.Warn("model load notification failed", "err", err)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "loaded", "model_type": req.ModelType})
}

func (s *Server) modelStatus(w http.ResponseWriter, r *http.Request) {
	status := s.model.Status()
	body := map[string]any{
		"model":         status,
		"state_history": s.model.History(),
		"queues":        s.dispatch.Health(),
	}
	respondJSON(w, http.StatusOK, body)
}

// ──────────────────────────────────────────────────────────────────────────
// Summaries
// ──────────────────────────────────────────────────────────────────────────

func (s *Server) generateSummary(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		MaxTokens int    `json:"max_tokens,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Text == "" {
		respondError(w, fault.New(fault.ValidationFailed, "httpapi: text is required"))
		return
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultSummaryLen
	}

	resp, err := s.dispatch.SubmitCompletion(r.Context(), pipeline.ClassSummary, llm.CompletionRequest{
		SystemPrompt: "Summarize the following text concisely.",
		Messages:     []llm.Message{{Role: "user", Content: req.Text}},
		Temperature:  0.2,
		MaxTokens:    maxTokens,
	}, 0, requestTimeout)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"summary": resp.Content})
}

func (s *Server) summaryQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.QueueDepth(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"pending_jobs": depth,
		"pipeline":     s.dispatch.Health(),
	})
}

// ──────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, context.Canceled) {
			return fault.Wrap(fault.Cancelled, err, "httpapi: request cancelled")
		}
		return fault.Wrap(fault.ValidationFailed, err, "httpapi: malformed body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error":   fault.KindOf(err).String(),
		"message": fault.Message(err),
	})
}
