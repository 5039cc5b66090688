package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strandlabs/lifestrand/internal/character"
	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/hotctx"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/orchestrator"
	"github.com/strandlabs/lifestrand/internal/pipeline"
	"github.com/strandlabs/lifestrand/internal/redisq"
	"github.com/strandlabs/lifestrand/pkg/provider/llm"
)

// ──────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────

type fakeStore struct {
	mu         sync.Mutex
	records    map[string]character.CharacterRecord
	nextID     int
	embeddings map[string][]float32
	archived   map[string]bool
	hits       []character.SearchHit
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records:    make(map[string]character.CharacterRecord),
		embeddings: make(map[string][]float32),
		archived:   make(map[string]bool),
	}
}

func (s *fakeStore) Create(_ context.Context, rec character.CharacterRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Name == "" {
		return "", fault.New(fault.ValidationFailed, "store: name is required")
	}
	s.nextID++
	id := "npc-" + strconv.Itoa(s.nextID)
	character.Touch(&rec, id, time.Now())
	s.records[id] = rec
	return id, nil
}

func (s *fakeStore) Get(_ context.Context, id string) (character.CharacterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return character.CharacterRecord{}, fault.New(fault.NotFound, "store: %s", id)
	}
	return rec, nil
}

func (s *fakeStore) Update(_ context.Context, id string, upd character.Update) (character.CharacterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return character.CharacterRecord{}, fault.New(fault.NotFound, "store: %s", id)
	}
	if upd.Name != nil {
		rec.Name = *upd.Name
	}
	s.records[id] = rec
	return rec, nil
}

func (s *fakeStore) Archive(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return fault.New(fault.NotFound, "store: %s", id)
	}
	s.archived[id] = true
	return nil
}

func (s *fakeStore) Restore(context.Context, string) error { return nil }

func (s *fakeStore) List(_ context.Context, opts character.ListOpts) ([]character.CharacterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]character.CharacterRecord, 0, len(s.records))
	for id, rec := range s.records {
		if s.archived[id] && !opts.IncludeArchived {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) SearchByVector(_ context.Context, _ []float32, k int) ([]character.SearchHit, error) {
	if k < len(s.hits) {
		return s.hits[:k], nil
	}
	return s.hits, nil
}

func (s *fakeStore) UpsertEmbedding(_ context.Context, id string, v []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[id] = v
	return nil
}

func (s *fakeStore) ClearEmbedding(context.Context, string) error { return nil }

func (s *fakeStore) AddMemory(context.Context, string, character.Memory) error { return nil }

func (s *fakeStore) Stats(context.Context) (character.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := character.Stats{ByStatus: make(map[character.Status]int)}
	for id, rec := range s.records {
		if s.archived[id] {
			continue
		}
		stats.Total++
		stats.ByStatus[rec.Status]++
		if len(s.embeddings[id]) > 0 {
			stats.WithVector++
		}
	}
	return stats, nil
}

var _ character.Store = (*fakeStore)(nil)

type fakeDispatch struct {
	mu          sync.Mutex
	embedded    [][]string
	completions []llm.CompletionRequest
	classes     []pipeline.ServiceClass
	reply       string
	vector      []float32
	health      pipeline.Health
}

func (d *fakeDispatch) SubmitCompletion(_ context.Context, class pipeline.ServiceClass, req llm.CompletionRequest, _ int, _ time.Duration) (llm.CompletionResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.completions = append(d.completions, req)
	d.classes = append(d.classes, class)
	return llm.CompletionResponse{
		Content: d.reply,
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (d *fakeDispatch) SubmitEmbedding(_ context.Context, texts []string, _ int, _ time.Duration) ([][]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.embedded = append(d.embedded, texts)
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = d.vector
	}
	return out, nil
}

func (d *fakeDispatch) Health() pipeline.Health { return d.health }

// SubmitGeneration lets the same fake back the orchestrator.
func (d *fakeDispatch) SubmitGeneration(_ context.Context, class pipeline.ServiceClass, req llm.CompletionRequest, _ int, _ time.Duration) (<-chan modelruntime.Token, error) {
	d.mu.Lock()
	d.completions = append(d.completions, req)
	d.classes = append(d.classes, class)
	reply := d.reply
	d.mu.Unlock()

	ch := make(chan modelruntime.Token, len(reply)+1)
	for _, word := range strings.SplitAfter(reply, " ") {
		ch <- modelruntime.Token{Text: word}
	}
	close(ch)
	return ch, nil
}

type fakeModel struct {
	mu     sync.Mutex
	loaded []modelruntime.ModelType
	status modelruntime.Status
}

func (m *fakeModel) Status() modelruntime.Status { return m.status }

func (m *fakeModel) History() []modelruntime.Transition {
	return []modelruntime.Transition{
		{From: modelruntime.StateIdle, To: modelruntime.StateLoading, ModelType: modelruntime.ModelChat},
		{From: modelruntime.StateLoading, To: modelruntime.StateLoaded, ModelType: modelruntime.ModelChat},
	}
}

func (m *fakeModel) EnsureLoaded(_ context.Context, t modelruntime.ModelType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = append(m.loaded, t)
	return nil
}

type fakeQueue struct {
	depth     int64
	published []string
}

func (q *fakeQueue) QueueDepth(context.Context) (int64, error) { return q.depth, nil }

func (q *fakeQueue) Publish(_ context.Context, channel string, _ any) error {
	q.published = append(q.published, channel)
	return nil
}

type nopCache struct{}

func (nopCache) SetConversation(context.Context, string, any) error { return nil }
func (nopCache) DeleteConversation(context.Context, string) error   { return nil }
func (nopCache) EnqueueSummaryJob(context.Context, any) error       { return nil }

// ──────────────────────────────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────────────────────────────

type apiHarness struct {
	store    *fakeStore
	dispatch *fakeDispatch
	model    *fakeModel
	queue    *fakeQueue
	sessions *orchestrator.Manager
	mux      *http.ServeMux
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	h := &apiHarness{
		store:    newFakeStore(),
		dispatch: &fakeDispatch{reply: "Well met.", vector: []float32{0.1, 0.2}},
		model:    &fakeModel{},
		queue:    &fakeQueue{depth: 4},
	}
	h.sessions = orchestrator.NewManager(h.store, hotctx.New(), h.dispatch, nopCache{})
	t.Cleanup(func() { h.sessions.Close(context.Background()) })

	srv := New(h.store, h.sessions, h.model, h.dispatch, h.queue, nil)
	h.mux = http.NewServeMux()
	srv.Register(h.mux)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *apiHarness) createNPC(t *testing.T, name string) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/npc", `{"name":"`+name+`","faction":"guild"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body %s", rec.Code, rec.Body)
	}
	return decode[map[string]string](t, rec)["id"]
}

// ──────────────────────────────────────────────────────────────────────────
// Characters
// ──────────────────────────────────────────────────────────────────────────

func TestCreateNPCEmbedsRecord(t *testing.T) {
	h := newHarness(t)
	id := h.createNPC(t, "Mira")

	h.store.mu.Lock()
	_, embedded := h.store.embeddings[id]
	h.store.mu.Unlock()
	if !embedded {
		t.Error("created record has no embedding")
	}
	if len(h.dispatch.embedded) != 1 {
		t.Fatalf("embedding calls = %d, want 1", len(h.dispatch.embedded))
	}
	if !strings.Contains(h.dispatch.embedded[0][0], "Mira") {
		t.Errorf("embedded text %q does not mention the character", h.dispatch.embedded[0][0])
	}
}

func TestCreateNPCValidation(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/npc", `{"faction":"guild"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	body := decode[map[string]string](t, rec)
	if body["error"] != "validation_failed" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestGetNPC(t *testing.T) {
	h := newHarness(t)
	id := h.createNPC(t, "Mira")

	rec := h.do(t, http.MethodGet, "/npc/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[character.CharacterRecord](t, rec)
	if got.Name != "Mira" {
		t.Errorf("name = %q", got.Name)
	}

	if rec := h.do(t, http.MethodGet, "/npc/missing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", rec.Code)
	}
}

func TestUpdateNPCReembeds(t *testing.T) {
	h := newHarness(t)
	id := h.createNPC(t, "Mira")

	rec := h.do(t, http.MethodPut, "/npc/"+id, `{"name":"Mira Vane"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if got := decode[character.CharacterRecord](t, rec); got.Name != "Mira Vane" {
		t.Errorf("name = %q", got.Name)
	}
	// One embedding for create, one for update.
	if n := len(h.dispatch.embedded); n != 2 {
		t.Errorf("embedding calls = %d, want 2", n)
	}
}

func TestDeleteNPCArchives(t *testing.T) {
	h := newHarness(t)
	id := h.createNPC(t, "Mira")

	if rec := h.do(t, http.MethodDelete, "/npc/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !h.store.archived[id] {
		t.Error("record not archived")
	}

	list := h.do(t, http.MethodGet, "/npcs", "")
	body := decode[map[string]any](t, list)
	if npcs := body["npcs"].([]any); len(npcs) != 0 {
		t.Errorf("archived record still listed: %v", npcs)
	}
}

func TestNPCStatsExcludesArchived(t *testing.T) {
	h := newHarness(t)
	h.createNPC(t, "Mira")
	gone := h.createNPC(t, "Tobin")

	if rec := h.do(t, http.MethodDelete, "/npc/"+gone, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/npcs/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	stats := decode[character.Stats](t, rec)
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.WithVector != 1 {
		t.Errorf("with_vector = %d, want 1", stats.WithVector)
	}
}

func TestSearchNPCs(t *testing.T) {
	h := newHarness(t)
	h.store.hits = []character.SearchHit{
		{ID: "npc-1", Name: "Mira", Similarity: 0.91},
		{ID: "npc-2", Name: "Sable", Similarity: 0.72},
	}

	rec := h.do(t, http.MethodPost, "/npcs/search", `{"query":"guild smugglers","limit":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	body := decode[map[string][]character.SearchHit](t, rec)
	if len(body["results"]) != 2 || body["results"][0].Name != "Mira" {
		t.Errorf("results = %+v", body["results"])
	}
	if h.dispatch.embedded[len(h.dispatch.embedded)-1][0] != "guild smugglers" {
		t.Error("query was not embedded")
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/npcs/search", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Conversations
// ──────────────────────────────────────────────────────────────────────────

func TestConversationLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createNPC(t, "Mira")

	start := h.do(t, http.MethodPost, "/chat/conversation/start", `{"npc_id":"`+id+`","user_id":"u1"}`)
	if start.Code != http.StatusOK {
		t.Fatalf("start status = %d body %s", start.Code, start.Body)
	}
	sessionID := decode[map[string]string](t, start)["session_id"]
	if sessionID == "" {
		t.Fatal("empty session_id")
	}

	send := h.do(t, http.MethodPost, "/chat/conversation/send",
		`{"session_id":"`+sessionID+`","message":"Hello there"}`)
	if send.Code != http.StatusOK {
		t.Fatalf("send status = %d body %s", send.Code, send.Body)
	}
	if body := decode[map[string]any](t, send); body["response"] != "Well met." {
		t.Errorf("response = %v", body["response"])
	}

	hist := h.do(t, http.MethodGet, "/chat/conversation/"+sessionID+"/history", "")
	if hist.Code != http.StatusOK {
		t.Fatalf("history status = %d", hist.Code)
	}
	msgs := decode[map[string][]orchestrator.ChatMessage](t, hist)["messages"]
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("history = %+v", msgs)
	}

	end := h.do(t, http.MethodPost, "/chat/conversation/"+sessionID+"/end", "")
	if end.Code != http.StatusOK {
		t.Fatalf("end status = %d", end.Code)
	}
	if rec := h.do(t, http.MethodGet, "/chat/conversation/"+sessionID+"/history", ""); rec.Code != http.StatusNotFound {
		t.Errorf("history after end status = %d, want 404", rec.Code)
	}
}

func TestStartRequiresNPCID(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/chat/conversation/start", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStartUnknownNPCIs404(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/chat/conversation/start", `{"npc_id":"ghost"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Model service
// ──────────────────────────────────────────────────────────────────────────

func TestGenerate(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/model/generate", `{"prompt":"Describe the harbour","max_tokens":64}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	body := decode[map[string]any](t, rec)
	if body["response"] != "Well met." {
		t.Errorf("response = %v", body["response"])
	}
	usage := body["usage"].(map[string]any)
	if usage["total_tokens"].(float64) != 15 {
		t.Errorf("usage = %v", usage)
	}
	if h.dispatch.classes[0] != pipeline.ClassChat {
		t.Errorf("class = %v, want chat", h.dispatch.classes[0])
	}
}

func TestLoadModel(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/model/load-model", `{"model_type":"summary"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if len(h.model.loaded) != 1 || h.model.loaded[0] != modelruntime.ModelSummary {
		t.Errorf("loaded = %v", h.model.loaded)
	}
	if len(h.queue.published) != 1 || h.queue.published[0] != redisq.ModelServiceChannel {
		t.Errorf("published = %v, want one model service notification", h.queue.published)
	}

	if rec := h.do(t, http.MethodPost, "/model/load-model", `{"model_type":"speech"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", rec.Code)
	}
}

func TestModelStatus(t *testing.T) {
	h := newHarness(t)
	h.model.status = modelruntime.Status{TotalVRAMBytes: 16 << 30, UsedVRAMBytes: 8 << 30}

	rec := h.do(t, http.MethodGet, "/model/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	model := body["model"].(map[string]any)
	if model["total_vram_bytes"].(float64) != float64(16<<30) {
		t.Errorf("model status = %v", model)
	}
	if _, ok := body["queues"]; !ok {
		t.Error("missing queues in status")
	}
	if hist := body["state_history"].([]any); len(hist) != 2 {
		t.Errorf("state_history = %v, want the recorded walk", hist)
	}
}

// ──────────────────────────────────────────────────────────────────────────
// Summaries
// ──────────────────────────────────────────────────────────────────────────

func TestGenerateSummaryUsesSummaryClass(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/summary/generate", `{"text":"A long conversation about tariffs."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if body := decode[map[string]string](t, rec); body["summary"] != "Well met." {
		t.Errorf("summary = %q", body["summary"])
	}
	if h.dispatch.classes[0] != pipeline.ClassSummary {
		t.Errorf("class = %v, want summary", h.dispatch.classes[0])
	}
}

func TestSummaryQueueStatus(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/summary/queue/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode[map[string]any](t, rec)
	if body["pending_jobs"].(float64) != 4 {
		t.Errorf("pending_jobs = %v", body["pending_jobs"])
	}
}

func TestMalformedBodyIs422(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/npc", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
