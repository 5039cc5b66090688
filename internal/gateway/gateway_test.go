package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type backend struct {
	srv       *httptest.Server
	calls     atomic.Int64
	paths     chan string
	code      atomic.Int64 // response status, 0 means 200
	failFirst atomic.Int64 // serve `code` only for the first N calls
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{paths: make(chan string, 100)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := b.calls.Add(1)
		b.paths <- r.URL.Path
		code := int(b.code.Load())
		if code != 0 && (b.failFirst.Load() == 0 || n <= b.failFirst.Load()) {
			w.WriteHeader(code)
			return
		}
		io.WriteString(w, "ok:"+r.URL.Path)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func testGateway(t *testing.T, routes []Route, opts ...func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		JWTSecret: testSecret,
		JWTIssuer: testIssuer,
		Routes:    routes,
	}
	for _, o := range opts {
		o(&cfg)
	}
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func authed(t *testing.T, method, path string, body string) *http.Request {
	t.Helper()
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, rd)
	r.Header.Set("Authorization", "Bearer "+signToken(t, validClaims(), testSecret))
	return r
}

func TestRoutingStripsPrefix(t *testing.T) {
	model := newBackend(t)
	npc := newBackend(t)
	g := testGateway(t, []Route{
		{Prefix: "/model", Target: model.srv.URL},
		{Prefix: "/npc", Target: npc.srv.URL},
		{Prefix: "/chat", Target: npc.srv.URL},
	})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/model/status", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}
	if got := <-model.paths; got != "/status" {
		t.Errorf("downstream path = %q, want /status (prefix stripped)", got)
	}

	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/chat/conversation/start", ""))
	if got := <-npc.paths; got != "/conversation/start" {
		t.Errorf("downstream path = %q", got)
	}
}

func TestUnmatchedPathIs404(t *testing.T) {
	g := testGateway(t, nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/nowhere", ""))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["error"] != "not_found" {
		t.Errorf("body = %v", body)
	}
}

func TestUnauthenticatedIs401(t *testing.T) {
	b := newBackend(t)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: b.srv.URL}})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/npc/list", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if b.calls.Load() != 0 {
		t.Error("unauthenticated request reached the backend")
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	b := newBackend(t)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: b.srv.URL}}, func(c *Config) {
		c.RateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, authed(t, http.MethodGet, "/npc/list", ""))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/npc/list", ""))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}
}

func TestIdempotentRetrySucceeds(t *testing.T) {
	b := newBackend(t)
	b.code.Store(http.StatusServiceUnavailable)
	b.failFirst.Store(1)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: b.srv.URL}})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/npc/list", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after retry", rec.Code)
	}
	if calls := b.calls.Load(); calls < 2 {
		t.Errorf("backend calls = %d, want a retry", calls)
	}
}

func TestPostIsNeverRetried(t *testing.T) {
	b := newBackend(t)
	b.code.Store(http.StatusServiceUnavailable)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: b.srv.URL}})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodPost, "/npc/create", `{"name":"x"}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want upstream 503 passed through", rec.Code)
	}
	if calls := b.calls.Load(); calls != 1 {
		t.Errorf("backend calls = %d, want exactly 1 for POST", calls)
	}
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	b := newBackend(t)
	b.code.Store(http.StatusInternalServerError)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: b.srv.URL}}, func(c *Config) {
		c.RateLimitPerMinute = 1000
	})

	// 500s count as failures; after five the breaker opens.
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, authed(t, http.MethodPost, "/npc/create", "{}"))
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	before := b.calls.Load()
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodPost, "/npc/create", "{}"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 from open breaker", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After on open breaker")
	}
	if b.calls.Load() != before {
		t.Error("open breaker still forwarded the request")
	}
}

func TestForwardedUserHeader(t *testing.T) {
	var gotUser atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser.Store(r.Header.Get("X-Forwarded-User"))
		if r.Header.Get("Authorization") != "" {
			t.Error("Authorization header leaked downstream")
		}
	}))
	t.Cleanup(srv.Close)
	g := testGateway(t, []Route{{Prefix: "/npc", Target: srv.URL}})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/npc/list", ""))
	if gotUser.Load() != "user-42" {
		t.Errorf("X-Forwarded-User = %v", gotUser.Load())
	}
}

func TestPublicRouteSkipsAuthentication(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		io.WriteString(w, `{"access_token":"t"}`)
	}))
	t.Cleanup(srv.Close)
	g := testGateway(t, []Route{{Prefix: "/auth", Target: srv.URL, Public: true}})

	// Login carries no token at all.
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"a","password":"b"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body)
	}

	// /auth/me presents a token the identity service must see untouched.
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, authed(t, http.MethodGet, "/auth/me", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if auth, _ := gotAuth.Load().(string); !strings.HasPrefix(auth, "Bearer ") {
		t.Errorf("Authorization downstream = %q, want the original bearer token", auth)
	}
}
