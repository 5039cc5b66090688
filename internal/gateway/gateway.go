package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
	"github.com/strandlabs/lifestrand/internal/resilience"
)

const (
	defaultRateLimit     = 100
	defaultRetryAttempts = 2
	retryBaseDelay       = 250 * time.Millisecond
	forwardTimeout       = 60 * time.Second
	sweepInterval        = 5 * time.Minute
)

// Route maps a gateway path prefix to a downstream base URL. The prefix is
// stripped before forwarding.
type Route struct {
	Prefix string
	Target string

	// Public skips credential checks for this prefix. Login and
	// registration have no token to present yet.
	Public bool

	baseURL *url.URL
}

// Config assembles a Gateway.
type Config struct {
	JWTSecret     string
	JWTIssuer     string
	APIKeyDigests []string

	// RateLimitPerMinute caps requests per client per minute. Default 100.
	RateLimitPerMinute int

	// RetryAttempts is the maximum retries for idempotent methods. Default 2.
	RetryAttempts int

	Routes []Route

	// Client overrides the forwarding HTTP client, mainly for tests.
	Client *http.Client

	Logger *slog.Logger
}

// Gateway is the edge reverse proxy.
type Gateway struct {
	auth    *Authenticator
	limiter *rateLimiter
	routes  []Route
	client  *http.Client
	retries int
	logger  *slog.Logger

	breakers map[string]*resilience.CircuitBreaker

	// sleep is swapped in tests to skip real backoff delays.
	sleep func(context.Context, time.Duration) error
}

// New builds a Gateway from config. Routes with longer prefixes win when
// several match.
func New(cfg Config) (*Gateway, error) {
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRateLimit
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: forwardTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "gateway")
	}

	routes := make([]Route, len(cfg.Routes))
	breakers := make(map[string]*resilience.CircuitBreaker, len(cfg.Routes))
	for i, r := range cfg.Routes {
		base, err := url.Parse(r.Target)
		if err != nil {
			return nil, fault.Wrap(fault.ValidationFailed, err, "gateway: route %s target", r.Prefix)
		}
		r.baseURL = base
		routes[i] = r
		if _, ok := breakers[r.Target]; !ok {
			breakers[r.Target] = resilience.New(resilience.Config{Name: r.Target})
		}
	}
	sort.Slice(routes, func(i, j int) bool { return len(routes[i].Prefix) > len(routes[j].Prefix) })

	return &Gateway{
		auth:     NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.APIKeyDigests),
		limiter:  newRateLimiter(cfg.RateLimitPerMinute),
		routes:   routes,
		client:   cfg.Client,
		retries:  cfg.RetryAttempts,
		logger:   cfg.Logger,
		breakers: breakers,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}, nil
}

// RunSweeper evicts stale rate-limit entries until ctx is done.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.limiter.sweep()
		}
	}
}

// ServeHTTP authenticates, rate-limits, routes, and forwards.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := g.match(r.URL.Path)
	if !ok {
		writeError(w, fault.New(fault.NotFound, "gateway: no route for %s", r.URL.Path))
		return
	}

	var identity Identity
	if !route.Public {
		var err error
		identity, err = g.auth.Authenticate(r)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	if !g.limiter.allow(clientKey(identity, r)) {
		w.Header().Set("Retry-After", "60")
		writeError(w, fault.New(fault.RateLimited, "gateway: rate limit exceeded"))
		return
	}

	breaker := g.breakers[route.Target]
	if err := breaker.Allow(); err != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(breaker.RetryAfter().Seconds())))
		writeError(w, err)
		return
	}

	resp, err := g.forward(r, route, identity)
	if err != nil {
		breaker.RecordFailure()
		writeError(w, fault.Wrap(fault.ServiceUnavailable, err, "gateway: upstream unreachable"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// clientKey identifies a caller for rate limiting: the user id when
// authenticated with a subject, otherwise the remote address.
func clientKey(id Identity, r *http.Request) string {
	if id.Method == "jwt" && id.UserID != "" {
		return "user:" + id.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

func (g *Gateway) match(path string) (Route, bool) {
	for _, route := range g.routes {
		if strings.HasPrefix(path, route.Prefix) {
			return route, true
		}
	}
	return Route{}, false
}

// idempotent reports whether the method is safe to retry.
func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// forward sends the request downstream, retrying idempotent methods with
// exponential backoff (0.25·2^n seconds).
func (g *Gateway) forward(r *http.Request, route Route, identity Identity) (*http.Response, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	attempts := 1
	if idempotent(r.Method) {
		attempts += g.retries
	}

	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			delay := time.Duration(float64(retryBaseDelay) * math.Pow(2, float64(n-1)))
			if err := g.sleep(r.Context(), delay); err != nil {
				return nil, err
			}
		}

		out, err := g.buildRequest(r, route, identity, body)
		if err != nil {
			return nil, err
		}
		resp, err := g.client.Do(out)
		if err != nil {
			lastErr = err
			continue
		}
		// Retry only transient upstream statuses.
		if idempotent(r.Method) && n < attempts-1 &&
			(resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout) {
			resp.Body.Close()
			lastErr = fault.New(fault.ServiceUnavailable, "gateway: upstream returned %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (g *Gateway) buildRequest(r *http.Request, route Route, identity Identity, body []byte) (*http.Request, error) {
	target := *route.baseURL
	target.Path = strings.TrimSuffix(target.Path, "/") + strings.TrimPrefix(r.URL.Path, route.Prefix)
	if target.Path == "" {
		target.Path = "/"
	}
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	copyHeader(out.Header, r.Header)
	if !route.Public {
		// The identity service on public routes verifies its own tokens;
		// everywhere else the gateway already has.
		out.Header.Del("Authorization")
		out.Header.Del(APIKeyHeader)
		out.Header.Set("X-Forwarded-User", identity.UserID)
	}
	return out, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// writeError renders the structured {error, message} body for err's kind.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{
		"error":   fault.KindOf(err).String(),
		"message": fault.Message(err),
	})
}
