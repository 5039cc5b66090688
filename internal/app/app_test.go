package app

import (
	"context"
	"strings"
	"testing"

	"github.com/strandlabs/lifestrand/internal/character/mem"
	"github.com/strandlabs/lifestrand/internal/config"
	"github.com/strandlabs/lifestrand/internal/gateway"
	"github.com/strandlabs/lifestrand/internal/modelruntime"
	"github.com/strandlabs/lifestrand/internal/orchestrator"
	llmmock "github.com/strandlabs/lifestrand/pkg/provider/llm/mock"
)

// Shutdown hands its context to the session manager so in-flight sessions get
// a bounded drain. Pin the signature here so a change breaks this package's
// build, not just the composition root.
var _ func(context.Context) = (*orchestrator.Manager)(nil).Close

func testProviders() *Providers {
	return &Providers{
		Chat:    &llmmock.Provider{},
		Summary: &llmmock.Provider{},
	}
}

func TestNewRequiresProviders(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(context.Background(), cfg, &Providers{}, WithStore(mem.NewStore(4)))
	if err == nil || !strings.Contains(err.Error(), "redis.url") {
		// Cache init runs before runtime init; without a Redis URL New
		// fails there first.
		t.Errorf("New = %v, want redis.url error", err)
	}
}

func TestNewRequiresDatabase(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(context.Background(), cfg, testProviders())
	if err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Errorf("New = %v, want database.url error", err)
	}
}

func TestGatewayRoutesMapping(t *testing.T) {
	a := &App{cfg: &config.Config{
		Gateway: config.GatewayConfig{
			ModelServiceURL: "http://model:8081",
			NPCServiceURL:   "http://npc:8080",
			AuthServiceURL:  "http://auth:8082",
		},
	}}

	routes := a.gatewayRoutes()
	byPrefix := make(map[string]gateway.Route, len(routes))
	for _, r := range routes {
		byPrefix[r.Prefix] = r
	}
	if byPrefix["/model"].Target != "http://model:8081" {
		t.Errorf("/model target = %q", byPrefix["/model"].Target)
	}
	for _, prefix := range []string{"/npc", "/chat", "/summary", "/ws"} {
		if byPrefix[prefix].Target != "http://npc:8080" {
			t.Errorf("%s target = %q", prefix, byPrefix[prefix].Target)
		}
		if byPrefix[prefix].Public {
			t.Errorf("%s should require credentials", prefix)
		}
	}
	if auth := byPrefix["/auth"]; auth.Target != "http://auth:8082" || !auth.Public {
		t.Errorf("/auth route = %+v, want public route to the identity service", auth)
	}
}

func TestGatewayRoutesEmptyWhenUnset(t *testing.T) {
	a := &App{cfg: &config.Config{}}
	if routes := a.gatewayRoutes(); len(routes) != 0 {
		t.Errorf("routes = %v, want none", routes)
	}
}

func TestStaticLoadReturnsPrebuiltProvider(t *testing.T) {
	p := &llmmock.Provider{}
	load := staticLoad(p, 8<<30)

	m, err := load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Provider != p {
		t.Error("loaded model does not wrap the given provider")
	}
	if m.VRAMBytes != 8<<30 {
		t.Errorf("vram = %d", m.VRAMBytes)
	}
	if m.Unload != nil {
		t.Error("hosted backends should have no unload hook")
	}
	var _ modelruntime.LoadFunc = load
}
