package runner

import (
	"testing"

	"github.com/digster-labs/sheetcrawler/internal/config"
	"github.com/digster-labs/sheetcrawler/internal/proxypool"
)

func TestUserAgentForUsesFirstConfiguredAgent(t *testing.T) {
	got := userAgentFor(config.Network{UserAgents: []string{"agent-a", "agent-b"}})
	if got != "agent-a" {
		t.Fatalf("expected the first configured user agent, got %q", got)
	}
}

func TestUserAgentForDefaultsToWildcardWhenUnconfigured(t *testing.T) {
	if got := userAgentFor(config.Network{}); got != "*" {
		t.Fatalf("expected wildcard default, got %q", got)
	}
}

func TestBuildEngineSelectsHTTPEngine(t *testing.T) {
	r := &Runner{global: config.GlobalConfig{Network: config.Network{TimeoutSec: 5}}}
	pool, err := proxypool.New(nil, true, "")
	if err != nil {
		t.Fatalf("proxypool.New: %v", err)
	}

	engine, err := r.buildEngine(config.SiteConfig{Name: "site", Engine: config.EngineHTTP}, pool)
	if err != nil {
		t.Fatalf("buildEngine: %v", err)
	}
	if engine == nil {
		t.Fatalf("expected a non-nil engine")
	}
	defer engine.Close()
}

func TestBuildEngineRejectsUnknownEngineKind(t *testing.T) {
	r := &Runner{global: config.GlobalConfig{}}
	pool, err := proxypool.New(nil, true, "")
	if err != nil {
		t.Fatalf("proxypool.New: %v", err)
	}

	_, err = r.buildEngine(config.SiteConfig{Name: "site", Engine: "carrier-pigeon"}, pool)
	if err == nil {
		t.Fatalf("expected an error for an unrecognized engine kind")
	}
}
