package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/leonletto/brokerd/internal/broker/config"
)

const sampleDoc = `
endpoints:
  thunder:
    protocol: plugin_aware
    url: ws://localhost:9001/thunder
  http_backend:
    protocol: http
    url: http://localhost:9002
    is_jsonrpc: true

rules:
  device.id:
    alias: DeviceInfo.1.id
  device.sku:
    alias: Device.1.sku
    response_filter: "if .result.success then (.result.stbVersion | split(\"_\")[0]) else null end"
  device.http:
    alias: Info.1.get
    endpoint_key: http_backend
  device.static:
    alias: static
  device.provided:
    alias: provided
`

func TestLoadBytesDefaults(t *testing.T) {
	cfg, err := config.LoadBytes([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.ChannelCapacity != config.DefaultChannelCapacity {
		t.Errorf("got channel capacity %d, want default %d", cfg.ChannelCapacity, config.DefaultChannelCapacity)
	}
	if cfg.CompositeTTL != config.DefaultCompositeTTL {
		t.Errorf("got composite ttl %s, want default %s", cfg.CompositeTTL, config.DefaultCompositeTTL)
	}
	if len(cfg.Endpoints) != 2 {
		t.Errorf("got %d endpoints, want 2", len(cfg.Endpoints))
	}
	if len(cfg.Rules) != 5 {
		t.Errorf("got %d rules, want 5", len(cfg.Rules))
	}
	if cfg.Rules["device.id"].Alias != "DeviceInfo.1.id" {
		t.Errorf("got alias %q, want DeviceInfo.1.id", cfg.Rules["device.id"].Alias)
	}
}

func TestLoadBytesEnvOverrides(t *testing.T) {
	t.Setenv("BROKERD_CHANNEL_CAPACITY", "25")
	t.Setenv("BROKERD_COMPOSITE_TTL_SECONDS", "20")
	t.Setenv("BROKERD_COMPOSITE_SWEEP_SECONDS", "5")

	cfg, err := config.LoadBytes([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("LoadBytes: %v", err)
	}
	if cfg.ChannelCapacity != 25 {
		t.Errorf("got channel capacity %d, want 25", cfg.ChannelCapacity)
	}
	if cfg.CompositeTTL != 20*time.Second {
		t.Errorf("got composite ttl %s, want 20s", cfg.CompositeTTL)
	}
	if cfg.CompositeSweep != 5*time.Second {
		t.Errorf("got composite sweep %s, want 5s", cfg.CompositeSweep)
	}
}

func TestLoadBytesRejectsUnknownEndpointKey(t *testing.T) {
	doc := `
endpoints:
  thunder:
    protocol: plugin_aware
    url: ws://localhost:9001
rules:
  device.id:
    alias: DeviceInfo.1.id
    endpoint_key: missing
`
	if _, err := config.LoadBytes([]byte(doc)); err == nil {
		t.Fatal("expected an error for a rule routing to an unregistered endpoint_key")
	}
}

func TestLoadBytesRejectsEmptyRuleTable(t *testing.T) {
	if _, err := config.LoadBytes([]byte("endpoints: {}\nrules: {}\n")); err == nil {
		t.Fatal("expected an error for an empty rule table")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/path/rules.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadFromTempFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/rules.yaml"
	if err := os.WriteFile(path, []byte(sampleDoc), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Rules) != 5 {
		t.Errorf("got %d rules, want 5", len(cfg.Rules))
	}
}
