// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "gateway.yaml", `
gateway:
  origin: "https://kbve.com"

context:
  address: "/run/droid.sock"

rpc:
  default_timeout: "750ms"

eventbus:
  history_size: 25

store:
  path: "./droid.db"
  workers: 5
  request_timeout: "2s"

topics:
  - name: metrics
    kind: poll
    url: "http://localhost:9100/metrics"
    parser: prometheus
    limit: 4
    interval: "5s"
  - name: "realtime:*"
    kind: push
    url: "wss://rt.example.test/{key}"
    backoff: "10s"

modules:
  allow_remote: true
  preload:
    - "builtin://directory"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Gateway.Origin != "https://kbve.com" {
		t.Errorf("Gateway.Origin = %q", cfg.Gateway.Origin)
	}
	if cfg.Context.Address != "/run/droid.sock" {
		t.Errorf("Context.Address = %q", cfg.Context.Address)
	}
	if cfg.RPC.DefaultTimeout != 750*time.Millisecond {
		t.Errorf("RPC.DefaultTimeout = %v, want 750ms", cfg.RPC.DefaultTimeout)
	}
	if cfg.EventBus.HistorySize != 25 {
		t.Errorf("EventBus.HistorySize = %d, want 25", cfg.EventBus.HistorySize)
	}
	if cfg.Store.Path != "./droid.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Store.Workers != 5 || cfg.Store.RequestTimeout != 2*time.Second {
		t.Errorf("Store = %+v, want 5 workers and 2s timeout", cfg.Store)
	}
	if len(cfg.Topics) != 2 {
		t.Fatalf("len(Topics) = %d, want 2", len(cfg.Topics))
	}

	metrics := cfg.Topics[0]
	if metrics.Interval != 5*time.Second {
		t.Errorf("metrics.Interval = %v, want 5s", metrics.Interval)
	}
	if metrics.Limit != 4 || metrics.Parser != "prometheus" {
		t.Errorf("metrics = %+v", metrics)
	}

	rt := cfg.Topics[1]
	if rt.Backoff != 10*time.Second {
		t.Errorf("realtime.Backoff = %v, want 10s", rt.Backoff)
	}
	if rt.HeartbeatInterval != DefaultHeartbeatInterval || rt.HeartbeatTimeout != DefaultHeartbeatTimeout {
		t.Errorf("realtime heartbeat = %v/%v, want defaults", rt.HeartbeatInterval, rt.HeartbeatTimeout)
	}
	if rt.Interval != DefaultPollInterval {
		t.Errorf("realtime.Interval = %v, want default", rt.Interval)
	}

	if len(cfg.Modules.Preload) != 1 || cfg.Modules.Preload[0] != "builtin://directory" {
		t.Errorf("Modules.Preload = %v", cfg.Modules.Preload)
	}
	if !cfg.Modules.AllowRemote {
		t.Error("Modules.AllowRemote = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[gateway]
origin = "local"
strategy = "private"

[rpc]
default_timeout = "2s"

[[topics]]
name = "metrics"
kind = "poll"
url = "http://localhost:9100/metrics"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Strategy != "private" {
		t.Errorf("Gateway.Strategy = %q, want private", cfg.Gateway.Strategy)
	}
	if cfg.RPC.DefaultTimeout != 2*time.Second {
		t.Errorf("RPC.DefaultTimeout = %v, want 2s", cfg.RPC.DefaultTimeout)
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0].Interval != DefaultPollInterval {
		t.Errorf("Topics = %+v", cfg.Topics)
	}
	// Untouched sections keep defaults.
	if cfg.EventBus.HistorySize != DefaultHistorySize {
		t.Errorf("EventBus.HistorySize = %d, want default", cfg.EventBus.HistorySize)
	}
	if cfg.Store.Workers != DefaultStoreWorkers || cfg.Store.RequestTimeout != DefaultStoreTimeout {
		t.Errorf("Store = %+v, want defaults", cfg.Store)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DROID_SECRET", "expanded-secret")
	t.Setenv("TEST_DROID_ORIGIN", "https://example.test")

	path := writeConfig(t, "gateway.yaml", `
gateway:
  origin: "${TEST_DROID_ORIGIN}"
auth:
  jwt_secret: "${TEST_DROID_SECRET}"
  token: "${TEST_DROID_UNSET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "expanded-secret" {
		t.Errorf("Auth.JWTSecret = %q, want expanded-secret", cfg.Auth.JWTSecret)
	}
	if cfg.Gateway.Origin != "https://example.test" {
		t.Errorf("Gateway.Origin = %q", cfg.Gateway.Origin)
	}
	if cfg.Auth.Token != "" {
		t.Errorf("Auth.Token = %q, want empty for unset variable", cfg.Auth.Token)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.RPC.DefaultTimeout != 5*time.Second {
		t.Errorf("RPC.DefaultTimeout = %v, want 5s", cfg.RPC.DefaultTimeout)
	}
	if cfg.EventBus.HistorySize != 100 {
		t.Errorf("EventBus.HistorySize = %d, want 100", cfg.EventBus.HistorySize)
	}
	if cfg.Gateway.Origin != DefaultOrigin {
		t.Errorf("Gateway.Origin = %q", cfg.Gateway.Origin)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad duration",
			content: "rpc:\n  default_timeout: \"soon\"\n",
			wantErr: "rpc.default_timeout",
		},
		{
			name:    "negative duration",
			content: "rpc:\n  default_timeout: \"-1s\"\n",
			wantErr: "must be positive",
		},
		{
			name:    "unknown strategy",
			content: "gateway:\n  strategy: \"worker\"\n",
			wantErr: "gateway.strategy",
		},
		{
			name:    "topic without url",
			content: "topics:\n  - name: metrics\n    kind: poll\n",
			wantErr: "url is required",
		},
		{
			name:    "topic bad kind",
			content: "topics:\n  - name: metrics\n    kind: stream\n    url: http://x\n",
			wantErr: "must be poll or push",
		},
		{
			name:    "duplicate topic",
			content: "topics:\n  - {name: a, kind: poll, url: http://x}\n  - {name: a, kind: poll, url: http://y}\n",
			wantErr: "duplicate topic",
		},
		{
			name:    "bad parser",
			content: "topics:\n  - {name: a, kind: poll, url: http://x, parser: xml}\n",
			wantErr: "parser",
		},
		{
			name:    "bad preload",
			content: "modules:\n  preload: [\"directory\"]\n",
			wantErr: "not a module URL",
		},
		{
			name:    "bad log level",
			content: "logging:\n  level: loud\n",
			wantErr: "logging.level",
		},
		{
			name:    "zero history",
			content: "eventbus:\n  history_size: 0\n",
			wantErr: "history_size",
		},
		{
			name:    "zero store workers",
			content: "store:\n  workers: 0\n",
			wantErr: "store.workers",
		},
		{
			name:    "bad store timeout",
			content: "store:\n  request_timeout: \"later\"\n",
			wantErr: "store.request_timeout",
		},
		{
			name:    "malformed yaml",
			content: "gateway: [unterminated\n",
			wantErr: "parsing config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "gateway.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.RPC.DefaultTimeout != DefaultRPCTimeout {
		t.Errorf("expected defaults, got %+v", cfg.RPC)
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("DROID_CONFIG", "/etc/droid.yaml")
	if got := ResolvePath(); got != "/etc/droid.yaml" {
		t.Errorf("ResolvePath() = %q, want /etc/droid.yaml", got)
	}

	t.Setenv("DROID_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ResolvePath(); got != filepath.Join("/xdg", "droid", "gateway.yaml") {
		t.Errorf("ResolvePath() = %q", got)
	}
}
