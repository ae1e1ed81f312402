package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
transport: nats
nats:
  url: nats://broker:4222
presence:
  idle_threshold: 2m
  heartbeat_interval: 30s
notifications:
  alert_types: [match]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport != TransportNATS || cfg.NATS.URL != "nats://broker:4222" {
		t.Errorf("unexpected transport settings: %+v", cfg.NATS)
	}
	if cfg.Presence.IdleThreshold != 2*time.Minute || cfg.Presence.HeartbeatInterval != 30*time.Second {
		t.Errorf("unexpected presence timings: %+v", cfg.Presence)
	}
	if len(cfg.Notifications.AlertTypes) != 1 {
		t.Errorf("alert types not replaced: %v", cfg.Notifications.AlertTypes)
	}
	// Untouched keys keep their defaults.
	if cfg.Conversation.AckTimeout != 15*time.Second {
		t.Errorf("ack timeout = %s, want default", cfg.Conversation.AckTimeout)
	}
	if cfg.NATS.Name != "presence-sync" {
		t.Errorf("nats name = %q, want default", cfg.NATS.Name)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "presence: [")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SYNC_URL", "wss://sync.example.com/ws")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("METRICS_ADDR", "")
	t.Setenv("IDLE_THRESHOLD", "10m")
	t.Setenv("ACK_TIMEOUT", "5s")
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "3")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.WebSocket.URL != "wss://sync.example.com/ws" {
		t.Errorf("url = %q", cfg.WebSocket.URL)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("an empty METRICS_ADDR should disable metrics, got %q", cfg.Metrics.Addr)
	}
	if cfg.Presence.IdleThreshold != 10*time.Minute {
		t.Errorf("idle threshold = %s", cfg.Presence.IdleThreshold)
	}
	if cfg.Conversation.AckTimeout != 5*time.Second {
		t.Errorf("ack timeout = %s", cfg.Conversation.AckTimeout)
	}
	if cfg.ConnectionConfig().MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.ConnectionConfig().MaxAttempts)
	}
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	if err := Default().ApplyEnv(); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"heartbeat not below idle", func(c *Config) { c.Presence.HeartbeatInterval = c.Presence.IdleThreshold }},
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }},
		{"missing ws url", func(c *Config) { c.WebSocket.URL = "" }},
		{"missing nats url", func(c *Config) {
			c.Transport = TransportNATS
			c.NATS.URL = ""
		}},
		{"zero ack timeout", func(c *Config) { c.Conversation.AckTimeout = 0 }},
		{"zero page size", func(c *Config) { c.API.PageSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Connection.BackoffBase = time.Second

	if got := cfg.ConnectionConfig().Backoff.Base; got != time.Second {
		t.Errorf("backoff base = %s", got)
	}
	if got := cfg.WebSocketDialer().URL; got != cfg.WebSocket.URL {
		t.Errorf("ws url = %q", got)
	}
	if got := cfg.NATSDialer().Name; got != cfg.NATS.Name {
		t.Errorf("nats name = %q", got)
	}
	if got := cfg.ConversationConfig().PreviewLength; got != 80 {
		t.Errorf("preview length = %d", got)
	}
}
