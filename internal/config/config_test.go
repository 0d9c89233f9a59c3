package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Health.PingInterval != 30*time.Second {
		t.Errorf("health.ping_interval = %v, want 30s", cfg.Health.PingInterval)
	}
	if cfg.Health.StaleAfter != 5*time.Minute {
		t.Errorf("health.stale_after = %v, want 5m", cfg.Health.StaleAfter)
	}
	if cfg.Offline.TTL != 12*time.Hour {
		t.Errorf("offline.ttl = %v, want 12h", cfg.Offline.TTL)
	}
	if cfg.Calls.RingTimeout != 30*time.Second {
		t.Errorf("calls.ring_timeout = %v, want 30s", cfg.Calls.RingTimeout)
	}
	if _, ok := cfg.RateLimit.Actions["send_message"]; !ok {
		t.Error("default rate limit budget for send_message missing")
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	body := `
auth:
  jwt_secret: test-secret
server:
  port: 9099
offline:
  max_per_user: 50
calls:
  ring_timeout: 15s
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9099 {
		t.Errorf("server.port = %d, want 9099", cfg.Server.Port)
	}
	if cfg.Offline.MaxPerUser != 50 {
		t.Errorf("offline.max_per_user = %d, want 50", cfg.Offline.MaxPerUser)
	}
	if cfg.Calls.RingTimeout != 15*time.Second {
		t.Errorf("calls.ring_timeout = %v, want 15s", cfg.Calls.RingTimeout)
	}
	// Untouched fields keep defaults.
	if cfg.Offline.TTL != 12*time.Hour {
		t.Errorf("offline.ttl = %v, want default 12h", cfg.Offline.TTL)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("BEACON_TEST_SECRET", "from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	body := "auth:\n  jwt_secret: ${BEACON_TEST_SECRET}\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("auth.jwt_secret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"zero registry cap", func(c *Config) { c.Registry.MaxConnections = 0 }},
		{"zero dedupe window", func(c *Config) { c.Dedupe.Window = 0 }},
		{"inverted water marks", func(c *Config) {
			c.Governor.MemoryHighWater = 1
			c.Governor.MemoryLowWater = 2
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.JWTSecret = "secret"
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}
