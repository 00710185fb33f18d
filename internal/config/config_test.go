package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Raffle.EntranceFee != 10000000 {
		t.Errorf("EntranceFee = %d, want 0.1 units", cfg.Raffle.EntranceFee)
	}
	if cfg.Randomness.NumWords != 1 {
		t.Errorf("NumWords = %d, want 1", cfg.Randomness.NumWords)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	body := `
server:
  host: 127.0.0.1
  port: 9191
  cors_origins:
    - https://dashboard.example.com
raffle:
  entrance_fee: 25000
  interval_seconds: 60
randomness:
  auto_fulfill: false
  seed: deadbeef
keeper:
  enabled: false
relay:
  redis_addr: localhost:6379
  channel: test.events
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9191 {
		t.Errorf("server = %s:%d, want 127.0.0.1:9191", cfg.Server.Host, cfg.Server.Port)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://dashboard.example.com" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Raffle.EntranceFee != 25000 {
		t.Errorf("EntranceFee = %d, want 25000", cfg.Raffle.EntranceFee)
	}
	if cfg.Raffle.IntervalSeconds != 60 {
		t.Errorf("IntervalSeconds = %d, want 60", cfg.Raffle.IntervalSeconds)
	}
	if cfg.Randomness.AutoFulfill {
		t.Error("AutoFulfill = true, want false")
	}
	if cfg.Randomness.Seed != "deadbeef" {
		t.Errorf("Seed = %q, want deadbeef", cfg.Randomness.Seed)
	}
	if cfg.Keeper.Enabled {
		t.Error("Keeper.Enabled = true, want false")
	}
	if cfg.Relay.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Relay.RedisAddr)
	}
	// Unset sections keep their defaults.
	if cfg.Events.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want default 1000", cfg.Events.BufferSize)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("RAFFLE_SERVER_PORT", "9443")
	t.Setenv("RAFFLE_ENTRANCE_FEE", "42")
	t.Setenv("RAFFLE_LOG_LEVEL", "warn")

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Server.Port != 9443 {
		t.Errorf("Port = %d, want env override 9443", cfg.Server.Port)
	}
	if cfg.Raffle.EntranceFee != 42 {
		t.Errorf("EntranceFee = %d, want env override 42", cfg.Raffle.EntranceFee)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"negative fee", func(c *Config) { c.Raffle.EntranceFee = -1 }, "entrance_fee"},
		{"zero interval", func(c *Config) { c.Raffle.IntervalSeconds = 0 }, "interval_seconds"},
		{"zero words", func(c *Config) { c.Randomness.NumWords = 0 }, "num_words"},
		{"keeper without cadence", func(c *Config) {
			c.Keeper.Enabled = true
			c.Keeper.Schedule = ""
			c.Keeper.IntervalSeconds = 0
		}, "keeper"},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }, "buffer_size"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
