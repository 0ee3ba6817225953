package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
	if cfg.Connection.FailTimeout != 20*time.Minute {
		t.Fatalf("expected 20m fail timeout, got %s", cfg.Connection.FailTimeout)
	}
	if cfg.Telemetry.VideoFreezeGap != 500*time.Millisecond {
		t.Fatalf("expected 500ms freeze gap, got %s", cfg.Telemetry.VideoFreezeGap)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "signal url must not be empty",
			mutate: func(c *Config) { c.Signal.URL = "" },
		},
		{
			name:   "pong timeout must exceed ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "fail timeout must exceed lost timeout",
			mutate: func(c *Config) { c.Connection.FailTimeout = c.Connection.LostTimeout },
		},
		{
			name:   "max backoff must not be below initial",
			mutate: func(c *Config) { c.Connection.MaxBackoff = c.Connection.InitialBackoff / 2 },
		},
		{
			name:   "loss threshold must be below one",
			mutate: func(c *Config) { c.Fallback.LossThreshold = 1 },
		},
		{
			name:   "upgrade samples must be > 0",
			mutate: func(c *Config) { c.Fallback.UpgradeSamples = 0 },
		},
		{
			name:   "relay fail timeout must exceed lost timeout",
			mutate: func(c *Config) { c.Relay.FailTimeout = time.Second },
		},
		{
			name:   "telemetry interval must be > 0",
			mutate: func(c *Config) { c.Telemetry.Interval = 0 },
		},
		{
			name: "redis channel required when enabled",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Channel = ""
			},
		},
		{
			name: "tracing sample rate bounded",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 2
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("RTCORE_CHANNEL", "from-env")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Channel != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Engine.Channel)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
engine:
  app_id: "0123456789abcdef0123456789abcdef"
  channel: "room-1"
fallback:
  loss_threshold: 0.2
  upgrade_samples: 3
telemetry:
  interval: 1s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Engine.Channel != "room-1" {
		t.Fatalf("expected channel room-1, got %q", cfg.Engine.Channel)
	}
	if cfg.Fallback.LossThreshold != 0.2 || cfg.Fallback.UpgradeSamples != 3 {
		t.Fatalf("fallback overrides not applied: %+v", cfg.Fallback)
	}
	if cfg.Telemetry.Interval != time.Second {
		t.Fatalf("expected 1s interval, got %s", cfg.Telemetry.Interval)
	}
	// untouched sections keep defaults
	if cfg.Connection.LostTimeout != 10*time.Second {
		t.Fatalf("expected default lost timeout, got %s", cfg.Connection.LostTimeout)
	}
}

func TestLoad_InvalidYAMLValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("fallback:\n  downgrade_samples: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
