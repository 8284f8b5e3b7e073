package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should be valid, got: %v", err)
	}
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("base config should be valid, got: %v", err)
	}
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_RingTimeoutZeroDisables(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Call.RingTimeout = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("zero ring timeout should be valid, got: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name:   "server address",
			mutate: func(c *Config) { c.Server.Address = "" },
		},
		{
			name:   "pong timeout not above ping interval",
			mutate: func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval },
		},
		{
			name:   "relay send queue",
			mutate: func(c *Config) { c.Signal.SendQueueSize = 0 },
		},
		{
			name:   "relay url",
			mutate: func(c *Config) { c.Client.RelayURL = "" },
		},
		{
			name:   "relay url scheme",
			mutate: func(c *Config) { c.Client.RelayURL = "http://localhost:8081/ws" },
		},
		{
			name:   "participant id format",
			mutate: func(c *Config) { c.Client.ParticipantID = "alice smith" },
		},
		{
			name: "ice server scheme",
			mutate: func(c *Config) {
				c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"http://stun.example.org"}}}
			},
		},
		{
			name:   "reconnect without delay",
			mutate: func(c *Config) { c.Client.Reconnect.InitialDelay = 0 },
		},
		{
			name: "reconnect max below initial",
			mutate: func(c *Config) {
				c.Client.Reconnect.InitialDelay = time.Second
				c.Client.Reconnect.MaxDelay = time.Millisecond
			},
		},
		{
			name:   "negative ring timeout",
			mutate: func(c *Config) { c.Call.RingTimeout = -time.Second },
		},
		{
			name:   "unknown candidate event",
			mutate: func(c *Config) { c.Call.CandidateEvent = "ice" },
		},
		{
			name: "half port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50000
			},
		},
		{
			name: "inverted port range",
			mutate: func(c *Config) {
				c.WebRTC.PortRange.Min = 50010
				c.WebRTC.PortRange.Max = 50000
			},
		},
		{
			name:   "failed before disconnected",
			mutate: func(c *Config) { c.WebRTC.FailedTimeout = time.Second },
		},
		{
			name: "redis without channel",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Channel = ""
			},
		},
		{
			name: "redis breaker without timeout",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.BreakerTimeout = 0
			},
		},
		{
			name:   "jwt secret",
			mutate: func(c *Config) { c.Auth.JWTSecret = "" },
		},
		{
			name:   "http rps must be > 0",
			mutate: func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 },
		},
		{
			name:   "ws burst must be > 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 },
		},
		{
			name:   "ws max concurrent must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxConcurrent = -1 },
		},
		{
			name:   "ws max message size must be >= 0",
			mutate: func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 },
		},
		{
			name: "sample rate above one",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.SampleRate = 1.5
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
signal:
  address: ":9001"
call:
  ring_timeout: 20s
  send_decline: true
media:
  retain_stream: true
webrtc:
  ice_servers:
    - urls: ["stun:stun.example.org:3478"]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PEERCALL_PARTICIPANT_ID", "alice")
	t.Setenv("PEERCALL_RING_TIMEOUT", "30s")
	t.Setenv("PEERCALL_REDIS_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Signal.Address != ":9001" {
		t.Errorf("signal.address = %q", cfg.Signal.Address)
	}
	if !cfg.Call.SendDecline || !cfg.Media.RetainStream {
		t.Errorf("yaml booleans not applied: %+v %+v", cfg.Call, cfg.Media)
	}
	if cfg.Call.RingTimeout != 30*time.Second {
		t.Errorf("env ring timeout not applied, got %s", cfg.Call.RingTimeout)
	}
	if cfg.Client.ParticipantID != "alice" {
		t.Errorf("participant id = %q", cfg.Client.ParticipantID)
	}
	if len(cfg.WebRTC.ICEServers) != 1 || cfg.WebRTC.ICEServers[0].URLs[0] != "stun:stun.example.org:3478" {
		t.Errorf("ice servers = %+v", cfg.WebRTC.ICEServers)
	}
	if cfg.Server.Address != DefaultConfig().Server.Address {
		t.Errorf("unset fields should keep defaults, got %q", cfg.Server.Address)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.RingTimeout != 45*time.Second {
		t.Errorf("ring timeout = %s", cfg.Call.RingTimeout)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("PEERCALL_SEND_DECLINE", "sometimes")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unparsable bool override")
	}
}

func TestLoadFirst(t *testing.T) {
	dir := t.TempDir()
	second := filepath.Join(dir, "second.yaml")
	if err := os.WriteFile(second, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFirst(filepath.Join(dir, "first.yaml"), second)
	if err != nil {
		t.Fatalf("LoadFirst: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}
