package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"peercall/pkg/validation"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	// Server is the call client's local control API.
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal is the relay server.
	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		SendQueueSize   int           `yaml:"send_queue_size"`
	} `yaml:"signal"`

	// Client is how the call client reaches the relay.
	Client struct {
		RelayURL      string `yaml:"relay_url"`
		ParticipantID string `yaml:"participant_id"`
		DisplayName   string `yaml:"display_name"`
		Token         string `yaml:"token"`
		SendQueueSize int    `yaml:"send_queue_size"`

		Reconnect struct {
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"reconnect"`
	} `yaml:"client"`

	Call struct {
		RingTimeout     time.Duration `yaml:"ring_timeout"`
		SendDecline     bool          `yaml:"send_decline"`
		GlareAutoAccept bool          `yaml:"glare_auto_accept"`
		CandidateEvent  string        `yaml:"candidate_event"`
	} `yaml:"call"`

	Media struct {
		Enabled      bool `yaml:"enabled"`
		RetainStream bool `yaml:"retain_stream"`
		Video        bool `yaml:"video"`
	} `yaml:"media"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
		FailedTimeout       time.Duration `yaml:"failed_timeout"`
		KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Password    string        `yaml:"password"`
		DB          int           `yaml:"db"`
		PoolSize    int           `yaml:"pool_size"`
		Channel     string        `yaml:"channel"`
		PresenceTTL time.Duration `yaml:"presence_ttl"`

		// BreakerThreshold consecutive failures open the circuit around
		// Redis calls for BreakerTimeout. Zero disables the breaker.
		BreakerThreshold int           `yaml:"breaker_threshold"`
		BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
	} `yaml:"redis"`

	Auth struct {
		Required       bool          `yaml:"required"`
		JWTSecret      string        `yaml:"jwt_secret"`
		TokenTTL       time.Duration `yaml:"token_ttl"`
		Issuer         string        `yaml:"issuer"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxConcurrent       int     `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > ping_interval")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	// Client
	if c.Client.RelayURL == "" {
		return fmt.Errorf("client.relay_url must not be empty")
	}
	if err := validation.ValidateURL(c.Client.RelayURL, "ws", "wss"); err != nil {
		return fmt.Errorf("client.relay_url: %w", err)
	}
	if c.Client.ParticipantID != "" {
		if err := validation.ValidateParticipantID(c.Client.ParticipantID); err != nil {
			return fmt.Errorf("client.participant_id: %w", err)
		}
	}
	if c.Client.SendQueueSize <= 0 {
		return fmt.Errorf("client.send_queue_size must be > 0")
	}
	if c.Client.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("client.reconnect.max_attempts must be >= 0")
	}
	if c.Client.Reconnect.MaxAttempts > 0 && c.Client.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("client.reconnect.initial_delay must be > 0 when reconnecting")
	}
	if c.Client.Reconnect.MaxDelay < c.Client.Reconnect.InitialDelay {
		return fmt.Errorf("client.reconnect.max_delay must be >= initial_delay")
	}

	// Call
	if c.Call.RingTimeout < 0 {
		return fmt.Errorf("call.ring_timeout must be >= 0")
	}
	switch c.Call.CandidateEvent {
	case "candidate", "iceCandidate":
	default:
		return fmt.Errorf("call.candidate_event must be candidate or iceCandidate, got %q", c.Call.CandidateEvent)
	}

	// WebRTC
	for i, server := range c.WebRTC.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("webrtc.ice_servers[%d] needs at least one url", i)
		}
		for _, u := range server.URLs {
			if err := validation.ValidateICEServerURL(u); err != nil {
				return fmt.Errorf("webrtc.ice_servers[%d]: %w", i, err)
			}
		}
	}
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.DisconnectedTimeout <= 0 || c.WebRTC.FailedTimeout <= 0 || c.WebRTC.KeepAliveInterval <= 0 {
		return fmt.Errorf("webrtc ice timeouts must be > 0")
	}
	if c.WebRTC.FailedTimeout < c.WebRTC.DisconnectedTimeout {
		return fmt.Errorf("webrtc.failed_timeout must be >= disconnected_timeout")
	}

	// Monitoring
	if c.Monitoring.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel must not be empty when redis.enabled=true")
		}
		if c.Redis.PresenceTTL <= 0 {
			return fmt.Errorf("redis.presence_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.BreakerThreshold < 0 {
			return fmt.Errorf("redis.breaker_threshold must be >= 0")
		}
		if c.Redis.BreakerThreshold > 0 && c.Redis.BreakerTimeout <= 0 {
			return fmt.Errorf("redis.breaker_timeout must be > 0 when redis.breaker_threshold > 0")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
	}
	if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
		return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFirst loads the first existing path, or defaults when none exists.
func LoadFirst(paths ...string) (*Config, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Load("")
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = "127.0.0.1:8090"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 15 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second
	cfg.Signal.SendQueueSize = 256

	cfg.Client.RelayURL = "ws://localhost:8081/ws"
	cfg.Client.SendQueueSize = 128
	cfg.Client.Reconnect.MaxAttempts = 5
	cfg.Client.Reconnect.InitialDelay = 500 * time.Millisecond
	cfg.Client.Reconnect.MaxDelay = 10 * time.Second

	cfg.Call.RingTimeout = 45 * time.Second
	cfg.Call.SendDecline = false
	cfg.Call.GlareAutoAccept = true
	cfg.Call.CandidateEvent = "candidate"

	cfg.Media.Enabled = true
	cfg.Media.RetainStream = false
	cfg.Media.Video = true

	cfg.WebRTC.DisconnectedTimeout = 5 * time.Second
	cfg.WebRTC.FailedTimeout = 25 * time.Second
	cfg.WebRTC.KeepAliveInterval = 2 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.HealthCheckInterval = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "peercall:signal"
	cfg.Redis.PresenceTTL = 2 * time.Minute
	cfg.Redis.BreakerThreshold = 5
	cfg.Redis.BreakerTimeout = 10 * time.Second

	cfg.Auth.Required = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Auth.Issuer = "peercall"
	cfg.Auth.AllowedOrigins = []string{"*"}

	// disabled by default
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	stringVars := map[string]*string{
		"PEERCALL_SERVER_ADDRESS":  &c.Server.Address,
		"PEERCALL_SIGNAL_ADDRESS":  &c.Signal.Address,
		"PEERCALL_RELAY_URL":       &c.Client.RelayURL,
		"PEERCALL_PARTICIPANT_ID":  &c.Client.ParticipantID,
		"PEERCALL_DISPLAY_NAME":    &c.Client.DisplayName,
		"PEERCALL_TOKEN":           &c.Client.Token,
		"PEERCALL_CANDIDATE_EVENT": &c.Call.CandidateEvent,
		"PEERCALL_LOG_LEVEL":       &c.Logging.Level,
		"PEERCALL_REDIS_ADDRESS":   &c.Redis.Address,
		"PEERCALL_REDIS_PASSWORD":  &c.Redis.Password,
		"PEERCALL_JWT_SECRET":      &c.Auth.JWTSecret,
		"PEERCALL_JAEGER_URL":      &c.Tracing.JaegerURL,
	}
	for key, dst := range stringVars {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"PEERCALL_SEND_DECLINE":    &c.Call.SendDecline,
		"PEERCALL_MEDIA_ENABLED":   &c.Media.Enabled,
		"PEERCALL_REDIS_ENABLED":   &c.Redis.Enabled,
		"PEERCALL_AUTH_REQUIRED":   &c.Auth.Required,
		"PEERCALL_TRACING_ENABLED": &c.Tracing.Enabled,
	}
	for key, dst := range bools {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = b
	}

	if v := os.Getenv("PEERCALL_RING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PEERCALL_RING_TIMEOUT: %w", err)
		}
		c.Call.RingTimeout = d
	}
	return nil
}
