package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Relay struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		PollHold        time.Duration `yaml:"poll_hold"`
		PollIdleTimeout time.Duration `yaml:"poll_idle_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"relay"`

	Signaling struct {
		URL                  string        `yaml:"url"`      // ws://host/ws
		PollURL              string        `yaml:"poll_url"` // http://host/poll
		Transports           []string      `yaml:"transports"`
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		MaxConnectAttempts   int           `yaml:"max_connect_attempts"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		InitialBackoff       time.Duration `yaml:"initial_backoff"`
		MaxBackoff           time.Duration `yaml:"max_backoff"`
		PingInterval         time.Duration `yaml:"ping_interval"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		GatherTimeout   time.Duration `yaml:"gather_timeout"`
		DisconnectGrace time.Duration `yaml:"disconnect_grace"`
		TrickleICE      bool          `yaml:"trickle_ice"`
	} `yaml:"webrtc"`

	Reconnect struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	} `yaml:"reconnect"`

	Quality struct {
		InitialTier        string        `yaml:"initial_tier"`
		StatsInterval      time.Duration `yaml:"stats_interval"`
		HighLossRatio      float64       `yaml:"high_loss_ratio"`
		LowLossRatio       float64       `yaml:"low_loss_ratio"`
		LowBitrateFloor    int64         `yaml:"low_bitrate_floor"`    // bits per second
		HighBitrateCeiling int64         `yaml:"high_bitrate_ceiling"` // bits per second
		MinSwitchInterval  time.Duration `yaml:"min_switch_interval"`
	} `yaml:"quality"`

	Media struct {
		Provider        string        `yaml:"provider"` // devices or synthetic
		Profile         string        `yaml:"profile"`  // runtime profile override, empty = detect
		AudioRetryDelay time.Duration `yaml:"audio_retry_delay"`
		StepTimeout     time.Duration `yaml:"step_timeout"`
	} `yaml:"media"`

	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"api"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		Signaling struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"signaling"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Relay
	if c.Relay.Address == "" {
		return fmt.Errorf("relay.address must not be empty")
	}
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be > relay.ping_interval")
	}
	if c.Relay.PollHold <= 0 {
		return fmt.Errorf("relay.poll_hold must be > 0")
	}

	// Signaling
	if c.Signaling.URL == "" && c.Signaling.PollURL == "" {
		return fmt.Errorf("signaling.url or signaling.poll_url must be set")
	}
	if len(c.Signaling.Transports) == 0 {
		return fmt.Errorf("signaling.transports must list at least one transport")
	}
	for _, t := range c.Signaling.Transports {
		if t != "websocket" && t != "polling" {
			return fmt.Errorf("signaling.transports: unknown transport %q", t)
		}
	}
	if c.Signaling.ConnectTimeout <= 0 {
		return fmt.Errorf("signaling.connect_timeout must be > 0")
	}
	if c.Signaling.MaxConnectAttempts <= 0 {
		return fmt.Errorf("signaling.max_connect_attempts must be > 0")
	}
	if c.Signaling.MaxReconnectAttempts < 0 {
		return fmt.Errorf("signaling.max_reconnect_attempts must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.GatherTimeout <= 0 {
		return fmt.Errorf("webrtc.gather_timeout must be > 0")
	}
	if c.WebRTC.DisconnectGrace <= 0 {
		return fmt.Errorf("webrtc.disconnect_grace must be > 0")
	}

	// Reconnect
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be > 0")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay must be >= reconnect.base_delay")
	}

	// Quality
	switch c.Quality.InitialTier {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("quality.initial_tier must be one of low, medium, high")
	}
	if c.Quality.StatsInterval <= 0 {
		return fmt.Errorf("quality.stats_interval must be > 0")
	}
	if c.Quality.LowLossRatio < 0 || c.Quality.HighLossRatio > 1 || c.Quality.LowLossRatio >= c.Quality.HighLossRatio {
		return fmt.Errorf("quality loss ratios must satisfy 0 <= low_loss_ratio < high_loss_ratio <= 1")
	}
	if c.Quality.LowBitrateFloor < 0 || c.Quality.LowBitrateFloor >= c.Quality.HighBitrateCeiling {
		return fmt.Errorf("quality bitrates must satisfy 0 <= low_bitrate_floor < high_bitrate_ceiling")
	}

	// Media
	if c.Media.Provider != "devices" && c.Media.Provider != "synthetic" {
		return fmt.Errorf("media.provider must be devices or synthetic")
	}
	if c.Media.AudioRetryDelay < 0 {
		return fmt.Errorf("media.audio_retry_delay must be >= 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerURL == "" {
		return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
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
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signaling.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.signaling.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signaling.Burst <= 0 {
			return fmt.Errorf("rate_limiting.signaling.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Signaling.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.signaling.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Relay.Address = ":8081"
	cfg.Relay.PingInterval = 30 * time.Second
	cfg.Relay.PongTimeout = 60 * time.Second
	cfg.Relay.WriteTimeout = 10 * time.Second
	cfg.Relay.PollHold = 20 * time.Second
	cfg.Relay.PollIdleTimeout = 60 * time.Second
	cfg.Relay.ShutdownTimeout = 15 * time.Second

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.PollURL = "http://localhost:8081/poll"
	cfg.Signaling.Transports = []string{"websocket", "polling"}
	cfg.Signaling.ConnectTimeout = 10 * time.Second
	cfg.Signaling.MaxConnectAttempts = 3
	cfg.Signaling.MaxReconnectAttempts = 10
	cfg.Signaling.InitialBackoff = 500 * time.Millisecond
	cfg.Signaling.MaxBackoff = 5 * time.Second
	cfg.Signaling.PingInterval = 25 * time.Second
	cfg.Signaling.WriteTimeout = 5 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	cfg.WebRTC.GatherTimeout = 5 * time.Second
	cfg.WebRTC.DisconnectGrace = 5 * time.Second
	cfg.WebRTC.TrickleICE = false

	cfg.Reconnect.MaxAttempts = 3
	cfg.Reconnect.BaseDelay = time.Second
	cfg.Reconnect.MaxDelay = 30 * time.Second

	cfg.Quality.InitialTier = "high"
	cfg.Quality.StatsInterval = 2 * time.Second
	cfg.Quality.HighLossRatio = 0.10
	cfg.Quality.LowLossRatio = 0.02
	cfg.Quality.LowBitrateFloor = 500_000
	cfg.Quality.HighBitrateCeiling = 2_000_000
	cfg.Quality.MinSwitchInterval = 4 * time.Second

	cfg.Media.Provider = "devices"
	cfg.Media.AudioRetryDelay = 500 * time.Millisecond
	cfg.Media.StepTimeout = 10 * time.Second

	cfg.API.BaseURL = "http://localhost:8081/api/v1"
	cfg.API.Timeout = 5 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.Signaling.MessagesPerSecond = 50
	cfg.RateLimiting.Signaling.Burst = 100
	cfg.RateLimiting.Signaling.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVESTAGE_RELAY_ADDRESS"); addr != "" {
		c.Relay.Address = addr
	}
	if url := os.Getenv("LIVESTAGE_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if url := os.Getenv("LIVESTAGE_SIGNALING_POLL_URL"); url != "" {
		c.Signaling.PollURL = url
	}
	if url := os.Getenv("LIVESTAGE_API_BASE_URL"); url != "" {
		c.API.BaseURL = url
	}
	if provider := os.Getenv("LIVESTAGE_MEDIA_PROVIDER"); provider != "" {
		c.Media.Provider = provider
	}
	if level := os.Getenv("LIVESTAGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("LIVESTAGE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if v := os.Getenv("LIVESTAGE_RECONNECT_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Reconnect.MaxAttempts = n
		}
	}
}
