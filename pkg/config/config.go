package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"snapmesh/pkg/tracing"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	// Signal configures the announce tracker peers negotiate through.
	Signal struct {
		Host             string        `yaml:"host"`
		PublicHost       string        `yaml:"public_host"`
		Secure           bool          `yaml:"secure"`
		Port             int           `yaml:"port"`
		PortProbeCount   int           `yaml:"port_probe_count"`
		BindTimeout      time.Duration `yaml:"bind_timeout"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxMessageBytes  int64         `yaml:"max_message_bytes"`
		MaxOffers        int           `yaml:"max_offers"`
		AnnounceInterval time.Duration `yaml:"announce_interval"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Geo struct {
		Enabled           bool          `yaml:"enabled"`
		ProviderURL       string        `yaml:"provider_url"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
		BreakerFailures   int           `yaml:"breaker_failures"`
		BreakerCooldown   time.Duration `yaml:"breaker_cooldown"`
	} `yaml:"geo"`

	Events struct {
		SubscriberBuffer int `yaml:"subscriber_buffer"`
		InternalBuffer   int `yaml:"internal_buffer"`
	} `yaml:"events"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Redis mirrors bus events to other instances when enabled.
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
		Channel  string `yaml:"channel"`
	} `yaml:"redis"`

	Tracing tracing.Config `yaml:"tracing"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	if c.Signal.Port < 0 || c.Signal.Port > 65535 {
		return fmt.Errorf("signal.port must be within 0..65535")
	}
	if c.Signal.PortProbeCount < 0 {
		return fmt.Errorf("signal.port_probe_count must be >= 0")
	}
	if c.Signal.BindTimeout <= 0 {
		return fmt.Errorf("signal.bind_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.MaxMessageBytes <= 0 {
		return fmt.Errorf("signal.max_message_bytes must be > 0")
	}
	if c.Signal.MaxOffers <= 0 {
		return fmt.Errorf("signal.max_offers must be > 0")
	}

	if c.Geo.Enabled {
		if c.Geo.ProviderURL == "" {
			return fmt.Errorf("geo.provider_url must not be empty when geo.enabled=true")
		}
		if c.Geo.Timeout <= 0 {
			return fmt.Errorf("geo.timeout must be > 0")
		}
		if c.Geo.RequestsPerSecond <= 0 || c.Geo.Burst <= 0 {
			return fmt.Errorf("geo.requests_per_second and geo.burst must be > 0")
		}
	}

	if c.Events.SubscriberBuffer <= 0 || c.Events.InternalBuffer <= 0 {
		return fmt.Errorf("events buffers must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Tracing.Enabled && (c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be within 0..1")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 0 // push streams stay open
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}

	cfg.Signal.Host = ""
	cfg.Signal.PublicHost = "localhost"
	cfg.Signal.Port = 8000
	cfg.Signal.PortProbeCount = 10
	cfg.Signal.BindTimeout = 10 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.MaxMessageBytes = 256 * 1024
	cfg.Signal.MaxOffers = 10
	cfg.Signal.AnnounceInterval = 2 * time.Minute
	cfg.Signal.ShutdownTimeout = 5 * time.Second

	cfg.Geo.Enabled = true
	cfg.Geo.ProviderURL = "https://ipwho.is/%s"
	cfg.Geo.Timeout = 3 * time.Second
	cfg.Geo.RequestsPerSecond = 10
	cfg.Geo.Burst = 20
	cfg.Geo.BreakerFailures = 5
	cfg.Geo.BreakerCooldown = 30 * time.Second

	cfg.Events.SubscriberBuffer = 64
	cfg.Events.InternalBuffer = 4096

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.Channel = "snapmesh:events"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() error {
	if addr := os.Getenv("SNAPMESH_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if host := os.Getenv("SNAPMESH_SIGNAL_PUBLIC_HOST"); host != "" {
		c.Signal.PublicHost = host
	}
	if port := os.Getenv("SNAPMESH_SIGNAL_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid SNAPMESH_SIGNAL_PORT %q: %w", port, err)
		}
		c.Signal.Port = p
	}
	if level := os.Getenv("SNAPMESH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("SNAPMESH_GEO_PROVIDER_URL"); url != "" {
		c.Geo.ProviderURL = url
	}
	if addr := os.Getenv("SNAPMESH_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	return nil
}
