// Package config provides configuration structures and loading logic for the
// dispatch service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/dispatch-oss/pkg/domain"
)

// Config holds the global configuration for the dispatch service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Registry  RegistryConfig  `yaml:"registry"`
	Match     MatchConfig     `yaml:"match"`
	Cache     CacheConfig     `yaml:"cache"`
	Engine    EngineConfig    `yaml:"engine"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// RegistryConfig holds descriptor source configuration.
type RegistryConfig struct {
	// DescriptorPaths lists the YAML files handler descriptors are loaded from.
	DescriptorPaths []string `yaml:"descriptor_paths"`
	// Watch enables live reload when a descriptor file changes on disk.
	Watch bool `yaml:"watch"`
}

// MatchConfig holds the keyword matching tunables.
type MatchConfig struct {
	MaxInputLength    int     `yaml:"max_input_length"`
	PhraseBonus       float64 `yaml:"phrase_bonus"`
	CategoryBoost     float64 `yaml:"category_boost"`
	ParallelThreshold float64 `yaml:"parallel_threshold"`
}

// CacheConfig selects and tunes the result cache backend.
type CacheConfig struct {
	// Backend is "memory" (default) or "redis".
	Backend  string        `yaml:"backend"`
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
	Redis    RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the redis cache backend settings.
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EngineConfig holds the execution engine tunables.
type EngineConfig struct {
	MaxFanOut   int           `yaml:"max_fan_out"`
	Workers     int           `yaml:"workers"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// BreakerConfig holds the per-handler circuit breaker tunables.
type BreakerConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	CoolDown          time.Duration `yaml:"cool_down"`
	Window            time.Duration `yaml:"window"`
	MaxCoolDownFactor int           `yaml:"max_cool_down_factor"`
}

// DispatchConfig holds the tandem dispatcher tunables.
type DispatchConfig struct {
	// FastPath selects fast-path availability: auto, on or off.
	FastPath                 string        `yaml:"fast_path"`
	FastFailureRateThreshold float64       `yaml:"fast_failure_rate_threshold"`
	MaxRetries               int           `yaml:"max_retries"`
	InitialBackoff           time.Duration `yaml:"initial_backoff"`
	MaxBackoff               time.Duration `yaml:"max_backoff"`
}

// PolicyConfig holds the optional Rego dispatch guard settings.
type PolicyConfig struct {
	// ModulePath points at the Rego policy file; empty disables the guard.
	ModulePath string `yaml:"module_path"`
	Entrypoint string `yaml:"entrypoint"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Environment  string `yaml:"environment"`
	Insecure     bool   `yaml:"insecure"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			ListenAddress: ":8090",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: "memory",
		},
		Dispatch: DispatchConfig{
			FastPath: "auto",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "dispatch",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("DISPATCH_LISTEN_ADDR"); val != "" {
		cfg.Server.ListenAddress = val
	}

	if val := os.Getenv("DISPATCH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("DISPATCH_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("DISPATCH_REDIS_ADDR"); val != "" {
		cfg.Cache.Backend = "redis"
		cfg.Cache.Redis.Address = val
	}
	if val := os.Getenv("DISPATCH_REDIS_PASSWORD"); val != "" {
		cfg.Cache.Redis.Password = val
	}
	if val := os.Getenv("DISPATCH_REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Cache.Redis.DB = db
		}
	}

	if val := os.Getenv("DISPATCH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
}

// Validate checks the configuration for invalid combinations. Failures wrap
// domain.ErrConfigInvalid so callers can classify them.
func (c *Config) Validate() error {
	if len(c.Registry.DescriptorPaths) == 0 {
		return fmt.Errorf("%w: registry.descriptor_paths must list at least one source", domain.ErrConfigInvalid)
	}

	switch c.Cache.Backend {
	case "", "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("%w: cache.redis.address is required when cache.backend is redis", domain.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache backend %q (want memory or redis)", domain.ErrConfigInvalid, c.Cache.Backend)
	}

	switch c.Dispatch.FastPath {
	case "", "auto", "on", "off":
	default:
		return fmt.Errorf("%w: unknown dispatch.fast_path %q (want auto, on or off)", domain.ErrConfigInvalid, c.Dispatch.FastPath)
	}

	if c.Engine.MaxFanOut < 0 || c.Engine.Workers < 0 {
		return fmt.Errorf("%w: engine limits must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}
