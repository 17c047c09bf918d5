// Package config loads service configuration from an optional YAML file
// and explicit environment overrides. Environment always wins; absent
// store connections activate the in-memory fallbacks at wiring time.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type ServiceConfig struct {
	Port                  int    `mapstructure:"port" yaml:"port"`
	LogLevel              string `mapstructure:"log_level" yaml:"log_level"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	BackendTimeoutSeconds int    `mapstructure:"backend_timeout_seconds" yaml:"backend_timeout_seconds"`
	ShutdownGraceSeconds  int    `mapstructure:"shutdown_grace_seconds" yaml:"shutdown_grace_seconds"`
}

type EmbeddingConfig struct {
	// BaseURL of the embedding provider; empty selects the local
	// deterministic embedder.
	BaseURL         string `mapstructure:"base_url" yaml:"base_url"`
	Model           string `mapstructure:"model" yaml:"model"`
	Dimension       int    `mapstructure:"dimension" yaml:"dimension"`
	CacheSize       int    `mapstructure:"cache_size" yaml:"cache_size"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
}

type VectorConfig struct {
	URL    string `mapstructure:"url" yaml:"url"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
}

type GraphConfig struct {
	URI      string `mapstructure:"uri" yaml:"uri"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	Database string `mapstructure:"database" yaml:"database"`
}

type KVConfig struct {
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

type ForgettingConfig struct {
	TTLDays       float64 `mapstructure:"ttl_days" yaml:"ttl_days"`
	Alpha         float64 `mapstructure:"alpha" yaml:"alpha"`
	Beta          float64 `mapstructure:"beta" yaml:"beta"`
	Gamma         float64 `mapstructure:"gamma" yaml:"gamma"`
	Threshold     float64 `mapstructure:"threshold" yaml:"threshold"`
	IntervalHours int     `mapstructure:"interval_hours" yaml:"interval_hours"`
}

type RateLimitConfig struct {
	// RPS of 0 disables the limiter.
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
}

type Config struct {
	Service    ServiceConfig    `mapstructure:"service" yaml:"service"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding"`
	Vector     VectorConfig     `mapstructure:"vector" yaml:"vector"`
	Graph      GraphConfig      `mapstructure:"graph" yaml:"graph"`
	KV         KVConfig         `mapstructure:"kv" yaml:"kv"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Forgetting ForgettingConfig `mapstructure:"forgetting" yaml:"forgetting"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// Tunables is the hot-reloadable subset watched by the Manager.
type Tunables struct {
	Forgetting ForgettingConfig
	RateLimit  RateLimitConfig
}

func Defaults() Config {
	return Config{
		Service: ServiceConfig{
			Port:                  8081,
			LogLevel:              "info",
			RequestTimeoutSeconds: 30,
			BackendTimeoutSeconds: 5,
			ShutdownGraceSeconds:  10,
		},
		Embedding: EmbeddingConfig{
			Model:           "text-embedding-3-small",
			Dimension:       1536,
			CacheSize:       1024,
			CacheTTLSeconds: 3600,
		},
		Graph: GraphConfig{
			Database: "neo4j",
		},
		Forgetting: ForgettingConfig{
			TTLDays:       30,
			Alpha:         0.5,
			Beta:          0.3,
			Gamma:         0.2,
			Threshold:     0,
			IntervalHours: 24,
		},
	}
}

// Load merges defaults, the optional YAML file named by LTM_CONFIG_PATH,
// and environment overrides, then validates the result.
func Load() (*Config, error) {
	cfg := Defaults()

	if cfgPath := os.Getenv("LTM_CONFIG_PATH"); cfgPath != "" {
		v := viper.New()
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config %s: %w", cfgPath, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt("PORT", &cfg.Service.Port)
	setString("LOG_LEVEL", &cfg.Service.LogLevel)
	setInt("LTM_REQUEST_TIMEOUT_SECONDS", &cfg.Service.RequestTimeoutSeconds)
	setInt("LTM_BACKEND_TIMEOUT_SECONDS", &cfg.Service.BackendTimeoutSeconds)
	setInt("LTM_SHUTDOWN_GRACE_SECONDS", &cfg.Service.ShutdownGraceSeconds)

	setString("LTM_EMBEDDING_URL", &cfg.Embedding.BaseURL)
	setString("LTM_EMBED_MODEL", &cfg.Embedding.Model)
	setInt("LTM_EMBED_DIM", &cfg.Embedding.Dimension)
	setInt("EMBED_CACHE_SIZE", &cfg.Embedding.CacheSize)
	setInt("EMBED_CACHE_TTL_SECONDS", &cfg.Embedding.CacheTTLSeconds)

	setString("QDRANT_URL", &cfg.Vector.URL)
	setString("QDRANT_API_KEY", &cfg.Vector.APIKey)

	setString("NEO4J_URI", &cfg.Graph.URI)
	setString("NEO4J_USER", &cfg.Graph.User)
	setString("NEO4J_PASSWORD", &cfg.Graph.Password)
	setString("NEO4J_DATABASE", &cfg.Graph.Database)

	setString("DATABASE_URL", &cfg.KV.DatabaseURL)
	setString("REDIS_URL", &cfg.Redis.URL)

	setFloat("LTM_TTL_DAYS", &cfg.Forgetting.TTLDays)
	setFloat("LTM_FORGET_ALPHA", &cfg.Forgetting.Alpha)
	setFloat("LTM_FORGET_BETA", &cfg.Forgetting.Beta)
	setFloat("LTM_FORGET_GAMMA", &cfg.Forgetting.Gamma)
	setFloat("LTM_FORGET_THRESHOLD", &cfg.Forgetting.Threshold)
	setInt("LTM_FORGET_INTERVAL_HOURS", &cfg.Forgetting.IntervalHours)

	setFloat("LTM_RATE_RPS", &cfg.RateLimit.RPS)
	setInt("LTM_RATE_BURST", &cfg.RateLimit.Burst)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var x int
		if n, err := fmt.Sscanf(v, "%d", &x); err == nil && n == 1 {
			*dst = x
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		var x float64
		if n, err := fmt.Sscanf(v, "%f", &x); err == nil && n == 1 {
			*dst = x
		}
	}
}

// Validate rejects configurations the service cannot run with. The
// forgetting threshold may be any value, including negative.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Service.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("service.request_timeout_seconds must be positive")
	}
	if c.Service.BackendTimeoutSeconds <= 0 {
		return fmt.Errorf("service.backend_timeout_seconds must be positive")
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive")
	}
	if c.Embedding.CacheSize <= 0 {
		return fmt.Errorf("embedding.cache_size must be positive")
	}
	if err := c.Forgetting.Validate(); err != nil {
		return err
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must be non-negative")
	}
	return nil
}

func (f ForgettingConfig) Validate() error {
	if f.TTLDays <= 0 {
		return fmt.Errorf("forgetting.ttl_days must be positive")
	}
	if f.Alpha < 0 || f.Beta < 0 || f.Gamma < 0 {
		return fmt.Errorf("forgetting weights must be non-negative")
	}
	if f.IntervalHours <= 0 {
		return fmt.Errorf("forgetting.interval_hours must be positive")
	}
	return nil
}

// Tunables extracts the hot-reloadable subset.
func (c *Config) Tunables() Tunables {
	return Tunables{Forgetting: c.Forgetting, RateLimit: c.RateLimit}
}
