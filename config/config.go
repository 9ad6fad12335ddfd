package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/AnandSundar/go-urlfetch"
	"github.com/AnandSundar/go-urlfetch/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. URLFETCH_CACHE_CAPACITY.
const EnvPrefix = "urlfetch"

// Cache backends
const (
	BackendLRU    = "lru"
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config stores all configuration of the fetch service.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Cache     CacheConfig     `mapstructure:"cache"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Transport TransportConfig `mapstructure:"transport"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`          // "lru", "memory", "redis"
	Capacity        int           `mapstructure:"capacity"`         // lru only
	TTL             time.Duration `mapstructure:"ttl"`              // Entry lifetime
	JanitorInterval time.Duration `mapstructure:"janitor_interval"` // memory only
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Size int `mapstructure:"size"` // Also the connection limit of pooled/async transports
}

// TransportConfig picks the transport and its retry behaviour.
type TransportConfig struct {
	Strategy       string            `mapstructure:"strategy"` // "async", "pooled", "minimal"
	RetryNum       int               `mapstructure:"retry_num"`
	AttemptTimeout time.Duration     `mapstructure:"attempt_timeout"`
	Headers        map[string]string `mapstructure:"headers"` // Replaces the browser-like defaults
}

// RedisConfig stores redis connection details for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig reads configuration from file or environment variables.
// An empty configPath searches for config.yaml in the working directory
// and /etc/urlfetch; a missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/urlfetch")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("cache.backend", BackendLRU)
	v.SetDefault("cache.capacity", urlfetch.URLCacheMax)
	v.SetDefault("cache.ttl", urlfetch.URLCacheTimeout)
	v.SetDefault("cache.janitor_interval", time.Minute)

	v.SetDefault("pool.size", urlfetch.URLCachePool)

	v.SetDefault("transport.strategy", string(urlfetch.StrategyAsync))
	v.SetDefault("transport.retry_num", urlfetch.URLRetryNum)
	v.SetDefault("transport.attempt_timeout", urlfetch.DefaultAttemptTimeout)
	v.SetDefault("transport.headers", map[string]string{})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", store.DefaultPrefix)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", false)

	v.SetEnvPrefix(EnvPrefix)
	// cache.ttl becomes URLFETCH_CACHE_TTL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendLRU, BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch urlfetch.Strategy(c.Transport.Strategy) {
	case urlfetch.StrategyAsync, urlfetch.StrategyPooled, urlfetch.StrategyMinimal:
	default:
		return fmt.Errorf("%w: %q", urlfetch.ErrUnknownStrategy, c.Transport.Strategy)
	}
	if c.Transport.RetryNum < 1 {
		return fmt.Errorf("transport.retry_num must be at least 1, got %d", c.Transport.RetryNum)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Logger builds the configured logger writing to w.
func (c LogConfig) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Options converts the configuration into service options. Metrics are
// registered on reg when enabled. The returned close function releases the
// cache backend and should run after the service is closed.
func (c *Config) Options(reg prometheus.Registerer) ([]urlfetch.Option, func() error) {
	opts := []urlfetch.Option{
		urlfetch.WithCacheCapacity(c.Cache.Capacity),
		urlfetch.WithCacheTTL(c.Cache.TTL),
		urlfetch.WithPoolSize(c.Pool.Size),
		urlfetch.WithRetryNum(c.Transport.RetryNum),
		urlfetch.WithAttemptTimeout(c.Transport.AttemptTimeout),
		urlfetch.WithStrategy(urlfetch.Strategy(c.Transport.Strategy)),
		urlfetch.WithLogger(c.Log.Logger(os.Stderr)),
	}
	if len(c.Transport.Headers) > 0 {
		opts = append(opts, urlfetch.WithDefaultHeaders(c.Transport.Headers))
	}
	if c.Metrics.Enabled && reg != nil {
		opts = append(opts, urlfetch.WithMetrics(urlfetch.NewMetrics(reg)))
	}

	closer := func() error { return nil }
	switch c.Cache.Backend {
	case BackendMemory:
		s := store.NewMemoryStore(c.Cache.TTL, c.Cache.JanitorInterval)
		opts = append(opts, urlfetch.WithStore(s))
		closer = s.Close
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		s := store.NewRedisStore(client, store.WithTTL(c.Cache.TTL), store.WithPrefix(c.Redis.Prefix))
		opts = append(opts, urlfetch.WithStore(s))
		closer = client.Close
	}
	return opts, closer
}
