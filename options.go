package urlfetch

import (
	"time"

	"github.com/rs/zerolog"
)

const (
	// URLCacheMax is the default cache capacity
	URLCacheMax = 10000
	// URLCacheTimeout is the default lifetime of a cached response
	URLCacheTimeout = 6 * time.Hour
	// URLCachePool is the default worker pool size and connection limit
	URLCachePool = 50
	// URLRetryNum is the default number of attempts per fetch
	URLRetryNum = 3
	// DefaultAttemptTimeout bounds a single transport attempt
	DefaultAttemptTimeout = 1 * time.Minute
)

// FakeHeaders is the browser-like header set sent when the caller supplies none.
var FakeHeaders = map[string]string{
	"Connection":      "keep-alive",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Encoding": "gzip, deflate",
	"Accept-Language": "zh-CN,zh;q=0.8",
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; WOW64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/53.0.2785.104 Safari/537.36 Core/1.53.2669.400 QQBrowser/9.6.10990.400",
}

// Strategy names a transport implementation.
type Strategy string

const (
	StrategyAsync   Strategy = "async"
	StrategyPooled  Strategy = "pooled"
	StrategyMinimal Strategy = "minimal"
)

// Config holds service configuration. It is fixed once New returns.
type Config struct {
	CacheCapacity  int
	CacheTTL       time.Duration
	PoolSize       int
	RetryNum       int
	AttemptTimeout time.Duration
	Strategy       Strategy
	DefaultHeaders map[string]string

	Store     Store
	Transport Transport
	Pool      *WorkerPool
	Logger    zerolog.Logger
	Metrics   *Metrics
}

// Option is a functional option for configuring the service
type Option func(*Config)

// WithCacheCapacity sets how many responses the default cache holds
func WithCacheCapacity(n int) Option {
	return func(c *Config) {
		c.CacheCapacity = n
	}
}

// WithCacheTTL sets how long the default cache keeps a response
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Config) {
		c.CacheTTL = ttl
	}
}

// WithPoolSize sets the worker pool size and the connection limit
func WithPoolSize(n int) Option {
	return func(c *Config) {
		c.PoolSize = n
	}
}

// WithRetryNum sets the number of attempts per fetch
func WithRetryNum(n int) Option {
	return func(c *Config) {
		c.RetryNum = n
	}
}

// WithAttemptTimeout bounds each transport attempt
func WithAttemptTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.AttemptTimeout = d
	}
}

// WithStrategy picks one of the built-in transports
func WithStrategy(s Strategy) Option {
	return func(c *Config) {
		c.Strategy = s
	}
}

// WithDefaultHeaders replaces FakeHeaders for requests without headers
func WithDefaultHeaders(h map[string]string) Option {
	return func(c *Config) {
		c.DefaultHeaders = cloneMap(h)
	}
}

// WithStore replaces the in-process cache
func WithStore(s Store) Option {
	return func(c *Config) {
		c.Store = s
	}
}

// WithTransport installs a custom transport, overriding the strategy
func WithTransport(t Transport) Option {
	return func(c *Config) {
		c.Transport = t
	}
}

// WithWorkerPool shares an existing pool instead of creating one. The pool's
// running gauge is whatever it was built with (see WithPoolMetrics).
func WithWorkerPool(p *WorkerPool) Option {
	return func(c *Config) {
		c.Pool = p
	}
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(m *Metrics) Option {
	return func(c *Config) {
		c.Metrics = m
	}
}

// fetchConfig holds the per-call switches of Fetch.
type fetchConfig struct {
	allowCache   bool
	forceRefresh bool
	usePool      bool
	pool         *WorkerPool
	caller       string
}

// FetchOption adjusts a single Fetch call
type FetchOption func(*fetchConfig)

// WithoutCache skips the cache and the key lock for this call
func WithoutCache() FetchOption {
	return func(c *fetchConfig) {
		c.allowCache = false
	}
}

// ForceRefresh drops any cached entry before fetching
func ForceRefresh() FetchOption {
	return func(c *fetchConfig) {
		c.forceRefresh = true
	}
}

// WithoutPool runs attempts on the calling goroutine
func WithoutPool() FetchOption {
	return func(c *fetchConfig) {
		c.usePool = false
	}
}

// UsePool runs attempts on p instead of the service pool
func UsePool(p *WorkerPool) FetchOption {
	return func(c *fetchConfig) {
		c.pool = p
	}
}

// WithCaller labels log lines of this call; defaults to the calling function
func WithCaller(name string) FetchOption {
	return func(c *fetchConfig) {
		c.caller = name
	}
}
