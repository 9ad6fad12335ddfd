// Package urlfetch provides a URL-fetch service that deduplicates identical
// requests, caches responses by full request fingerprint, bounds outbound
// concurrency with a worker pool and retries transient transport failures.
//
// A Service is meant to be created once per process and shared; every method
// is safe for concurrent use and blocks its caller until a result is ready,
// whichever transport runs underneath.
package urlfetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// Service orchestrates fingerprinting, key locking, caching and transport dispatch.
type Service struct {
	cfg       Config
	store     Store
	locks     *KeyLock
	pool      *WorkerPool
	ownPool   bool
	transport Transport
	log       zerolog.Logger
	metrics   *Metrics
}

// New builds a Service. The transport strategy, cache and pool are fixed
// for the lifetime of the Service.
func New(opts ...Option) (*Service, error) {
	cfg := Config{
		CacheCapacity:  URLCacheMax,
		CacheTTL:       URLCacheTimeout,
		PoolSize:       URLCachePool,
		RetryNum:       URLRetryNum,
		AttemptTimeout: DefaultAttemptTimeout,
		Strategy:       StrategyAsync,
		DefaultHeaders: FakeHeaders,
		Logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.RetryNum < 1 {
		cfg.RetryNum = 1
	}

	s := &Service{
		cfg:     cfg,
		store:   cfg.Store,
		locks:   NewKeyLock(),
		pool:    cfg.Pool,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}

	if s.store == nil {
		s.store = NewCache(cfg.CacheCapacity, cfg.CacheTTL)
	}

	// a pool passed in by the caller keeps whatever metrics it was built with
	if s.pool == nil {
		s.pool = NewWorkerPool(cfg.PoolSize, WithPoolMetrics(cfg.Metrics))
		s.ownPool = true
	}

	s.transport = cfg.Transport
	if s.transport == nil {
		t, err := NewTransport(cfg.Strategy, TransportConfig{
			Headers:  cfg.DefaultHeaders,
			Timeout:  cfg.AttemptTimeout,
			MaxConns: s.pool.Capacity(),
			Logger:   cfg.Logger,
			Metrics:  cfg.Metrics,
		})
		if err != nil {
			if s.ownPool {
				s.pool.Close()
			}
			return nil, err
		}
		s.transport = t
	}

	s.log.Debug().
		Str("transport", s.transport.Name()).
		Int("pool", s.pool.Capacity()).
		Int("retries", cfg.RetryNum).
		Msg("url fetch service ready")

	return s, nil
}

// Get fetches url with default spec fields.
func (s *Service) Get(ctx context.Context, url string, opts ...FetchOption) (*Content, error) {
	return s.fetch(ctx, RequestSpec{URL: url}, callerName(2), opts)
}

// Fetch returns the content for spec, from the cache when allowed and fresh,
// otherwise from the transport. When every attempt fails it returns
// ErrRetriesExhausted. A context cancelled while an attempt runs outside the
// worker pool (WithoutPool) is returned as is.
//
// Concurrent cached fetches of the same request wait for each other. That
// wait honours ctx: if ctx is done before the key is free, Fetch returns
// ctx.Err() whether or not the worker pool is in use.
//
// The returned Content belongs to the caller; the cache keeps its own copy.
func (s *Service) Fetch(ctx context.Context, spec RequestSpec, opts ...FetchOption) (*Content, error) {
	return s.fetch(ctx, spec, callerName(2), opts)
}

func (s *Service) fetch(ctx context.Context, spec RequestSpec, caller string, opts []FetchOption) (*Content, error) {
	fc := fetchConfig{
		allowCache: true,
		usePool:    true,
		pool:       s.pool,
		caller:     caller,
	}
	for _, opt := range opts {
		opt(&fc)
	}

	spec = spec.normalize()
	key := spec.Fingerprint()
	log := s.log.With().Str("caller", fc.caller).Str("url", spec.URL).Logger()

	locker := NoLock
	if fc.allowCache {
		locker = s.locks
	}
	release, err := locker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()
	if fc.allowCache {
		s.metrics.lockAcquired()
	}

	if fc.forceRefresh {
		s.remove(ctx, key, log)
		s.metrics.cacheRefresh()
		log.Debug().Msg("force refresh get")
	}

	if fc.allowCache {
		if c, ok := s.lookup(ctx, key, log); ok {
			s.metrics.cacheHit()
			log.Debug().Msg("cache get")
			return c, nil
		}
		s.metrics.cacheMiss()
		log.Debug().Msg("normal get")
	} else {
		log.Debug().Msg("nocache get")
	}

	attempts, budget := s.cfg.RetryNum, 0
	if s.transport.RetriesInternally() {
		attempts, budget = 1, s.cfg.RetryNum
	}

	for i := 0; i < attempts; i++ {
		content, err := s.attempt(ctx, spec, budget, fc)
		s.metrics.attempt(s.transport.Name(), err)
		if err == nil {
			if fc.allowCache && content.Len() > 0 {
				s.save(ctx, key, content, log)
			}
			return content, nil
		}

		if !fc.usePool && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		s.logFailure(log, err, i+1, attempts)
	}

	s.metrics.exhaust()
	return nil, ErrRetriesExhausted
}

// attempt runs one transport call. Self-retrying transports already hand
// their work to an event loop and bypass the worker pool.
func (s *Service) attempt(ctx context.Context, spec RequestSpec, budget int, fc fetchConfig) (*Content, error) {
	call := func(ctx context.Context) (*Content, error) {
		return s.transport.Fetch(ctx, spec, budget)
	}
	if !fc.usePool || s.transport.RetriesInternally() {
		return call(ctx)
	}
	return Run(ctx, fc.pool, call)
}

func (s *Service) logFailure(log zerolog.Logger, err error, n, of int) {
	kind := Classify(err)
	var ev *zerolog.Event
	switch {
	case errors.Is(err, ErrTaskPanicked), kind == KindUnclassified && !errors.Is(err, context.Canceled):
		ev = log.Error()
	default:
		ev = log.Warn()
	}
	ev.Err(err).Stringer("kind", kind).Int("attempt", n).Int("of", of).Msg("request attempt failed")
}

func (s *Service) lookup(ctx context.Context, key string, log zerolog.Logger) (*Content, bool) {
	c, err := s.store.Get(ctx, key)
	if err == nil && c != nil {
		return c, true
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Warn().Err(err).Msg("cache backend get failed")
	}
	s.recordCacheSize()
	return nil, false
}

func (s *Service) save(ctx context.Context, key string, c *Content, log zerolog.Logger) {
	if err := s.store.Set(ctx, key, c); err != nil {
		log.Warn().Err(err).Msg("cache backend set failed")
	}
	s.recordCacheSize()
}

func (s *Service) remove(ctx context.Context, key string, log zerolog.Logger) {
	if err := s.store.Remove(ctx, key); err != nil {
		log.Warn().Err(err).Msg("cache backend remove failed")
	}
}

func (s *Service) recordCacheSize() {
	if c, ok := s.store.(*Cache); ok {
		s.metrics.setCacheSize(c.Len())
	}
}

// Transport returns the transport chosen at construction.
func (s *Service) Transport() Transport {
	return s.transport
}

// Pool returns the default worker pool.
func (s *Service) Pool() *WorkerPool {
	return s.pool
}

// Close stops the transport and, if the Service created it, the worker pool.
func (s *Service) Close() error {
	err := s.transport.Close()
	if s.ownPool {
		s.pool.Close()
	}
	return err
}

// callerName describes the function skip frames above it, e.g. "parser.go:42 parser.Parse".
func callerName(skip int) string {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	name := "?"
	if fn := runtime.FuncForPC(pc); fn != nil {
		name = fn.Name()
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}
	return fmt.Sprintf("%s:%d %s", filepath.Base(file), line, name)
}
