package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/AnandSundar/go-urlfetch"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces cached fingerprints in a shared redis.
const DefaultPrefix = "urlfetch:"

// RedisStore is a Redis-backed implementation of urlfetch.Store. Entries
// expire server-side after the configured TTL.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithTTL sets the entry lifetime
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    urlfetch.URLCacheTimeout,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = urlfetch.URLCacheTimeout
	}
	return s
}

// Get retrieves cached content from Redis
func (s *RedisStore) Get(ctx context.Context, key string) (*urlfetch.Content, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, urlfetch.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var content urlfetch.Content
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, err
	}

	return &content, nil
}

// Set stores content in Redis with the store TTL
func (s *RedisStore) Set(ctx context.Context, key string, content *urlfetch.Content) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, s.prefix+key, data, s.ttl).Err()
}

// Remove deletes a cached entry. Removing a missing key is not an error.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

// TTL is the lifetime given to new entries.
func (s *RedisStore) TTL() time.Duration {
	return s.ttl
}

var _ urlfetch.Store = (*RedisStore)(nil)
