package store

import (
	"context"
	"sync"
	"time"

	"github.com/AnandSundar/go-urlfetch"
)

// MemoryStore is an unbounded in-memory implementation of urlfetch.Store.
// Unlike urlfetch.Cache it never evicts by size; a janitor goroutine drops
// expired entries instead.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*entry
	ttl  time.Duration
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type entry struct {
	content   *urlfetch.Content
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store and starts its janitor,
// which runs every interval until Close.
func NewMemoryStore(ttl, interval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = urlfetch.URLCacheTimeout
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s := &MemoryStore{
		data: make(map[string]*entry),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	// Start cleanup goroutine
	go s.cleanup(interval)

	return s
}

// Get retrieves cached content
func (s *MemoryStore) Get(_ context.Context, key string) (*urlfetch.Content, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.data[key]
	if !exists {
		return nil, urlfetch.ErrNotFound
	}

	if s.now().After(entry.expiresAt) {
		return nil, urlfetch.ErrNotFound
	}

	return entry.content.Clone(), nil
}

// Set stores content for the store TTL
func (s *MemoryStore) Set(_ context.Context, key string, content *urlfetch.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = &entry{
		content:   content.Clone(),
		expiresAt: s.now().Add(s.ttl),
	}

	return nil
}

// Remove deletes key if present
func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Len counts held entries, expired ones included until the janitor runs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.data {
		if now.After(entry.expiresAt) {
			delete(s.data, key)
		}
	}
}

var _ urlfetch.Store = (*MemoryStore)(nil)
