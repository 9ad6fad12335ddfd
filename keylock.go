package urlfetch

import (
	"context"
	"sync"
)

// Locker hands out scoped per-key mutual exclusion. The returned release
// function must be called exactly once, on every exit path.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// KeyLock serializes holders of the same key while leaving different keys
// independent. Handles are reference counted and dropped from the registry
// once nobody holds or waits for them.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyHandle
}

type keyHandle struct {
	sem  chan struct{}
	refs int
}

// NewKeyLock creates an empty lock registry
func NewKeyLock() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*keyHandle),
	}
}

// Acquire blocks until key is free or ctx is done.
func (kl *KeyLock) Acquire(ctx context.Context, key string) (func(), error) {
	kl.mu.Lock()
	h, ok := kl.locks[key]
	if !ok {
		h = &keyHandle{sem: make(chan struct{}, 1)}
		kl.locks[key] = h
	}
	h.refs++
	kl.mu.Unlock()

	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		kl.unref(key, h)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-h.sem
			kl.unref(key, h)
		})
	}, nil
}

func (kl *KeyLock) unref(key string, h *keyHandle) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	h.refs--
	if h.refs == 0 && kl.locks[key] == h {
		delete(kl.locks, key)
	}
}

// Len is the number of keys currently held or waited on.
func (kl *KeyLock) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.locks)
}

// NoLock performs no synchronization at all. It is used for uncached
// requests, where serializing identical fetches buys nothing.
var NoLock Locker = noLock{}

type noLock struct{}

func (noLock) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
