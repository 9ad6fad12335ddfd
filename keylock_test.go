package urlfetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLock_SerializesSameKey(t *testing.T) {
	kl := NewKeyLock()
	ctx := context.Background()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := kl.Acquire(ctx, "same")
			if !assert.NoError(t, err) {
				return
			}
			defer release()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLock_DifferentKeysIndependent(t *testing.T) {
	kl := NewKeyLock()
	ctx := context.Background()

	releaseA, err := kl.Acquire(ctx, "a")
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		releaseB, err := kl.Acquire(ctx, "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("key b blocked behind key a")
	}
}

func TestKeyLock_WaiterGivesUp(t *testing.T) {
	kl := NewKeyLock()

	release, err := kl.Acquire(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = kl.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, kl.Len())

	release()
	assert.Equal(t, 0, kl.Len())
}

func TestKeyLock_ReleaseIsIdempotent(t *testing.T) {
	kl := NewKeyLock()
	ctx := context.Background()

	release, err := kl.Acquire(ctx, "k")
	require.NoError(t, err)
	release()
	release()

	release2, err := kl.Acquire(ctx, "k")
	require.NoError(t, err)
	release2()
	assert.Equal(t, 0, kl.Len())
}

func TestNoLock(t *testing.T) {
	ctx := context.Background()
	r1, err := NoLock.Acquire(ctx, "k")
	require.NoError(t, err)
	r2, err := NoLock.Acquire(ctx, "k")
	require.NoError(t, err)
	r1()
	r2()
}
