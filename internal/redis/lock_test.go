package redisclient

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_ReleasesKey(t *testing.T) {
	mr, client := newMiniredisClient(t)
	locker := NewRedisLocker(client, 5*time.Second, 0)

	err := locker.WithLock(context.Background(), "slot:2026-10-20:10:00", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:slot:2026-10-20:10:00"))
		return nil
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("lock:slot:2026-10-20:10:00"))
}

func TestRedisLocker_SingleAttemptWhenHeld(t *testing.T) {
	mr, client := newMiniredisClient(t)
	require.NoError(t, mr.Set("lock:feed-relay", "someone-else"))

	locker := NewRedisLocker(client, 5*time.Second, 0)
	called := false
	err := locker.WithLock(context.Background(), "feed-relay", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrLockNotAcquired)
	assert.False(t, called)

	got, err := mr.Get("lock:feed-relay")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got, "a foreign token must not be released")
}

func TestRedisLocker_WaitsForHolder(t *testing.T) {
	_, client := newMiniredisClient(t)
	locker := NewRedisLocker(client, 5*time.Second, 2*time.Second)

	var inside int32
	var maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "slot:k", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInside))
}

func TestRedisLocker_PropagatesFnError(t *testing.T) {
	_, client := newMiniredisClient(t)
	locker := NewRedisLocker(client, time.Second, 0)
	boom := errors.New("boom")

	err := locker.WithLock(context.Background(), "k", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLocalLocker_SerializesPerKey(t *testing.T) {
	locker := NewLocalLocker(time.Second)

	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithLock(context.Background(), "slot:k", func(ctx context.Context) error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Empty(t, locker.(*localLocker).locks, "idle keys are forgotten")
}

func TestLocalLocker_TimesOut(t *testing.T) {
	locker := NewLocalLocker(20 * time.Millisecond)
	held := make(chan struct{})
	done := make(chan struct{})

	go func() {
		_ = locker.WithLock(context.Background(), "k", func(ctx context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err := locker.WithLock(context.Background(), "k", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockNotAcquired)

	other := locker.WithLock(context.Background(), "other", func(ctx context.Context) error { return nil })
	assert.NoError(t, other, "different keys never contend")
	close(done)
}
