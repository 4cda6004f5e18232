package redisclient

import (
	"context"
	"sync"
	"time"
)

// localLocker serializes callers within one process. It is the Locker used
// when the store runs in memory and there is no Redis to coordinate through.
type localLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

func NewLocalLocker(wait time.Duration) Locker {
	return &localLocker{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
}

func (l *localLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	kl := l.ref(key)
	defer l.unref(key, kl)

	if err := l.acquire(ctx, kl); err != nil {
		return err
	}
	defer func() { <-kl.sem }()

	return fn(ctx)
}

func (l *localLocker) acquire(ctx context.Context, kl *keyLock) error {
	select {
	case kl.sem <- struct{}{}:
		return nil
	default:
	}
	if l.wait <= 0 {
		return ErrLockNotAcquired
	}

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockNotAcquired
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *localLocker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *localLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}
