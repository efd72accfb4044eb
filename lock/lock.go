// Package lock serializes sync cycles across process instances. Every
// backend is an external coordination primitive; nothing here is in-process
// state.
package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"
)

const releaseTimeout = 10 * time.Second

// Lease is a held lock. Release must be safe to call once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker attempts a non-blocking acquire. ok is false when another holder
// owns the lock; that is not an error.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (lease Lease, ok bool, err error)
}

// Key maps a lock name to a stable non-negative 63-bit integer
// (64-bit FNV-1a with the sign bit cleared).
func Key(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64() & (1<<63 - 1))
}

// WithLock runs fn while holding name. When the lock is held elsewhere it
// returns the zero value and acquired=false without calling fn. The lease is
// released on every exit path, including a panic in fn. A failed release is
// reported through err when fn itself succeeded; backends still drop the lock
// with the session or TTL.
func WithLock[T any](ctx context.Context, l Locker, name string, fn func(ctx context.Context) (T, error)) (result T, acquired bool, err error) {
	lease, ok, err := l.TryAcquire(ctx, name)
	if err != nil {
		return result, false, err
	}
	if !ok {
		return result, false, nil
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := lease.Release(relCtx); relErr != nil && err == nil {
			err = fmt.Errorf("release lock %s: %w", name, relErr)
		}
	}()

	result, err = fn(ctx)
	return result, true, err
}
