package lock

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type fakeLease struct {
	released *int
}

func (l fakeLease) Release(ctx context.Context) error {
	*l.released++
	return nil
}

type fakeLocker struct {
	held     bool
	err      error
	released int
}

func (f *fakeLocker) TryAcquire(ctx context.Context, name string) (Lease, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	return fakeLease{released: &f.released}, true, nil
}

func TestKeyStable(t *testing.T) {
	a := Key("public-records-sync")
	assert.Equal(t, a, Key("public-records-sync"))
	assert.GreaterOrEqual(t, a, int64(0))
	assert.NotEqual(t, a, Key("public-records-sync-2"))
	assert.GreaterOrEqual(t, Key(""), int64(0))
}

func TestWithLockHeldElsewhere(t *testing.T) {
	l := &fakeLocker{held: true}
	called := false
	got, acquired, err := WithLock(context.Background(), l, "x", func(ctx context.Context) (int, error) {
		called = true
		return 1, nil
	})
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.False(t, called)
	assert.Equal(t, 0, got)
}

func TestWithLockInfrastructureError(t *testing.T) {
	l := &fakeLocker{err: errors.New("connection refused")}
	_, acquired, err := WithLock(context.Background(), l, "x", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	require.Error(t, err)
	assert.False(t, acquired)
}

func TestWithLockReleasesOnError(t *testing.T) {
	l := &fakeLocker{}
	boom := errors.New("boom")
	_, acquired, err := WithLock(context.Background(), l, "x", func(ctx context.Context) (int, error) {
		return 0, boom
	})
	assert.True(t, acquired)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, l.released)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	l := &fakeLocker{}
	assert.Panics(t, func() {
		WithLock(context.Background(), l, "x", func(ctx context.Context) (int, error) {
			panic("boom")
		})
	})
	assert.Equal(t, 1, l.released)
}

func TestWithLockReleasesAfterCancel(t *testing.T) {
	l := &fakeLocker{}
	ctx, cancel := context.WithCancel(context.Background())
	got, acquired, err := WithLock(ctx, l, "x", func(ctx context.Context) (string, error) {
		cancel()
		return "done", nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, "done", got)
	assert.Equal(t, 1, l.released)
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "lock.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteLockerExclusion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	locker, err := NewSQLiteLocker(db, time.Minute)
	require.NoError(t, err)

	lease, ok, err := locker.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = locker.TryAcquire(ctx, "other")
	require.NoError(t, err)
	assert.True(t, ok, "different names do not contend")

	require.NoError(t, lease.Release(ctx))

	lease2, ok, err := locker.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lease2.Release(ctx))
}

func TestSQLiteLockerExpiredHolder(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	locker, err := NewSQLiteLocker(db, time.Minute)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO locks (name, holder, expires_at) VALUES (?, ?, ?)`,
		"sync", "crashed", time.Now().Add(-time.Minute).UnixMilli())
	require.NoError(t, err)

	lease, ok, err := locker.TryAcquire(ctx, "sync")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lease.Release(ctx))
}

func TestSQLiteLockerWithLock(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	locker, err := NewSQLiteLocker(db, time.Minute)
	require.NoError(t, err)

	_, acquired, err := WithLock(ctx, locker, "sync", func(ctx context.Context) (bool, error) {
		_, inner, err := WithLock(ctx, locker, "sync", func(ctx context.Context) (bool, error) {
			return true, nil
		})
		return inner, err
	})
	require.NoError(t, err)
	assert.True(t, acquired)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM locks`).Scan(&n))
	assert.Equal(t, 0, n)
}
