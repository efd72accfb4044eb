package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLocker uses session-level advisory locks. The pooled connection
// that took the lock is held for the lease's lifetime; if the session drops
// the lock is released by the server.
type PostgresLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresLocker(pool *pgxpool.Pool) *PostgresLocker {
	return &PostgresLocker{pool: pool}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, name string) (Lease, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	key := Key(name)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("pg_try_advisory_lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	return &pgLease{conn: conn, key: key}, true, nil
}

type pgLease struct {
	once sync.Once
	conn *pgxpool.Conn
	key  int64
}

func (l *pgLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		var unlocked bool
		err = l.conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&unlocked)
		if err == nil && !unlocked {
			err = fmt.Errorf("advisory lock %d was not held", l.key)
		}
		if err != nil {
			// Closing the session is the only other way to drop the lock.
			raw := l.conn.Hijack()
			raw.Close(ctx)
			return
		}
		l.conn.Release()
	})
	return err
}
