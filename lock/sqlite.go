package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SQLiteLocker coordinates processes sharing one SQLite file. Rows carry an
// expiry that the holder keeps pushing forward; an expired row can be taken
// over by the next caller.
type SQLiteLocker struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewSQLiteLocker(db *sql.DB, ttl time.Duration) (*SQLiteLocker, error) {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create locks table: %w", err)
	}
	return &SQLiteLocker{db: db, ttl: ttl, now: time.Now}, nil
}

func (l *SQLiteLocker) TryAcquire(ctx context.Context, name string) (Lease, bool, error) {
	holder := uuid.NewString()
	now := l.now()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND expires_at < ?`,
		name, now.UnixMilli()); err != nil {
		return nil, false, fmt.Errorf("expire lock: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO locks (name, holder, expires_at) VALUES (?, ?, ?)`,
		name, holder, now.Add(l.ttl).UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, false, nil
	}

	lease := &sqliteLease{
		locker: l,
		name:   name,
		holder: holder,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, true, nil
}

type sqliteLease struct {
	once   sync.Once
	locker *SQLiteLocker
	name   string
	holder string
	stopCh chan struct{}
	doneCh chan struct{}
}

func (l *sqliteLease) keepAlive() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.locker.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.locker.db.Exec(`UPDATE locks SET expires_at = ? WHERE name = ? AND holder = ?`,
				l.locker.now().Add(l.locker.ttl).UnixMilli(), l.name, l.holder)
		case <-l.stopCh:
			return
		}
	}
}

func (l *sqliteLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		close(l.stopCh)
		<-l.doneCh
		var res sql.Result
		res, err = l.locker.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND holder = ?`, l.name, l.holder)
		if err != nil {
			return
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = fmt.Errorf("lock %s was taken over before release", l.name)
		}
	})
	return err
}
