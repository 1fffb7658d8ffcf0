package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ConfigLockID is the advisory lock key guarding gateway configuration mutations.
// All tenants share it.
const ConfigLockID int64 = 827401

// Locker is a named mutual-exclusion lock. Lock blocks until the lock is held or ctx ends.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// WithLock runs fn while holding l and releases the lock afterwards, also when fn fails.
func WithLock[T any](ctx context.Context, l Locker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	unlock, err := l.Lock(ctx)
	if err != nil {
		return zero, err
	}
	defer unlock()
	return fn(ctx)
}

// AdvisoryLocker is a PostgreSQL session advisory lock. The lock is held on one dedicated
// pooled connection, since advisory locks belong to the session that took them.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	id   int64
}

// NewAdvisoryLocker creates a lock on key id.
func NewAdvisoryLocker(pool *pgxpool.Pool, id int64) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, id: id}
}

func (l *AdvisoryLocker) Lock(ctx context.Context) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for lock: %w", err)
	}

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, l.id); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pg_advisory_lock(%d): %w", l.id, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.id); err != nil {
			// Closing the session drops every lock it holds.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

// FileLocker serializes holders within the process and across processes on one host,
// through an exclusive lock on a file.
type FileLocker struct {
	sem   chan struct{}
	flock *flock.Flock
	retry time.Duration
}

// NewFileLocker creates a lock on path, creating its directory if needed.
func NewFileLocker(path string) (*FileLocker, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &FileLocker{
		sem:   make(chan struct{}, 1),
		flock: flock.New(path),
		retry: 50 * time.Millisecond,
	}, nil
}

func (l *FileLocker) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ok, err := l.flock.TryLockContext(ctx, l.retry)
	if err != nil || !ok {
		<-l.sem
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", l.flock.Path())
		}
		return nil, err
	}

	return func() {
		_ = l.flock.Unlock()
		<-l.sem
	}, nil
}
