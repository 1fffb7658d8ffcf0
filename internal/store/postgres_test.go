package store

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgres connects to LITECLAW_PLATFORM_TEST_DATABASE_URL, or skips.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("LITECLAW_PLATFORM_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LITECLAW_PLATFORM_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPostgresPool(ctx, dsn, 4)
	require.NoError(t, err)
	s := NewPostgresStore(pool)
	t.Cleanup(s.Close)

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE tenant CASCADE`)
	require.NoError(t, err)
	return s
}

func TestPostgresStore(t *testing.T) {
	exerciseStore(t, newTestPostgres(t))
}

func TestPostgresMigrateIdempotent(t *testing.T) {
	s := newTestPostgres(t)
	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestAdvisoryLockerSerializes(t *testing.T) {
	s := newTestPostgres(t)
	l := NewAdvisoryLocker(s.Pool(), ConfigLockID)

	var active, overlaps int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := WithLock(context.Background(), l, func(context.Context) (struct{}, error) {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Zero(t, overlaps)
}
