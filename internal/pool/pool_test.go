package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
)

func testPool(t *testing.T, cfg config.PoolConfig) (*Pool, *store.Store) {
	t.Helper()

	s, err := store.Open(&config.StoreConfig{
		Path:        filepath.Join(t.TempDir(), "pool-test.db"),
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	p, err := New(context.Background(), cfg, s.NewHandle, nil)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return p, s
}

func TestPool_EagerMinSize(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             2,
		MaxSize:             4,
		AcquireTimeout:      time.Second,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	stats := p.Stats()
	assert.Equal(t, 2, stats.Live)
	assert.Equal(t, 2, stats.Idle)
	assert.Zero(t, stats.InUse)
}

func TestPool_AcquireRelease(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      time.Second,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, int64(1), h.UseCount())
	assert.Equal(t, 1, p.Stats().InUse)

	p.Release(h)
	assert.Zero(t, p.Stats().InUse)

	// Reuse keeps the same handle warm.
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, h, h2)
	assert.Equal(t, int64(2), h2.UseCount())
	p.Release(h2)
}

func TestPool_ExhaustionTimesOut(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      100 * time.Millisecond,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	ctx := context.Background()

	h1, err := p.Acquire(ctx)
	require.NoError(t, err)
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Stats().Live)

	// Third acquisition must time out without ever exceeding max size.
	_, err = p.Acquire(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTimeout))
	assert.LessOrEqual(t, p.Stats().Live, 2)

	p.Release(h1)
	p.Release(h2)
}

func TestPool_ConcurrentAcquireRespectsMax(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             3,
		AcquireTimeout:      2 * time.Second,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.With(ctx, func(h *store.Handle) error {
				assert.LessOrEqual(t, p.Stats().Live, 3)
				time.Sleep(10 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
	assert.LessOrEqual(t, p.Stats().Live, 3)
	assert.Zero(t, p.Stats().InUse)
}

func TestPool_DiscardsUnhealthyHandles(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      time.Second,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	ctx := context.Background()

	h, err := p.Acquire(ctx)
	require.NoError(t, err)

	// Sever the connection behind the pool's back, then return it.
	require.NoError(t, h.Conn().Close())
	p.Release(h)

	// The pool must detect the dead handle and hand out a fresh one.
	h2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotSame(t, h, h2)
	assert.True(t, h2.Healthy(ctx))
	p.Release(h2)
}

func TestPool_MaintenanceReapsIdle(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             4,
		AcquireTimeout:      time.Second,
		MaxIdleTime:         20 * time.Millisecond,
		MaintenanceInterval: 25 * time.Millisecond,
	})

	ctx := context.Background()

	// Force growth beyond min.
	h1, _ := p.Acquire(ctx)
	h2, _ := p.Acquire(ctx)
	h3, _ := p.Acquire(ctx)
	p.Release(h1)
	p.Release(h2)
	p.Release(h3)
	require.Equal(t, 3, p.Stats().Live)

	// After the idle window plus a maintenance cycle the pool shrinks back
	// toward min, never below it.
	assert.Eventually(t, func() bool {
		return p.Stats().Live == 1
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, p.Stats().Live, 1)
}

func TestPool_ClosedRejectsAcquire(t *testing.T) {
	p, _ := testPool(t, config.PoolConfig{
		MinSize:             1,
		MaxSize:             2,
		AcquireTimeout:      100 * time.Millisecond,
		MaxIdleTime:         time.Minute,
		MaintenanceInterval: time.Minute,
	})

	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}
