package oppqueue

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func newTestQueue(t *testing.T, name string, config Config) *MemoryQueue[string] {
	t.Helper()
	log, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewMemoryQueue[string](log, name, config)
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()

	processed := make(chan string, 10)
	nextProcessed := func() string {
		select {
		case data := <-processed:
			return data
		case <-time.After(2 * time.Second):
			t.Fatal("timeout")
		}
		return ""
	}
	processOk := func(ctx context.Context, item string, info ItemInfo) error {
		processed <- item
		return nil
	}

	t.Run("empty queue cancel", func(t *testing.T) {
		queue := newTestQueue(t, "test-cancel", DefaultConfig)
		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})

		time.Sleep(10 * time.Millisecond)

		procCancel()
		wg.Wait()
	})

	t.Run("highest priority first", func(t *testing.T) {
		queue := newTestQueue(t, "test-priority", DefaultConfig)
		require.NoError(t, queue.Push(ctx, "low", big.NewInt(1)))
		require.NoError(t, queue.Push(ctx, "high", big.NewInt(100)))
		require.NoError(t, queue.Push(ctx, "mid-1", big.NewInt(50)))
		require.NoError(t, queue.Push(ctx, "mid-2", big.NewInt(50)))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})

		require.Equal(t, "high", nextProcessed())
		require.Equal(t, "mid-1", nextProcessed())
		require.Equal(t, "mid-2", nextProcessed())
		require.Equal(t, "low", nextProcessed())
		procCancel()
		wg.Wait()
	})

	t.Run("full queue drops lowest priority", func(t *testing.T) {
		config := DefaultConfig
		config.MaxSize = 2
		queue := newTestQueue(t, "test-full", config)

		require.NoError(t, queue.Push(ctx, "a", big.NewInt(1)))
		require.NoError(t, queue.Push(ctx, "b", big.NewInt(2)))
		// evicts "a"
		require.NoError(t, queue.Push(ctx, "c", big.NewInt(3)))
		require.Equal(t, 2, queue.Len())
		// lower than everything queued
		require.ErrorIs(t, queue.Push(ctx, "d", big.NewInt(0)), ErrQueueFull)
		// same priority as the lowest, evicts the older "b"
		require.NoError(t, queue.Push(ctx, "e", big.NewInt(2)))
		require.Equal(t, 2, queue.Len())

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})
		require.Equal(t, "c", nextProcessed())
		require.Equal(t, "e", nextProcessed())
		procCancel()
		wg.Wait()
	})

	t.Run("stale items are skipped", func(t *testing.T) {
		config := DefaultConfig
		config.MaxAge = time.Second
		queue := newTestQueue(t, "test-stale", config)
		var offset atomic.Int64
		queue.now = func() time.Time {
			return time.Now().Add(time.Duration(offset.Load()))
		}

		require.NoError(t, queue.Push(ctx, "stale", big.NewInt(10)))
		offset.Store(int64(time.Minute))
		require.NoError(t, queue.Push(ctx, "fresh", big.NewInt(1)))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processOk})
		require.Equal(t, "fresh", nextProcessed())
		procCancel()
		wg.Wait()
		require.Empty(t, processed)
	})

	t.Run("worker error requeues item", func(t *testing.T) {
		queue := newTestQueue(t, "test-retry", DefaultConfig)
		var calls atomic.Int32
		processFlaky := func(ctx context.Context, item string, info ItemInfo) error {
			if calls.Add(1) == 1 {
				return ErrProcessWorkerError
			}
			assert.Equal(t, 1, info.Retries)
			processed <- item
			return nil
		}
		require.NoError(t, queue.Push(ctx, "flaky", big.NewInt(1)))

		procCtx, procCancel := context.WithCancel(ctx)
		wg := queue.StartProcessLoop(procCtx, []ProcessFunc[string]{processFlaky})
		require.Equal(t, "flaky", nextProcessed())
		procCancel()
		wg.Wait()
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("multiple workers", func(t *testing.T) {
		queue := newTestQueue(t, "test-multiple", DefaultConfig)
		procCtx, procCancel := context.WithCancel(ctx)
		workers := MultipleWorkers(processOk, 4, rate.Inf, 1)
		wg := queue.StartProcessLoop(procCtx, workers)

		for i := 0; i < 8; i++ {
			require.NoError(t, queue.Push(ctx, "test-multiple", big.NewInt(int64(i))))
		}
		for i := 0; i < 8; i++ {
			require.Equal(t, "test-multiple", nextProcessed())
		}
		procCancel()
		wg.Wait()
	})
}
