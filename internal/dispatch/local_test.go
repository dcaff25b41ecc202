package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/roomscan/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_RunsDetachedFromCaller(t *testing.T) {
	var got atomic.Value
	l := dispatch.NewLocal(func(ctx context.Context, id uuid.UUID) error {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		got.Store(id)
		return nil
	}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	require.NoError(t, l.Enqueue(ctx, id))
	cancel()

	l.Wait()
	assert.Equal(t, id, got.Load())
}

func TestLocal_BoundsConcurrency(t *testing.T) {
	var running, peak int32
	l := dispatch.NewLocal(func(context.Context, uuid.UUID) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}, 2)

	for i := 0; i < 8; i++ {
		require.NoError(t, l.Enqueue(context.Background(), uuid.New()))
	}
	l.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestLocal_SurvivesPanicsAndErrors(t *testing.T) {
	var mu sync.Mutex
	seen := 0
	l := dispatch.NewLocal(func(_ context.Context, _ uuid.UUID) error {
		mu.Lock()
		seen++
		n := seen
		mu.Unlock()
		if n == 1 {
			panic("boom")
		}
		return errors.New("conversion failed")
	}, 1)

	require.NoError(t, l.Enqueue(context.Background(), uuid.New()))
	require.NoError(t, l.Enqueue(context.Background(), uuid.New()))
	l.Wait()
	assert.Equal(t, 2, seen)
}

func TestLocal_CloseRejectsNewWork(t *testing.T) {
	l := dispatch.NewLocal(func(context.Context, uuid.UUID) error { return nil }, 1)
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Enqueue(context.Background(), uuid.New()), dispatch.ErrClosed)
}
