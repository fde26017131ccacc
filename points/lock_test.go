package points_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

func TestWalletLocks_SameUserSerializes(t *testing.T) {
	locks := points.NewWalletLocks(time.Second)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(ctx, "alice")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
}

func TestWalletLocks_DifferentUsersDoNotBlock(t *testing.T) {
	locks := points.NewWalletLocks(50 * time.Millisecond)
	ctx := context.Background()

	releaseA, err := locks.Acquire(ctx, "alice")
	require.NoError(t, err)
	defer releaseA()

	releaseB, err := locks.Acquire(ctx, "bob")
	require.NoError(t, err)
	releaseB()
}

func TestWalletLocks_TimeoutReturnsBusy(t *testing.T) {
	locks := points.NewWalletLocks(10 * time.Millisecond)
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "alice")
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "alice")
	require.ErrorIs(t, err, points.ErrBusy)

	release()
	release() // second call is a no-op

	again, err := locks.Acquire(ctx, "alice")
	require.NoError(t, err)
	again()
}

func TestWalletLocks_CancelledContext(t *testing.T) {
	locks := points.NewWalletLocks(time.Second)
	release, err := locks.Acquire(context.Background(), "alice")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = locks.Acquire(ctx, "alice")
	require.ErrorIs(t, err, context.Canceled)
}
