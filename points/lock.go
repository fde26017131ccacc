package points

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLockTimeout bounds how long a unit of work waits for a wallet.
const DefaultLockTimeout = 5 * time.Second

// WalletLocks is a keyed exclusive lock with a bounded wait. Stores that
// have no row-level locking of their own serialize wallet units with it.
type WalletLocks struct {
	Timeout time.Duration

	mu    sync.Mutex
	locks map[UserID]*walletLock
}

type walletLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewWalletLocks(timeout time.Duration) *WalletLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &WalletLocks{Timeout: timeout, locks: make(map[UserID]*walletLock)}
}

// Acquire blocks until the wallet lock is held, the timeout elapses
// (ErrBusy) or ctx is done (ctx.Err()). The returned func releases it.
func (l *WalletLocks) Acquire(ctx context.Context, userID UserID) (func(), error) {
	l.mu.Lock()
	wl, ok := l.locks[userID]
	if !ok {
		wl = &walletLock{sem: semaphore.NewWeighted(1)}
		l.locks[userID] = wl
	}
	wl.refs++
	l.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.Timeout)
	defer cancel()

	if err := wl.sem.Acquire(waitCtx, 1); err != nil {
		l.unref(userID, wl)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrBusy
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			wl.sem.Release(1)
			l.unref(userID, wl)
		})
	}, nil
}

func (l *WalletLocks) unref(userID UserID, wl *walletLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wl.refs--
	if wl.refs == 0 {
		delete(l.locks, userID)
	}
}
