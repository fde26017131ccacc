/*
sweep.go - Expiry sweep

PURPOSE:
  Batches whose ExpiresAt has passed keep their points until the sweep
  tombstones them. The sweep is the only path that moves points into
  TotalExpired.

ALGORITHM:
  1. Ask the store for users holding overdue batches (points > 0, not
     expired, ExpiresAt < now)
  2. Process those wallets in parallel, bounded by SweepConcurrency
  3. Per wallet, take the wallet lock once to list the overdue batch ids,
     then expire each batch in its own locked unit: re-read the batch,
     zero and flag it, debit the wallet, append an EXPIRED transaction

RESUMABILITY:
  Every batch commits on its own. A crash mid-sweep leaves the ledger
  valid, and unprocessed batches are picked up next run. A batch that was
  consumed or swept between listing and locking is skipped, so running the
  sweep twice expires nothing the second time.

FAILURE ISOLATION:
  An error on one wallet is recorded in the result and does not stop the
  others. SweepExpired only returns an error when it cannot start or when
  ctx is cancelled.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// SweepResult summarises one sweep run.
type SweepResult struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	WalletsScanned int
	WalletsFailed  int
	BatchesExpired int
	PointsExpired  decimal.Decimal
	Transactions   []TransactionID
	Errors         []WalletError
}

// WalletError is a per-wallet sweep failure.
type WalletError struct {
	UserID UserID
	Err    error
}

func (e WalletError) Error() string {
	return fmt.Sprintf("wallet %s: %v", e.UserID, e.Err)
}

type walletSweep struct {
	batches int
	points  decimal.Decimal
	txIDs   []TransactionID
}

// SweepExpired expires every overdue batch as of the engine clock.
func (e *Engine) SweepExpired(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	now := e.clock.Now()
	res := SweepResult{StartedAt: now, PointsExpired: decimal.Zero}

	users, err := e.wallets.UsersWithOverdueBatches(ctx, now)
	if err != nil {
		return res, fmt.Errorf("find overdue wallets: %w", err)
	}
	res.WalletsScanned = len(users)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.sweepConcurrency)

	for _, userID := range users {
		userID := userID
		g.Go(func() error {
			ws, err := e.sweepWallet(gctx, userID, now)

			mu.Lock()
			defer mu.Unlock()
			res.BatchesExpired += ws.batches
			res.PointsExpired = res.PointsExpired.Add(ws.points)
			res.Transactions = append(res.Transactions, ws.txIDs...)
			if err != nil {
				res.WalletsFailed++
				res.Errors = append(res.Errors, WalletError{UserID: userID, Err: err})
				e.log.Warn().Err(err).Str("user_id", string(userID)).Msg("sweep: wallet failed")
			}
			if ws.batches > 0 {
				e.cache.Invalidate(gctx, userID)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.FinishedAt = e.clock.Now()
	e.metrics.PointsMoved(TxExpired, res.PointsExpired)
	e.metrics.SweepCompleted(res, time.Since(started))
	e.log.Info().
		Int("wallets", res.WalletsScanned).
		Int("failed", res.WalletsFailed).
		Int("batches", res.BatchesExpired).
		Str("points", res.PointsExpired.StringFixed(Scale)).
		Dur("elapsed", time.Since(started)).
		Msg("sweep completed")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// sweepWallet expires one wallet's overdue batches, one unit per batch.
// Partial progress is returned alongside any error.
func (e *Engine) sweepWallet(ctx context.Context, userID UserID, now time.Time) (walletSweep, error) {
	ws := walletSweep{points: decimal.Zero}

	var ids []BatchID
	err := e.wallets.WithWalletLock(ctx, userID, func(tx LedgerTx) error {
		overdue, err := tx.OverdueBatches(ctx, now)
		if err != nil {
			return err
		}
		SortFIFO(overdue)
		for _, b := range overdue {
			ids = append(ids, b.ID)
		}
		return nil
	})
	if err != nil {
		return ws, fmt.Errorf("list overdue batches: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return ws, err
		}
		txID, expired, err := e.expireBatch(ctx, userID, id, now)
		if err != nil {
			if IsRetryable(err) {
				e.metrics.LockTimeout("sweep")
			}
			return ws, fmt.Errorf("expire batch %s: %w", id, err)
		}
		if expired.IsZero() {
			continue
		}
		ws.batches++
		ws.points = ws.points.Add(expired)
		ws.txIDs = append(ws.txIDs, txID)
	}
	return ws, nil
}

func (e *Engine) expireBatch(ctx context.Context, userID UserID, id BatchID, now time.Time) (TransactionID, decimal.Decimal, error) {
	var (
		txID    TransactionID
		expired decimal.Decimal
	)
	err := e.wallets.WithWalletLock(ctx, userID, func(tx LedgerTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		before := w.Balance

		batch, pts, err := e.ledger.Expire(ctx, tx, &w, id, now)
		if err != nil {
			return err
		}
		if pts.IsZero() {
			expired = pts
			return nil
		}

		rec := Transaction{
			ID:            TransactionID(uuid.NewString()),
			UserID:        w.UserID,
			WalletID:      w.ID,
			ServiceID:     batch.ServiceID,
			BatchID:       batch.ID,
			Type:          TxExpired,
			Points:        pts.Neg(),
			BalanceBefore: before,
			BalanceAfter:  w.Balance,
			Status:        StatusCompleted,
			Description:   fmt.Sprintf("Expired %s points", pts.StringFixed(Scale)),
			Metadata: map[string]string{
				"earned_at":  batch.EarnedAt.UTC().Format(time.RFC3339),
				"expired_at": batch.ExpiresAt.UTC().Format(time.RFC3339),
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.recorder.Record(ctx, tx, rec); err != nil {
			return err
		}
		txID, expired = rec.ID, pts
		return nil
	})
	if err != nil {
		var inv *InvariantViolationError
		if errors.As(err, &inv) {
			e.metrics.InvariantViolation("sweep")
			e.log.Error().Err(err).Str("user_id", string(userID)).Str("batch_id", string(id)).Msg("sweep: invariant violation")
		}
		return "", decimal.Zero, err
	}
	return txID, expired, nil
}
