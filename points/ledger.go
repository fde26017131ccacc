/*
ledger.go - Batch ledger: earn, FIFO deduction, batch expiry

PURPOSE:
  A wallet's balance is a collection of batches, one per earn event, each
  with its own expiry. The BatchLedger is the only code that creates or
  changes batches, and it moves the wallet figures in the same step so
  Balance == sum(active batch points) always holds.

OPERATIONS (all run inside a wallet-locked LedgerTx):
  Earn:   one new batch with the full earned quantity; Balance and
          TotalEarned grow by the same amount
  Deduct: consume eligible batches soonest-expiry-first until the request
          is covered; Balance and TotalBurned shrink by the same amount
  Expire: zero and tombstone one overdue batch; Balance shrinks and
          TotalExpired grows

FIFO KEY:
  ExpiresAt ascending (never-expiring batches last), then EarnedAt
  ascending, then ID. Soonest-to-expire is consumed first, which minimises
  forfeited points and matches oldest-first under non-overlapping windows.

ALL-OR-NOTHING:
  Deduct plans every batch change in memory and writes nothing until the
  plan covers the full request. Any error returned to WithWalletLock
  discards the unit anyway.
*/
package points

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchLedger owns batch creation, consumption and expiry.
type BatchLedger struct{}

func NewBatchLedger() *BatchLedger {
	return &BatchLedger{}
}

// =============================================================================
// EARN
// =============================================================================

// EarnInput describes a new batch.
type EarnInput struct {
	Points        decimal.Decimal
	ExpiresAt     *time.Time
	ServiceID     ServiceID
	TransactionID TransactionID
	At            time.Time
}

// Earn appends a batch and credits the wallet. The wallet is updated in
// place and persisted through tx.
func (l *BatchLedger) Earn(ctx context.Context, tx LedgerTx, w *Wallet, in EarnInput) (Batch, error) {
	if !in.Points.IsPositive() || !IsRounded(in.Points) {
		return Batch{}, fmt.Errorf("earn %s points: %w", in.Points, ErrInvalidQuantity)
	}

	batch := Batch{
		ID:             BatchID(uuid.NewString()),
		WalletID:       w.ID,
		TransactionID:  in.TransactionID,
		ServiceID:      in.ServiceID,
		Points:         in.Points,
		OriginalPoints: in.Points,
		EarnedAt:       in.At,
		ExpiresAt:      in.ExpiresAt,
		UpdatedAt:      in.At,
	}
	if err := tx.InsertBatch(ctx, batch); err != nil {
		return Batch{}, fmt.Errorf("insert batch: %w", err)
	}

	w.applyEarn(in.Points, in.At)
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return Batch{}, fmt.Errorf("save wallet: %w", err)
	}
	return batch, nil
}

// =============================================================================
// DEDUCT (FIFO)
// =============================================================================

// BatchDeduction is one batch's share of a burn.
type BatchDeduction struct {
	BatchID  BatchID
	Before   decimal.Decimal
	Deducted decimal.Decimal
	After    decimal.Decimal
}

// DeductionResult summarises a successful Deduct.
type DeductionResult struct {
	Deducted       decimal.Decimal
	Remaining      decimal.Decimal // always zero on success
	UpdatedBatches []BatchDeduction
}

// Deduct consumes pts from the wallet's eligible batches in FIFO order.
// Nothing is written unless the full amount is covered.
func (l *BatchLedger) Deduct(ctx context.Context, tx LedgerTx, w *Wallet, pts decimal.Decimal, at time.Time) (DeductionResult, error) {
	if !pts.IsPositive() || !IsRounded(pts) {
		return DeductionResult{}, fmt.Errorf("deduct %s points: %w", pts, ErrInvalidQuantity)
	}
	if pts.GreaterThan(w.Balance) {
		return DeductionResult{}, &InsufficientBalanceError{UserID: w.UserID, Available: w.Balance, Requested: pts}
	}

	batches, err := tx.EligibleBatches(ctx, at)
	if err != nil {
		return DeductionResult{}, fmt.Errorf("load eligible batches: %w", err)
	}
	SortFIFO(batches)

	plan, remaining := PlanDeduction(batches, pts)
	if remaining.IsPositive() {
		return DeductionResult{}, l.shortfall(ctx, tx, w, batches, pts, at)
	}

	byID := make(map[BatchID]Batch, len(batches))
	for _, b := range batches {
		byID[b.ID] = b
	}
	for _, d := range plan {
		b := byID[d.BatchID]
		b.Points = d.After
		b.UpdatedAt = at
		if err := tx.UpdateBatch(ctx, b); err != nil {
			return DeductionResult{}, fmt.Errorf("update batch %s: %w", b.ID, err)
		}
	}

	w.applyBurn(pts, at)
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return DeductionResult{}, fmt.Errorf("save wallet: %w", err)
	}

	return DeductionResult{Deducted: pts, Remaining: decimal.Zero, UpdatedBatches: plan}, nil
}

// shortfall classifies a deduction the eligible batches could not cover
// although the wallet balance allowed it. If the gap is exactly the
// overdue points still waiting for the sweep, the customer simply does not
// have that much spendable; any other gap means the wallet and its batches
// disagree.
func (l *BatchLedger) shortfall(ctx context.Context, tx LedgerTx, w *Wallet, eligible []Batch, pts decimal.Decimal, at time.Time) error {
	available := SumPoints(eligible)

	overdue, err := tx.OverdueBatches(ctx, at)
	if err != nil {
		return fmt.Errorf("load overdue batches: %w", err)
	}
	if available.Add(SumPoints(overdue)).Equal(w.Balance) {
		return &InsufficientBalanceError{UserID: w.UserID, Available: available, Requested: pts}
	}
	return &InvariantViolationError{
		WalletID: w.ID,
		Detail:   "wallet balance does not match its batches",
		Expected: w.Balance,
		Actual:   available.Add(SumPoints(overdue)),
	}
}

// PlanDeduction walks batches in the given order, taking
// min(batch.Points, remaining) from each. It returns the per-batch plan and
// whatever could not be covered.
func PlanDeduction(batches []Batch, pts decimal.Decimal) ([]BatchDeduction, decimal.Decimal) {
	remaining := pts
	var plan []BatchDeduction
	for _, b := range batches {
		if !remaining.IsPositive() {
			break
		}
		if !b.Points.IsPositive() {
			continue
		}
		take := decimal.Min(b.Points, remaining)
		plan = append(plan, BatchDeduction{
			BatchID:  b.ID,
			Before:   b.Points,
			Deducted: take,
			After:    b.Points.Sub(take),
		})
		remaining = remaining.Sub(take)
	}
	return plan, remaining
}

// SortFIFO orders batches by the consumption key.
func SortFIFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		return fifoLess(batches[i], batches[j])
	})
}

func fifoLess(a, b Batch) bool {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return false
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return true
	case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
		return a.ExpiresAt.Before(*b.ExpiresAt)
	}
	if !a.EarnedAt.Equal(b.EarnedAt) {
		return a.EarnedAt.Before(b.EarnedAt)
	}
	return a.ID < b.ID
}

// =============================================================================
// EXPIRE
// =============================================================================

// Expire zeroes and tombstones one batch that is overdue at `at`, debiting
// the wallet. It returns the expired quantity; zero means the batch was
// already handled (swept, consumed, or not yet due) and nothing changed.
func (l *BatchLedger) Expire(ctx context.Context, tx LedgerTx, w *Wallet, id BatchID, at time.Time) (Batch, decimal.Decimal, error) {
	b, err := tx.GetBatch(ctx, id)
	if err != nil {
		return Batch{}, decimal.Zero, err
	}
	if b.WalletID != w.ID {
		return Batch{}, decimal.Zero, fmt.Errorf("batch %s belongs to wallet %s, not %s: %w",
			id, b.WalletID, w.ID, ErrBatchNotFound)
	}
	if !b.OverdueAt(at) {
		return *b, decimal.Zero, nil
	}

	expired := b.Points
	if expired.GreaterThan(w.Balance) {
		return Batch{}, decimal.Zero, &InvariantViolationError{
			WalletID: w.ID,
			Detail:   fmt.Sprintf("batch %s holds more than the wallet balance", id),
			Expected: w.Balance,
			Actual:   expired,
		}
	}

	b.Points = decimal.Zero
	b.IsExpired = true
	b.UpdatedAt = at
	if err := tx.UpdateBatch(ctx, *b); err != nil {
		return Batch{}, decimal.Zero, fmt.Errorf("update batch %s: %w", id, err)
	}

	w.applyExpiry(expired, at)
	if err := tx.SaveWallet(ctx, *w); err != nil {
		return Batch{}, decimal.Zero, fmt.Errorf("save wallet: %w", err)
	}
	return *b, expired, nil
}
