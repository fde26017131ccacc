/*
wallet.go - Wallet aggregate arithmetic

PURPOSE:
  The wallet holds the authoritative balance and the three lifetime
  counters. These methods are the only code that changes those figures,
  and they are only called by the BatchLedger while the wallet is locked.

CONSERVATION LAW:
  TotalEarned - TotalBurned - TotalExpired == Balance

  Every method moves Balance and exactly one counter by the same amount,
  so the law holds after each call if it held before.

SEE ALSO:
  - ledger.go: Callers
  - engine.go: VerifyWallet reports drift
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// NewWallet returns an empty wallet for a user.
func NewWallet(id WalletID, userID UserID, now time.Time) Wallet {
	return Wallet{
		ID:           id,
		UserID:       userID,
		Balance:      decimal.Zero,
		TotalEarned:  decimal.Zero,
		TotalBurned:  decimal.Zero,
		TotalExpired: decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (w *Wallet) applyEarn(pts decimal.Decimal, at time.Time) {
	w.Balance = w.Balance.Add(pts)
	w.TotalEarned = w.TotalEarned.Add(pts)
	w.touch(at)
}

func (w *Wallet) applyBurn(pts decimal.Decimal, at time.Time) {
	w.Balance = w.Balance.Sub(pts)
	w.TotalBurned = w.TotalBurned.Add(pts)
	w.touch(at)
}

// applyExpiry does not count as customer activity.
func (w *Wallet) applyExpiry(pts decimal.Decimal, at time.Time) {
	w.Balance = w.Balance.Sub(pts)
	w.TotalExpired = w.TotalExpired.Add(pts)
	w.UpdatedAt = at
}

func (w *Wallet) touch(at time.Time) {
	t := at
	w.LastActivityAt = &t
	w.UpdatedAt = at
}

// Drift returns TotalEarned - TotalBurned - TotalExpired - Balance.
// Zero on a healthy wallet.
func (w Wallet) Drift() decimal.Decimal {
	return w.TotalEarned.Sub(w.TotalBurned).Sub(w.TotalExpired).Sub(w.Balance)
}

// Conserved reports whether the conservation law holds.
func (w Wallet) Conserved() bool {
	return w.Drift().IsZero()
}

// SumPoints adds up the remaining points of a set of batches.
func SumPoints(batches []Batch) decimal.Decimal {
	total := decimal.Zero
	for _, b := range batches {
		total = total.Add(b.Points)
	}
	return total
}
