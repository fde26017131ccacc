/*
Package points provides the loyalty points ledger engine.

PURPOSE:
  Customers earn points from money spent on partner services and burn
  points for discounts. This package owns everything with real invariants:
  rule resolution, point calculation, the batch ledger, the wallet aggregate,
  transaction recording and the expiry sweep. HTTP, admin screens and
  storage mechanics live elsewhere and talk to the engine through the
  interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: one per user, the authoritative balance and lifetime counters
  - Batch: the still-redeemable remainder of one earn event, with its expiry
  - Rule: a service's exchange ratio and constraints for EARN or BURN
  - Service: a partner service that rules belong to
  - Transaction: the immutable record of every balance change

DESIGN PRINCIPLES:
  1. Precision: every quantity is a decimal.Decimal rounded to 2 places
  2. Conservation: TotalEarned - TotalBurned - TotalExpired == Balance
  3. Serialization: all wallet mutations happen under the wallet lock
  4. Tombstones: wallets, services and rules are soft-deleted via DeletedAt

USAGE:
  engine := points.NewEngine(points.EngineConfig{Rules: store, Wallets: store})
  tx, err := engine.Earn(ctx, points.EarnRequest{
      UserID:    "user-1",
      ServiceID: "fuel",
      Amount:    decimal.RequireFromString("250.00"),
  })

SEE ALSO:
  - calculator.go: Amount <-> points conversion
  - ledger.go: Batch creation and FIFO deduction
  - engine.go: Earn/burn orchestration
  - sweep.go: Expiry sweep
*/
package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type WalletID string
type ServiceID string
type RuleID string
type BatchID string
type TransactionID string

// Scale is the number of decimal places kept for points and money.
const Scale int32 = 2

// Round applies the ledger's single rounding policy: 2 places, half away
// from zero. Earn and burn paths must both go through it.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// IsRounded reports whether d already carries at most Scale decimal places.
func IsRounded(d decimal.Decimal) bool {
	return d.Equal(Round(d))
}

// =============================================================================
// SERVICE & RULE
// =============================================================================

type RuleType string

const (
	RuleEarn RuleType = "EARN"
	RuleBurn RuleType = "BURN"
)

func (t RuleType) Valid() bool { return t == RuleEarn || t == RuleBurn }

// Service is a partner service points are earned on and burned against.
type Service struct {
	ID          ServiceID
	Name        string
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   *time.Time
}

// Available reports whether earn/burn may run against the service.
func (s Service) Available() bool {
	return s.IsActive && s.DeletedAt == nil
}

// Rule is a versioned earn or burn configuration for a service.
// PointsPerUnit points are exchanged per UnitAmount of currency.
type Rule struct {
	ID            RuleID
	ServiceID     ServiceID
	Type          RuleType
	PointsPerUnit decimal.Decimal
	UnitAmount    decimal.Decimal
	MinAmount     *decimal.Decimal
	MaxPoints     *decimal.Decimal
	ExpiryDays    *int // EARN only; nil means batches never expire
	ValidFrom     time.Time
	ValidUntil    *time.Time
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// CoversInstant reports whether at falls inside the rule's validity window.
// Both bounds are inclusive.
func (r Rule) CoversInstant(at time.Time) bool {
	if at.Before(r.ValidFrom) {
		return false
	}
	return r.ValidUntil == nil || !r.ValidUntil.Before(at)
}

// EffectiveAt reports whether the rule can be selected at the given instant.
func (r Rule) EffectiveAt(at time.Time) bool {
	return r.IsActive && r.DeletedAt == nil && r.CoversInstant(at)
}

// ExpiryFrom returns the expiry of a batch earned at t under this rule.
func (r Rule) ExpiryFrom(t time.Time) *time.Time {
	if r.ExpiryDays == nil {
		return nil
	}
	exp := t.AddDate(0, 0, *r.ExpiryDays)
	return &exp
}

// =============================================================================
// WALLET
// =============================================================================

// Wallet is the per-user aggregate. It is only mutated through the
// BatchLedger, inside a wallet-locked unit of work.
type Wallet struct {
	ID             WalletID
	UserID         UserID
	Balance        decimal.Decimal
	TotalEarned    decimal.Decimal
	TotalBurned    decimal.Decimal
	TotalExpired   decimal.Decimal
	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// =============================================================================
// BATCH
// =============================================================================

// Batch is one earn event's remaining redeemable points.
type Batch struct {
	ID             BatchID
	WalletID       WalletID
	TransactionID  TransactionID
	ServiceID      ServiceID
	Points         decimal.Decimal
	OriginalPoints decimal.Decimal
	EarnedAt       time.Time
	ExpiresAt      *time.Time
	IsExpired      bool
	UpdatedAt      time.Time
}

// EligibleAt reports whether the batch can be consumed at the given instant.
func (b Batch) EligibleAt(at time.Time) bool {
	if !b.Points.IsPositive() || b.IsExpired {
		return false
	}
	return b.ExpiresAt == nil || !b.ExpiresAt.Before(at)
}

// OverdueAt reports whether the batch is past its expiry but not yet swept.
func (b Batch) OverdueAt(at time.Time) bool {
	return b.Points.IsPositive() && !b.IsExpired && b.ExpiresAt != nil && b.ExpiresAt.Before(at)
}

// =============================================================================
// TRANSACTION
// =============================================================================

type TransactionType string

const (
	TxEarn       TransactionType = "EARN"
	TxBurn       TransactionType = "BURN"
	TxExpired    TransactionType = "EXPIRED"
	TxAdjustment TransactionType = "ADJUSTMENT"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusReversed  TransactionStatus = "REVERSED"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusReversed:
		return true
	}
	return false
}

// Transaction is an append-only record of a balance change.
// Points is signed: positive for EARN, negative for BURN and EXPIRED,
// so BalanceAfter == BalanceBefore + Points.
type Transaction struct {
	ID            TransactionID
	UserID        UserID
	WalletID      WalletID
	ServiceID     ServiceID
	RuleID        RuleID
	BatchID       BatchID
	Type          TransactionType
	Amount        *decimal.Decimal // nil for EXPIRED
	Points        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Status        TransactionStatus
	Description   string
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Correction is the only post-hoc change allowed on a transaction.
type Correction struct {
	Status      *TransactionStatus
	Description *string
	Metadata    map[string]string
	CorrectedBy string
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	UserID UserID
	Type   TransactionType // empty = all
	Limit  int             // 0 = no limit
}
