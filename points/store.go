/*
store.go - Persistence interfaces for the points engine

PURPOSE:
  Defines the boundary between the ledger logic and storage. The engine
  only needs three things from a store:
  - read access to services and rules (RuleStore)
  - a wallet-locked unit of work (WalletStore.WithWalletLock)
  - lock-free reads for balance, batches and history

KEY INTERFACES:
  RuleStore:    Services and rules, read side
  CatalogStore: Services and rules, admin write side
  LedgerTx:     Everything that may happen while a wallet is locked
  WalletStore:  Wallet lifecycle, the locked unit of work, read queries
  Store:        All of the above

UNIT OF WORK CONTRACT:
  WithWalletLock(ctx, userID, fn):
  - acquires an exclusive lock on the wallet row, waiting at most the
    configured lock timeout, else returns ErrBusy
  - runs fn with a LedgerTx bound to that wallet
  - commits every write made through the LedgerTx if fn returns nil,
    otherwise discards all of them
  Two units on the same wallet never interleave. Units on different
  wallets may run in parallel.

SOFT DELETE:
  Every read path filters DeletedAt. Nothing is physically deleted.

IMPLEMENTATIONS:
  - points/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite (default deployment)
  - store/gormstore: GORM over MySQL with SELECT ... FOR UPDATE

SEE ALSO:
  - ledger.go: The only writer of batches and wallet figures
  - lock.go: Keyed wallet lock shared by memory and SQLite stores
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// RULE STORE
// =============================================================================

// RuleStore is the read side of the service catalog.
type RuleStore interface {
	// GetService returns ErrServiceNotFound for unknown or soft-deleted services.
	GetService(ctx context.Context, id ServiceID) (*Service, error)

	// ListRules returns the non-deleted rules of one type for a service,
	// active or not. Selection is the Resolver's job.
	ListRules(ctx context.Context, serviceID ServiceID, ruleType RuleType) ([]Rule, error)
}

// CatalogStore adds the administrator write side.
type CatalogStore interface {
	RuleStore

	ListServices(ctx context.Context) ([]Service, error)
	SaveService(ctx context.Context, svc Service) error
	GetRule(ctx context.Context, id RuleID) (*Rule, error)
	SaveRule(ctx context.Context, rule Rule) error

	// ServiceExists and RuleExists include soft-deleted rows. An id that
	// history may reference is never handed out again.
	ServiceExists(ctx context.Context, id ServiceID) (bool, error)
	RuleExists(ctx context.Context, id RuleID) (bool, error)
}

// =============================================================================
// LEDGER TX - Wallet-locked unit of work
// =============================================================================

// LedgerTx is bound to one locked wallet. It is only valid inside the
// WithWalletLock callback that produced it.
type LedgerTx interface {
	// Wallet returns the locked wallet row.
	Wallet(ctx context.Context) (Wallet, error)
	SaveWallet(ctx context.Context, w Wallet) error

	// EligibleBatches returns batches with points > 0, not expired, and
	// ExpiresAt nil or >= asOf, in FIFO order.
	EligibleBatches(ctx context.Context, asOf time.Time) ([]Batch, error)

	// OverdueBatches returns batches with points > 0, not expired, and
	// ExpiresAt < asOf.
	OverdueBatches(ctx context.Context, asOf time.Time) ([]Batch, error)

	GetBatch(ctx context.Context, id BatchID) (*Batch, error)
	InsertBatch(ctx context.Context, b Batch) error
	UpdateBatch(ctx context.Context, b Batch) error

	AppendTransaction(ctx context.Context, tx Transaction) error
}

// =============================================================================
// WALLET STORE
// =============================================================================

type WalletStore interface {
	// CreateWallet returns ErrWalletExists if the user already has one.
	CreateWallet(ctx context.Context, w Wallet) error

	// GetWallet is a lock-free read. Soft-deleted wallets are not found.
	GetWallet(ctx context.Context, userID UserID) (*Wallet, error)

	// WithWalletLock runs fn under the user's exclusive wallet lock.
	WithWalletLock(ctx context.Context, userID UserID, fn func(LedgerTx) error) error

	// ActiveBatches is a lock-free read of the wallet's eligible batches
	// at asOf, in FIFO order.
	ActiveBatches(ctx context.Context, walletID WalletID, asOf time.Time) ([]Batch, error)

	// UsersWithOverdueBatches lists the owners of wallets holding batches
	// that expired before asOf and have not been swept.
	UsersWithOverdueBatches(ctx context.Context, asOf time.Time) ([]UserID, error)

	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// CorrectTransaction changes status, description and metadata only.
	CorrectTransaction(ctx context.Context, id TransactionID, c Correction, at time.Time) (*Transaction, error)
}

// Store is everything a full deployment provides.
type Store interface {
	CatalogStore
	WalletStore
}
