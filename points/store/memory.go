// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	locks *points.WalletLocks

	mu           sync.RWMutex
	services     map[points.ServiceID]points.Service
	rules        map[points.RuleID]points.Rule
	wallets      map[points.UserID]points.Wallet
	batches      map[points.BatchID]points.Batch
	byWallet     map[points.WalletID][]points.BatchID
	transactions []points.Transaction
	txIndex      map[points.TransactionID]int
}

type Option func(*Memory)

// WithLockTimeout bounds the wait for a wallet lock.
func WithLockTimeout(d time.Duration) Option {
	return func(m *Memory) { m.locks = points.NewWalletLocks(d) }
}

func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		locks:    points.NewWalletLocks(points.DefaultLockTimeout),
		services: make(map[points.ServiceID]points.Service),
		rules:    make(map[points.RuleID]points.Rule),
		wallets:  make(map[points.UserID]points.Wallet),
		batches:  make(map[points.BatchID]points.Batch),
		byWallet: make(map[points.WalletID][]points.BatchID),
		txIndex:  make(map[points.TransactionID]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ points.Store = (*Memory)(nil)

// =============================================================================
// CATALOG
// =============================================================================

func (m *Memory) GetService(_ context.Context, id points.ServiceID) (*points.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok || svc.DeletedAt != nil {
		return nil, fmt.Errorf("service %s: %w", id, points.ErrServiceNotFound)
	}
	return &svc, nil
}

func (m *Memory) ListServices(_ context.Context) ([]points.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]points.Service, 0, len(m.services))
	for _, svc := range m.services {
		if svc.DeletedAt == nil {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) SaveService(_ context.Context, svc points.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = svc
	return nil
}

// ServiceExists counts soft-deleted services too.
func (m *Memory) ServiceExists(_ context.Context, id points.ServiceID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.services[id]
	return ok, nil
}

func (m *Memory) ListRules(_ context.Context, serviceID points.ServiceID, ruleType points.RuleType) ([]points.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []points.Rule
	for _, r := range m.rules {
		if r.ServiceID == serviceID && r.Type == ruleType && r.DeletedAt == nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidFrom.Before(out[j].ValidFrom) })
	return out, nil
}

func (m *Memory) GetRule(_ context.Context, id points.RuleID) (*points.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok || r.DeletedAt != nil {
		return nil, fmt.Errorf("rule %s: %w", id, points.ErrRuleNotFound)
	}
	return &r, nil
}

// RuleExists counts soft-deleted rules too.
func (m *Memory) RuleExists(_ context.Context, id points.RuleID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rules[id]
	return ok, nil
}

func (m *Memory) SaveRule(_ context.Context, rule points.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[rule.ServiceID]; !ok {
		return fmt.Errorf("service %s: %w", rule.ServiceID, points.ErrServiceNotFound)
	}
	m.rules[rule.ID] = rule
	return nil
}

// =============================================================================
// WALLETS & READS
// =============================================================================

// CreateWallet enforces one wallet per user, retired wallets included.
func (m *Memory) CreateWallet(_ context.Context, w points.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.UserID]; ok {
		return fmt.Errorf("user %s: %w", w.UserID, points.ErrWalletExists)
	}
	m.wallets[w.UserID] = w
	return nil
}

func (m *Memory) GetWallet(_ context.Context, userID points.UserID) (*points.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok || w.DeletedAt != nil {
		return nil, fmt.Errorf("user %s: %w", userID, points.ErrWalletNotFound)
	}
	return &w, nil
}

func (m *Memory) ActiveBatches(_ context.Context, walletID points.WalletID, asOf time.Time) ([]points.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []points.Batch
	for _, id := range m.byWallet[walletID] {
		if b := m.batches[id]; b.EligibleAt(asOf) {
			out = append(out, b)
		}
	}
	points.SortFIFO(out)
	return out, nil
}

func (m *Memory) UsersWithOverdueBatches(_ context.Context, asOf time.Time) ([]points.UserID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []points.UserID
	for userID, w := range m.wallets {
		if w.DeletedAt != nil {
			continue
		}
		for _, id := range m.byWallet[w.ID] {
			if m.batches[id].OverdueAt(asOf) {
				out = append(out, userID)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ListTransactions returns newest first.
func (m *Memory) ListTransactions(_ context.Context, f points.TransactionFilter) ([]points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []points.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		t := m.transactions[i]
		if f.UserID != "" && t.UserID != f.UserID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		out = append(out, cloneTransaction(t))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, id points.TransactionID) (*points.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, points.ErrTransactionNotFound)
	}
	t := cloneTransaction(m.transactions[i])
	return &t, nil
}

func (m *Memory) CorrectTransaction(_ context.Context, id points.TransactionID, c points.Correction, at time.Time) (*points.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, points.ErrTransactionNotFound)
	}
	t := cloneTransaction(m.transactions[i])
	if c.Status != nil {
		t.Status = *c.Status
	}
	if c.Description != nil {
		t.Description = *c.Description
	}
	for k, v := range c.Metadata {
		t.Metadata[k] = v
	}
	t.UpdatedAt = at
	m.transactions[i] = t

	out := cloneTransaction(t)
	return &out, nil
}

func cloneTransaction(t points.Transaction) points.Transaction {
	md := make(map[string]string, len(t.Metadata))
	for k, v := range t.Metadata {
		md[k] = v
	}
	t.Metadata = md
	return t
}

// =============================================================================
// WALLET-LOCKED UNIT OF WORK
// =============================================================================

// WithWalletLock serializes fn against other units on the same wallet.
// Writes are staged and applied to the store only if fn returns nil.
func (m *Memory) WithWalletLock(ctx context.Context, userID points.UserID, fn func(points.LedgerTx) error) error {
	release, err := m.locks.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	m.mu.RLock()
	w, ok := m.wallets[userID]
	m.mu.RUnlock()
	if !ok || w.DeletedAt != nil {
		return fmt.Errorf("user %s: %w", userID, points.ErrWalletNotFound)
	}

	tx := &memoryTx{
		parent:  m,
		wallet:  w,
		batches: make(map[points.BatchID]points.Batch),
		txIDs:   make(map[points.TransactionID]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallets[tx.wallet.UserID] = tx.wallet
	for _, id := range tx.inserted {
		m.byWallet[tx.wallet.ID] = append(m.byWallet[tx.wallet.ID], id)
	}
	for id, b := range tx.batches {
		m.batches[id] = b
	}
	for _, t := range tx.records {
		m.txIndex[t.ID] = len(m.transactions)
		m.transactions = append(m.transactions, t)
	}
}

// memoryTx stages one unit's writes on top of the committed state.
type memoryTx struct {
	parent   *Memory
	wallet   points.Wallet
	batches  map[points.BatchID]points.Batch
	inserted []points.BatchID
	records  []points.Transaction
	txIDs    map[points.TransactionID]bool
}

func (tx *memoryTx) Wallet(_ context.Context) (points.Wallet, error) {
	if tx.wallet.DeletedAt != nil {
		return points.Wallet{}, fmt.Errorf("user %s: %w", tx.wallet.UserID, points.ErrWalletNotFound)
	}
	return tx.wallet, nil
}

func (tx *memoryTx) SaveWallet(_ context.Context, w points.Wallet) error {
	if w.ID != tx.wallet.ID {
		return fmt.Errorf("wallet %s is not locked by this unit: %w", w.ID, points.ErrWalletNotFound)
	}
	tx.wallet = w
	return nil
}

// view merges committed and staged batches for the locked wallet.
func (tx *memoryTx) view() []points.Batch {
	tx.parent.mu.RLock()
	ids := append([]points.BatchID(nil), tx.parent.byWallet[tx.wallet.ID]...)
	committed := make(map[points.BatchID]points.Batch, len(ids))
	for _, id := range ids {
		committed[id] = tx.parent.batches[id]
	}
	tx.parent.mu.RUnlock()

	ids = append(ids, tx.inserted...)
	out := make([]points.Batch, 0, len(ids))
	for _, id := range ids {
		if b, ok := tx.batches[id]; ok {
			out = append(out, b)
			continue
		}
		out = append(out, committed[id])
	}
	return out
}

func (tx *memoryTx) EligibleBatches(_ context.Context, asOf time.Time) ([]points.Batch, error) {
	var out []points.Batch
	for _, b := range tx.view() {
		if b.EligibleAt(asOf) {
			out = append(out, b)
		}
	}
	points.SortFIFO(out)
	return out, nil
}

func (tx *memoryTx) OverdueBatches(_ context.Context, asOf time.Time) ([]points.Batch, error) {
	var out []points.Batch
	for _, b := range tx.view() {
		if b.OverdueAt(asOf) {
			out = append(out, b)
		}
	}
	points.SortFIFO(out)
	return out, nil
}

func (tx *memoryTx) GetBatch(_ context.Context, id points.BatchID) (*points.Batch, error) {
	if b, ok := tx.batches[id]; ok {
		return &b, nil
	}
	tx.parent.mu.RLock()
	b, ok := tx.parent.batches[id]
	tx.parent.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, points.ErrBatchNotFound)
	}
	return &b, nil
}

func (tx *memoryTx) InsertBatch(_ context.Context, b points.Batch) error {
	if _, err := tx.GetBatch(context.Background(), b.ID); err == nil {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	tx.batches[b.ID] = b
	tx.inserted = append(tx.inserted, b.ID)
	return nil
}

func (tx *memoryTx) UpdateBatch(ctx context.Context, b points.Batch) error {
	cur, err := tx.GetBatch(ctx, b.ID)
	if err != nil {
		return err
	}
	if cur.WalletID != tx.wallet.ID {
		return fmt.Errorf("batch %s is not in the locked wallet: %w", b.ID, points.ErrBatchNotFound)
	}
	tx.batches[b.ID] = b
	return nil
}

func (tx *memoryTx) AppendTransaction(_ context.Context, t points.Transaction) error {
	tx.parent.mu.RLock()
	_, exists := tx.parent.txIndex[t.ID]
	tx.parent.mu.RUnlock()
	if exists || tx.txIDs[t.ID] {
		return fmt.Errorf("transaction %s: %w", t.ID, points.ErrDuplicateTransaction)
	}
	tx.txIDs[t.ID] = true
	tx.records = append(tx.records, cloneTransaction(t))
	return nil
}
