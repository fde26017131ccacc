package gormstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/store/gormstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *gormstore.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "points.db") + "?_foreign_keys=on&_txlock=immediate&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), gormstore.GormConfig())
	require.NoError(t, err)
	s, err := gormstore.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type harness struct {
	ctx    context.Context
	store  *gormstore.Store
	clock  *points.ManualClock
	engine *points.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	s := newStore(t)
	clock := points.NewManualClock(points.Date(2025, 1, 1))
	days := 30

	require.NoError(t, s.SaveService(ctx, points.Service{
		ID: "fuel", Name: "Fuel", IsActive: true, CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
	}))
	require.NoError(t, s.SaveRule(ctx, points.Rule{
		ID: "earn-1", ServiceID: "fuel", Type: points.RuleEarn,
		PointsPerUnit: dec("1"), UnitAmount: dec("10"), ExpiryDays: &days,
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
	}))
	require.NoError(t, s.SaveRule(ctx, points.Rule{
		ID: "burn-1", ServiceID: "fuel", Type: points.RuleBurn,
		PointsPerUnit: dec("1"), UnitAmount: dec("10"),
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
	}))

	engine := points.NewEngine(points.EngineConfig{Rules: s, Wallets: s, Clock: clock, Logger: zerolog.Nop()})
	_, err := engine.OpenWallet(ctx, "alice")
	require.NoError(t, err)
	return &harness{ctx: ctx, store: s, clock: clock, engine: engine}
}

func (h *harness) earn(t *testing.T, amount string) *points.Transaction {
	t.Helper()
	tx, err := h.engine.Earn(h.ctx, points.EarnRequest{UserID: "alice", ServiceID: "fuel", Amount: dec(amount)})
	require.NoError(t, err)
	return tx
}

func TestCatalog_UpsertAndSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := points.Date(2025, 1, 1)
	maxPts := dec("500")

	svc := points.Service{ID: "hotel", Name: "Hotel", IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.SaveService(ctx, svc))
	svc.Name = "Hotels & Resorts"
	require.NoError(t, s.SaveService(ctx, svc))

	got, err := s.GetService(ctx, "hotel")
	require.NoError(t, err)
	assert.Equal(t, "Hotels & Resorts", got.Name)

	require.NoError(t, s.SaveRule(ctx, points.Rule{
		ID: "r1", ServiceID: "hotel", Type: points.RuleEarn,
		PointsPerUnit: dec("2.5"), UnitAmount: dec("100"), MaxPoints: &maxPts,
		ValidFrom: now, IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	rule, err := s.GetRule(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, rule.PointsPerUnit.Equal(dec("2.5")))
	require.NotNil(t, rule.MaxPoints)
	assert.True(t, rule.MaxPoints.Equal(maxPts))
	assert.Nil(t, rule.MinAmount)
	assert.Nil(t, rule.ExpiryDays)

	got.DeletedAt = &now
	require.NoError(t, s.SaveService(ctx, *got))
	_, err = s.GetService(ctx, "hotel")
	require.ErrorIs(t, err, points.ErrServiceNotFound)
}

func TestExists_CountsSoftDeletedRows(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	// GIVEN: a soft-deleted service and rule
	svc, err := h.store.GetService(h.ctx, "fuel")
	require.NoError(t, err)
	svc.DeletedAt = &now
	require.NoError(t, h.store.SaveService(h.ctx, *svc))
	r, err := h.store.GetRule(h.ctx, "earn-1")
	require.NoError(t, err)
	r.DeletedAt = &now
	require.NoError(t, h.store.SaveRule(h.ctx, *r))

	// WHEN / THEN: their IDs are still reported as taken
	taken, err := h.store.ServiceExists(h.ctx, "fuel")
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = h.store.RuleExists(h.ctx, "earn-1")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = h.store.ServiceExists(h.ctx, "hotel")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestSaveRule_FourDecimalRatioIsExact(t *testing.T) {
	h := newHarness(t)

	// GIVEN: a ratio at the finest precision rules accept
	require.NoError(t, h.store.SaveRule(h.ctx, points.Rule{
		ID: "fine", ServiceID: "fuel", Type: points.RuleEarn,
		PointsPerUnit: dec("0.0125"), UnitAmount: dec("1.5"),
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
	}))

	// WHEN
	r, err := h.store.GetRule(h.ctx, "fine")

	// THEN: the stored rule reads back unchanged
	require.NoError(t, err)
	assert.True(t, r.PointsPerUnit.Equal(dec("0.0125")), r.PointsPerUnit.String())
	assert.True(t, r.UnitAmount.Equal(dec("1.5")), r.UnitAmount.String())
}

func TestSaveRule_UnknownService(t *testing.T) {
	s := newStore(t)

	err := s.SaveRule(context.Background(), points.Rule{
		ID: "r1", ServiceID: "ghost", Type: points.RuleEarn,
		PointsPerUnit: dec("1"), UnitAmount: dec("1"), ValidFrom: points.Date(2025, 1, 1),
	})

	require.ErrorIs(t, err, points.ErrServiceNotFound)
}

func TestCreateWallet_OnePerUser(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	now := points.Date(2025, 1, 1)

	require.NoError(t, s.CreateWallet(ctx, points.NewWallet("w1", "alice", now)))
	err := s.CreateWallet(ctx, points.NewWallet("w2", "alice", now))
	require.ErrorIs(t, err, points.ErrWalletExists)
}

func TestEarnBurnExpire_Conserves(t *testing.T) {
	h := newHarness(t)

	// GIVEN: two batches, the first with a partial burn
	h.earn(t, "100")
	_, err := h.engine.Burn(h.ctx, points.BurnRequest{UserID: "alice", ServiceID: "fuel", Points: dec("4")})
	require.NoError(t, err)
	h.clock.AdvanceDays(10)
	h.earn(t, "55")

	// WHEN: the first batch passes its expiry and is swept
	h.clock.AdvanceDays(21)
	res, err := h.engine.SweepExpired(h.ctx)
	require.NoError(t, err)

	// THEN
	assert.Equal(t, 1, res.BatchesExpired)
	assert.Equal(t, "6.00", res.PointsExpired.StringFixed(2))

	v, err := h.engine.VerifyWallet(h.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, v.Healthy)
	assert.Equal(t, "5.50", v.Balance.StringFixed(2))

	txs, err := h.engine.ListTransactions(h.ctx, points.TransactionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, points.TxExpired, txs[0].Type)
	assert.Equal(t, points.TxEarn, txs[3].Type)
}

func TestBurn_InsufficientLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	h.earn(t, "100")

	_, err := h.engine.Burn(h.ctx, points.BurnRequest{UserID: "alice", ServiceID: "fuel", Points: dec("10.01")})
	require.ErrorIs(t, err, points.ErrInsufficientBalance)

	w, err := h.store.GetWallet(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.00", w.Balance.StringFixed(2))
}

func TestWithWalletLock_RollsBackOnError(t *testing.T) {
	h := newHarness(t)
	h.earn(t, "100")
	boom := errors.New("boom")

	err := h.store.WithWalletLock(h.ctx, "alice", func(tx points.LedgerTx) error {
		w, err := tx.Wallet(h.ctx)
		require.NoError(t, err)
		w.Balance = dec("999")
		require.NoError(t, tx.SaveWallet(h.ctx, w))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := h.store.GetWallet(h.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.00", w.Balance.StringFixed(2))
}

func TestAppendTransaction_Duplicate(t *testing.T) {
	h := newHarness(t)
	orig := h.earn(t, "100")

	err := h.store.WithWalletLock(h.ctx, "alice", func(tx points.LedgerTx) error {
		return tx.AppendTransaction(h.ctx, *orig)
	})

	require.ErrorIs(t, err, points.ErrDuplicateTransaction)
}

func TestCorrectTransaction(t *testing.T) {
	h := newHarness(t)
	orig := h.earn(t, "100")
	desc := "manual fix"

	_, err := h.engine.CorrectTransaction(h.ctx, orig.ID, points.Correction{Description: &desc, CorrectedBy: "ops"})
	require.NoError(t, err)

	got, err := h.store.GetTransaction(h.ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual fix", got.Description)
	assert.Equal(t, "ops", got.Metadata["corrected_by"])
	assert.Equal(t, orig.Metadata["expires_at"], got.Metadata["expires_at"])
	assert.True(t, orig.Points.Equal(got.Points))
}

func TestUsersWithOverdueBatches_SkipsRetiredWallets(t *testing.T) {
	h := newHarness(t)
	h.earn(t, "100")
	_, err := h.engine.OpenWallet(h.ctx, "bob")
	require.NoError(t, err)
	_, err = h.engine.Earn(h.ctx, points.EarnRequest{UserID: "bob", ServiceID: "fuel", Amount: dec("100")})
	require.NoError(t, err)
	require.NoError(t, h.engine.RetireWallet(h.ctx, "bob"))

	users, err := h.store.UsersWithOverdueBatches(h.ctx, h.clock.Now().Add(31*24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, []points.UserID{"alice"}, users)
}

func TestMySQLConfig_DSN(t *testing.T) {
	cfg := gormstore.MySQLConfig{
		Host: "db", Port: 3306, User: "points", Password: "secret", Database: "ledger",
		LockTimeout: 1500 * time.Millisecond,
	}

	dsn := cfg.DSN()

	assert.Contains(t, dsn, "points:secret@tcp(db:3306)/ledger")
	assert.Contains(t, dsn, "innodb_lock_wait_timeout=2")
	assert.Contains(t, dsn, "parseTime=true")
}
