package points_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points/store"
)

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	ctx    context.Context
	store  *store.Memory
	clock  *points.ManualClock
	engine *points.Engine
}

// newFixture seeds service "fuel" with 1 point per 10 earned (30 day
// expiry) and 1 point redeemed for 10.
func newFixture(t *testing.T, opts ...store.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory(opts...)
	clock := points.NewManualClock(points.Date(2025, 1, 1))

	require.NoError(t, mem.SaveService(ctx, points.Service{ID: "fuel", Name: "Fuel", IsActive: true}))
	saveRule(t, mem, earnRule("earn-1", nil, nil))
	saveRule(t, mem, points.Rule{
		ID: "burn-1", ServiceID: "fuel", Type: points.RuleBurn,
		PointsPerUnit: dec("1"), UnitAmount: dec("10"),
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
	})

	engine := points.NewEngine(points.EngineConfig{
		Rules:   mem,
		Wallets: mem,
		Clock:   clock,
		Logger:  zerolog.Nop(),
	})
	_, err := engine.OpenWallet(ctx, "alice")
	require.NoError(t, err)

	return &fixture{ctx: ctx, store: mem, clock: clock, engine: engine}
}

func earnRule(id string, minAmount, maxPoints *string) points.Rule {
	days := 30
	r := points.Rule{
		ID: points.RuleID(id), ServiceID: "fuel", Type: points.RuleEarn,
		PointsPerUnit: dec("1"), UnitAmount: dec("10"), ExpiryDays: &days,
		ValidFrom: points.Date(2024, 1, 1), IsActive: true,
		CreatedAt: points.Date(2024, 1, 1),
	}
	if minAmount != nil {
		r.MinAmount = decPtr(*minAmount)
	}
	if maxPoints != nil {
		r.MaxPoints = decPtr(*maxPoints)
	}
	return r
}

func saveRule(t *testing.T, mem *store.Memory, r points.Rule) {
	t.Helper()
	require.NoError(t, mem.SaveRule(context.Background(), r))
}

func strPtr(s string) *string { return &s }

func (f *fixture) earn(t *testing.T, amount string) *points.Transaction {
	t.Helper()
	tx, err := f.engine.Earn(f.ctx, points.EarnRequest{UserID: "alice", ServiceID: "fuel", Amount: dec(amount)})
	require.NoError(t, err)
	return tx
}

func (f *fixture) burn(pts string) (*points.Transaction, error) {
	return f.engine.Burn(f.ctx, points.BurnRequest{UserID: "alice", ServiceID: "fuel", Points: dec(pts)})
}

func (f *fixture) assertHealthy(t *testing.T) {
	t.Helper()
	v, err := f.engine.VerifyWallet(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, v.Healthy, "conservation drift %s, batch drift %s", v.ConservationDrift, v.BatchDrift)
}

// =============================================================================
// EARN
// =============================================================================

func TestEarn_CreatesBatchAndTransaction(t *testing.T) {
	f := newFixture(t)

	tx := f.earn(t, "250")

	assertPoints(t, "25", tx.Points)
	assertPoints(t, "0", tx.BalanceBefore)
	assertPoints(t, "25", tx.BalanceAfter)
	assert.Equal(t, points.TxEarn, tx.Type)
	assert.Equal(t, points.StatusCompleted, tx.Status)
	assert.Equal(t, points.RuleID("earn-1"), tx.RuleID)
	require.NotNil(t, tx.Amount)
	assertPoints(t, "250", *tx.Amount)

	batches, err := f.engine.GetActiveBatches(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, tx.BatchID, batches[0].ID)
	require.NotNil(t, batches[0].ExpiresAt)
	assert.Equal(t, points.Date(2025, 1, 31), *batches[0].ExpiresAt)

	summary, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assertPoints(t, "25", summary.Balance)
	assertPoints(t, "25", summary.TotalEarned)
	require.NotNil(t, summary.LastActivityAt)
	f.assertHealthy(t)
}

func TestEarn_BelowMinimumCreatesNothing(t *testing.T) {
	f := newFixture(t)
	saveRule(t, f.store, func() points.Rule {
		r := earnRule("earn-min", strPtr("50"), nil)
		r.ValidFrom = points.Date(2024, 6, 1)
		return r
	}())

	// WHEN: the amount is under the 50 minimum
	_, err := f.engine.Earn(f.ctx, points.EarnRequest{UserID: "alice", ServiceID: "fuel", Amount: dec("49.99")})

	// THEN: rejected, no batch, no transaction, wallet untouched
	require.ErrorIs(t, err, points.ErrBelowMinimumAmount)
	var below *points.BelowMinimumError
	require.ErrorAs(t, err, &below)
	assertPoints(t, "50", below.MinAmount)

	var opErr *points.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, points.StateRuleResolved, opErr.State)

	batches, err := f.engine.GetActiveBatches(f.ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, batches)
	txs, err := f.engine.ListTransactions(f.ctx, points.TransactionFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, txs)
	summary, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, summary.Balance.IsZero())
	assert.Nil(t, summary.LastActivityAt)
}

func TestEarn_MaxPointsClamp(t *testing.T) {
	f := newFixture(t)
	r := earnRule("earn-cap", nil, strPtr("25"))
	r.ValidFrom = points.Date(2024, 6, 1)
	saveRule(t, f.store, r)

	tx := f.earn(t, "1000")

	assertPoints(t, "25", tx.Points)
	batches, err := f.engine.GetActiveBatches(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assertPoints(t, "25", batches[0].Points)
	assertPoints(t, "25", batches[0].OriginalPoints)
}

func TestEarn_InactiveServiceFailsBeforeResolution(t *testing.T) {
	f := newFixture(t)
	svc, err := f.store.GetService(f.ctx, "fuel")
	require.NoError(t, err)
	svc.IsActive = false
	require.NoError(t, f.store.SaveService(f.ctx, *svc))

	_, err = f.engine.Earn(f.ctx, points.EarnRequest{UserID: "alice", ServiceID: "fuel", Amount: dec("100")})

	require.ErrorIs(t, err, points.ErrServiceInactive)
	var opErr *points.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, points.StateInitiated, opErr.State)
}

func TestEarn_NoActiveRule(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.SaveService(f.ctx, points.Service{ID: "hotel", Name: "Hotel", IsActive: true}))

	_, err := f.engine.Earn(f.ctx, points.EarnRequest{UserID: "alice", ServiceID: "hotel", Amount: dec("100")})

	require.ErrorIs(t, err, points.ErrRuleNotFound)
}

func TestEarn_UnknownWallet(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Earn(f.ctx, points.EarnRequest{UserID: "bob", ServiceID: "fuel", Amount: dec("100")})

	require.ErrorIs(t, err, points.ErrWalletNotFound)
	var opErr *points.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, points.StateCalculated, opErr.State)
}

// =============================================================================
// BURN
// =============================================================================

func TestBurn_ConsumesBatchesFIFO(t *testing.T) {
	f := newFixture(t)

	// GIVEN: three batches of 10, 20, 30 earned a day apart
	f.earn(t, "100")
	f.clock.AdvanceDays(1)
	f.earn(t, "200")
	f.clock.AdvanceDays(1)
	f.earn(t, "300")

	// WHEN: 15 points are burned
	tx, err := f.burn("15")
	require.NoError(t, err)

	// THEN: [0, 15, 30]
	assertPoints(t, "-15", tx.Points)
	assertPoints(t, "60", tx.BalanceBefore)
	assertPoints(t, "45", tx.BalanceAfter)
	require.NotNil(t, tx.Amount)
	assertPoints(t, "150", *tx.Amount)

	batches, err := f.engine.GetActiveBatches(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assertPoints(t, "15", batches[0].Points)
	assertPoints(t, "20", batches[0].OriginalPoints)
	assertPoints(t, "30", batches[1].Points)
	f.assertHealthy(t)
}

func TestBurn_SoonestExpiringFirstAcrossRuleChanges(t *testing.T) {
	f := newFixture(t)

	// GIVEN: a 30-day batch, then a rule change to 7 days and a later batch
	first := f.earn(t, "100")
	short := 7
	r := earnRule("earn-short", nil, nil)
	r.ExpiryDays = &short
	r.ValidFrom = points.Date(2025, 1, 2)
	saveRule(t, f.store, r)
	f.clock.AdvanceDays(1)
	second := f.earn(t, "100")

	// WHEN
	_, err := f.burn("5")
	require.NoError(t, err)

	// THEN: the later-earned but sooner-expiring batch is consumed first
	batches, err := f.engine.GetActiveBatches(f.ctx, "alice")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, second.BatchID, batches[0].ID)
	assertPoints(t, "5", batches[0].Points)
	assert.Equal(t, first.BatchID, batches[1].ID)
	assertPoints(t, "10", batches[1].Points)
}

func TestBurn_InsufficientBalanceMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100")

	_, err := f.burn("10.01")

	require.ErrorIs(t, err, points.ErrInsufficientBalance)
	var ins *points.InsufficientBalanceError
	require.ErrorAs(t, err, &ins)
	assertPoints(t, "10", ins.Available)
	assertPoints(t, "10.01", ins.Requested)
	assert.True(t, points.IsClientError(err))

	summary, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assertPoints(t, "10", summary.Balance)
	assert.True(t, summary.TotalBurned.IsZero())
}

func TestBurn_RejectsInvalidQuantities(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100")

	for _, pts := range []string{"0", "-1", "1.001"} {
		_, err := f.burn(pts)
		assert.ErrorIs(t, err, points.ErrInvalidQuantity, pts)
	}
}

func TestBurn_OverdueUnsweptPointsAreNotSpendable(t *testing.T) {
	f := newFixture(t)

	// GIVEN: 10 points that expired but were not swept, and 5 fresh points
	f.earn(t, "100")
	f.clock.AdvanceDays(31)
	f.earn(t, "50")

	// WHEN: 12 points are burned (balance says 15)
	_, err := f.burn("12")

	// THEN: only the 5 eligible points count as available
	var ins *points.InsufficientBalanceError
	require.ErrorAs(t, err, &ins)
	assertPoints(t, "5", ins.Available)
	f.assertHealthy(t)
}

func TestBurn_ConcurrentNoDoubleSpend(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "1000")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.burn("60")
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, points.ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, insufficient)

	summary, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assertPoints(t, "40", summary.Balance)
	f.assertHealthy(t)
}

func TestBurn_LockTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t, store.WithLockTimeout(20*time.Millisecond))
	f.earn(t, "100")

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.store.WithWalletLock(f.ctx, "alice", func(points.LedgerTx) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	_, err := f.burn("5")
	close(done)

	require.ErrorIs(t, err, points.ErrBusy)
	assert.True(t, points.IsRetryable(err))
	var opErr *points.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, points.StateCalculated, opErr.State)
}

// =============================================================================
// READS
// =============================================================================

func TestGetExpiringWithin(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100") // expires 2025-01-31
	f.clock.AdvanceDays(10)
	f.earn(t, "200") // expires 2025-02-10

	got, err := f.engine.GetExpiringWithin(f.ctx, "alice", 21)
	require.NoError(t, err)
	require.Len(t, got.Batches, 1)
	assertPoints(t, "10", got.Total)

	got, err = f.engine.GetExpiringWithin(f.ctx, "alice", 31)
	require.NoError(t, err)
	assert.Len(t, got.Batches, 2)
	assertPoints(t, "30", got.Total)

	_, err = f.engine.GetExpiringWithin(f.ctx, "alice", -1)
	require.ErrorIs(t, err, points.ErrInvalidInput)
}

func TestGetBalance_NextExpiry(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100")
	f.earn(t, "50")
	f.clock.AdvanceDays(1)
	f.earn(t, "70")

	s, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, s.ActiveBatches)
	require.NotNil(t, s.NextExpiry)
	assert.Equal(t, points.Date(2025, 1, 31), *s.NextExpiry)
	assertPoints(t, "15", s.NextExpiryPoints)
}

func TestGetBalance_UnknownWallet(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.GetBalance(f.ctx, "nobody")
	require.ErrorIs(t, err, points.ErrWalletNotFound)
}

// =============================================================================
// LIFECYCLE & CORRECTION
// =============================================================================

func TestOpenWallet_Idempotent(t *testing.T) {
	f := newFixture(t)

	w1, err := f.engine.OpenWallet(f.ctx, "bob")
	require.NoError(t, err)
	w2, err := f.engine.OpenWallet(f.ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, w1.ID, w2.ID)
}

func TestRetireWallet_HidesWalletAndBlocksMutations(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100")

	require.NoError(t, f.engine.RetireWallet(f.ctx, "alice"))

	_, err := f.engine.GetBalance(f.ctx, "alice")
	require.ErrorIs(t, err, points.ErrWalletNotFound)
	_, err = f.burn("1")
	require.ErrorIs(t, err, points.ErrWalletNotFound)
}

func TestCorrectTransaction_OnlyTouchesMutableFields(t *testing.T) {
	f := newFixture(t)
	orig := f.earn(t, "100")

	reversed := points.StatusReversed
	note := "reversed after dispute"
	got, err := f.engine.CorrectTransaction(f.ctx, orig.ID, points.Correction{
		Status:      &reversed,
		Description: &note,
		Metadata:    map[string]string{"ticket": "T-1"},
		CorrectedBy: "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, points.StatusReversed, got.Status)
	assert.Equal(t, note, got.Description)
	assert.Equal(t, "T-1", got.Metadata["ticket"])
	assert.Equal(t, "ops@example.com", got.Metadata["corrected_by"])
	assert.True(t, orig.Points.Equal(got.Points))
	assert.True(t, orig.BalanceAfter.Equal(got.BalanceAfter))

	bad := points.TransactionStatus("LOST")
	_, err = f.engine.CorrectTransaction(f.ctx, orig.ID, points.Correction{Status: &bad})
	require.ErrorIs(t, err, points.ErrInvalidInput)

	_, err = f.engine.CorrectTransaction(f.ctx, "missing", points.Correction{})
	require.ErrorIs(t, err, points.ErrTransactionNotFound)
}

func TestListTransactions_NewestFirstWithFilters(t *testing.T) {
	f := newFixture(t)
	f.earn(t, "100")
	f.clock.Advance(time.Hour)
	f.earn(t, "200")
	f.clock.Advance(time.Hour)
	_, err := f.burn("5")
	require.NoError(t, err)

	all, err := f.engine.ListTransactions(f.ctx, points.TransactionFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, points.TxBurn, all[0].Type)

	earns, err := f.engine.ListTransactions(f.ctx, points.TransactionFilter{UserID: "alice", Type: points.TxEarn, Limit: 1})
	require.NoError(t, err)
	require.Len(t, earns, 1)
	assertPoints(t, "20", earns[0].Points)
}

// =============================================================================
// CONSERVATION
// =============================================================================

func TestConservation_HoldsAfterEveryOperation(t *testing.T) {
	f := newFixture(t)

	steps := []func(){
		func() { f.earn(t, "123.45") },
		func() { _, _ = f.burn("3.21") },
		func() { f.clock.AdvanceDays(5); f.earn(t, "999.99") },
		func() { _, _ = f.burn("50") },
		func() { f.clock.AdvanceDays(27) },
		func() { _, err := f.engine.SweepExpired(f.ctx); require.NoError(t, err) },
		func() { _, _ = f.burn("1000") },
		func() { f.earn(t, "33.33") },
		func() { _, _ = f.burn("0.01") },
		func() { f.clock.AdvanceDays(60) },
		func() { _, err := f.engine.SweepExpired(f.ctx); require.NoError(t, err) },
	}
	for i, step := range steps {
		step()
		v, err := f.engine.VerifyWallet(f.ctx, "alice")
		require.NoError(t, err)
		require.True(t, v.Healthy, "step %d: drift %s / %s", i, v.ConservationDrift, v.BatchDrift)
	}

	s, err := f.engine.GetBalance(f.ctx, "alice")
	require.NoError(t, err)
	assert.True(t, s.Balance.IsZero())
	assert.True(t, s.TotalEarned.Sub(s.TotalBurned).Sub(s.TotalExpired).IsZero())
}
