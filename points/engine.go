/*
engine.go - Earn/burn orchestration and read queries

PURPOSE:
  The Engine is the in-process API of the ledger. It wires the resolver,
  calculator, batch ledger and recorder together and runs every mutation
  inside one wallet-locked unit of work.

OPERATION STATES:
  INITIATED -> RULE_RESOLVED -> CALCULATED -> LEDGER_UPDATED -> RECORDED

  Any failure ends the operation in FAILED and is returned as an
  OperationError carrying the last state reached. Failures before
  LEDGER_UPDATED happen before the lock is taken, so nothing was written.
  Failures after it roll back the whole unit: batch, wallet and transaction
  row commit together or not at all.

READS:
  GetBalance, GetActiveBatches and GetExpiringWithin take no lock. Balance
  summaries may be served from a short-lived cache that is invalidated
  after every committed mutation.

SEE ALSO:
  - ledger.go: Batch mutations
  - recorder.go: Transaction append with retry
  - sweep.go: Expiry sweep
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// OPERATION STATE
// =============================================================================

type OperationState string

const (
	StateInitiated     OperationState = "INITIATED"
	StateRuleResolved  OperationState = "RULE_RESOLVED"
	StateCalculated    OperationState = "CALCULATED"
	StateLedgerUpdated OperationState = "LEDGER_UPDATED"
	StateRecorded      OperationState = "RECORDED"
	StateFailed        OperationState = "FAILED"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// BalanceCache holds recently computed wallet summaries.
type BalanceCache interface {
	Get(ctx context.Context, userID UserID) (*WalletSummary, bool)
	Set(ctx context.Context, userID UserID, summary WalletSummary)
	Invalidate(ctx context.Context, userID UserID)
}

// Metrics receives engine events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	OperationCompleted(op, outcome string, elapsed time.Duration)
	PointsMoved(kind TransactionType, pts decimal.Decimal)
	LockTimeout(op string)
	InvariantViolation(op string)
	SweepCompleted(res SweepResult, elapsed time.Duration)
}

type noCache struct{}

func (noCache) Get(context.Context, UserID) (*WalletSummary, bool) { return nil, false }
func (noCache) Set(context.Context, UserID, WalletSummary)         {}
func (noCache) Invalidate(context.Context, UserID)                 {}

type noMetrics struct{}

func (noMetrics) OperationCompleted(string, string, time.Duration) {}
func (noMetrics) PointsMoved(TransactionType, decimal.Decimal)     {}
func (noMetrics) LockTimeout(string)                               {}
func (noMetrics) InvariantViolation(string)                        {}
func (noMetrics) SweepCompleted(SweepResult, time.Duration)        {}

// Outcome labels reported to Metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeBusy     = "busy"
	OutcomeError    = "error"
)

// Outcome classifies an operation error for reporting.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case IsRetryable(err):
		return OutcomeBusy
	case IsClientError(err), IsNotFound(err):
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// EngineConfig lists the engine's dependencies. Rules and Wallets are
// required; everything else has a usable default.
type EngineConfig struct {
	Rules   RuleStore
	Wallets WalletStore
	Clock   Clock
	Cache   BalanceCache
	Metrics Metrics
	Logger  zerolog.Logger

	RecordMaxAttempts int
	SweepConcurrency  int
}

type Engine struct {
	rules    RuleStore
	wallets  WalletStore
	clock    Clock
	cache    BalanceCache
	metrics  Metrics
	log      zerolog.Logger
	resolver *Resolver
	ledger   *BatchLedger
	recorder *Recorder

	sweepConcurrency int
}

// DefaultSweepConcurrency is the number of wallets swept in parallel.
const DefaultSweepConcurrency = 8

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Cache == nil {
		cfg.Cache = noCache{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noMetrics{}
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = DefaultSweepConcurrency
	}
	log := cfg.Logger.With().Str("component", "points").Logger()

	return &Engine{
		rules:            cfg.Rules,
		wallets:          cfg.Wallets,
		clock:            cfg.Clock,
		cache:            cfg.Cache,
		metrics:          cfg.Metrics,
		log:              log,
		resolver:         NewResolver(cfg.Rules),
		ledger:           NewBatchLedger(),
		recorder:         NewRecorder(cfg.RecordMaxAttempts, log),
		sweepConcurrency: cfg.SweepConcurrency,
	}
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// operation tracks one earn/burn through its states.
type operation struct {
	name    string
	userID  UserID
	state   OperationState
	started time.Time
}

func (e *Engine) begin(name string, userID UserID) *operation {
	return &operation{name: name, userID: userID, state: StateInitiated, started: time.Now()}
}

func (e *Engine) fail(op *operation, err error) error {
	opErr := &OperationError{Op: op.name, UserID: op.userID, State: op.state, Err: err}
	outcome := Outcome(err)
	e.metrics.OperationCompleted(op.name, outcome, time.Since(op.started))

	ev := e.log.Info()
	var inv *InvariantViolationError
	switch {
	case errors.As(err, &inv):
		e.metrics.InvariantViolation(op.name)
		ev = e.log.Error().
			Str("wallet_id", string(inv.WalletID)).
			Str("expected", inv.Expected.StringFixed(Scale)).
			Str("actual", inv.Actual.StringFixed(Scale))
	case outcome == OutcomeBusy:
		e.metrics.LockTimeout(op.name)
		ev = e.log.Warn()
	case outcome == OutcomeError:
		ev = e.log.Error()
	}
	ev.Err(err).
		Str("op", op.name).
		Str("user_id", string(op.userID)).
		Str("state", string(op.state)).
		Msg("operation failed")
	return opErr
}

func (e *Engine) complete(op *operation, rec Transaction) {
	op.state = StateRecorded
	e.cache.Invalidate(context.Background(), op.userID)
	e.metrics.PointsMoved(rec.Type, rec.Points.Abs())
	e.metrics.OperationCompleted(op.name, OutcomeSuccess, time.Since(op.started))
	e.log.Info().
		Str("op", op.name).
		Str("user_id", string(op.userID)).
		Str("transaction_id", string(rec.ID)).
		Str("points", rec.Points.StringFixed(Scale)).
		Str("balance", rec.BalanceAfter.StringFixed(Scale)).
		Msg("operation recorded")
}

// activeService fails with ErrServiceInactive before any rule lookup.
func (e *Engine) activeService(ctx context.Context, id ServiceID) (*Service, error) {
	svc, err := e.rules.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if !svc.Available() {
		return nil, fmt.Errorf("service %s: %w", id, ErrServiceInactive)
	}
	return svc, nil
}

// =============================================================================
// EARN
// =============================================================================

type EarnRequest struct {
	UserID      UserID
	ServiceID   ServiceID
	Amount      decimal.Decimal
	Description string
	Metadata    map[string]string
}

// Earn converts a spent amount into points and credits them as a new batch.
func (e *Engine) Earn(ctx context.Context, req EarnRequest) (*Transaction, error) {
	op := e.begin("earn", req.UserID)

	if !req.Amount.IsPositive() {
		return nil, e.fail(op, fmt.Errorf("amount %s: %w", req.Amount, ErrInvalidQuantity))
	}
	now := e.clock.Now()

	svc, err := e.activeService(ctx, req.ServiceID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	rule, err := e.resolver.Resolve(ctx, svc.ID, RuleEarn, now)
	if err != nil {
		return nil, e.fail(op, err)
	}
	op.state = StateRuleResolved

	if rule.MinAmount != nil && req.Amount.LessThan(*rule.MinAmount) {
		return nil, e.fail(op, &BelowMinimumError{Amount: req.Amount, MinAmount: *rule.MinAmount})
	}
	pts := ComputeEarnedPoints(req.Amount, rule)
	if !pts.IsPositive() {
		return nil, e.fail(op, fmt.Errorf("amount %s accrues no points: %w", req.Amount, ErrBelowMinimumAmount))
	}
	op.state = StateCalculated

	var rec Transaction
	err = e.wallets.WithWalletLock(ctx, req.UserID, func(tx LedgerTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		before := w.Balance
		txID := TransactionID(uuid.NewString())

		batch, err := e.ledger.Earn(ctx, tx, &w, EarnInput{
			Points:        pts,
			ExpiresAt:     rule.ExpiryFrom(now),
			ServiceID:     svc.ID,
			TransactionID: txID,
			At:            now,
		})
		if err != nil {
			return err
		}
		op.state = StateLedgerUpdated

		amount := req.Amount
		rec = Transaction{
			ID:            txID,
			UserID:        w.UserID,
			WalletID:      w.ID,
			ServiceID:     svc.ID,
			RuleID:        rule.ID,
			BatchID:       batch.ID,
			Type:          TxEarn,
			Amount:        &amount,
			Points:        pts,
			BalanceBefore: before,
			BalanceAfter:  w.Balance,
			Status:        StatusCompleted,
			Description:   describe(req.Description, "Earned %s points on %s", pts.StringFixed(Scale), svc.Name),
			Metadata:      copyMetadata(req.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if batch.ExpiresAt != nil {
			rec.Metadata["expires_at"] = batch.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return e.recorder.Record(ctx, tx, rec)
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.complete(op, rec)
	return &rec, nil
}

// =============================================================================
// BURN
// =============================================================================

type BurnRequest struct {
	UserID      UserID
	ServiceID   ServiceID
	Points      decimal.Decimal
	Description string
	Metadata    map[string]string
}

// Burn redeems points against a service, consuming batches FIFO.
func (e *Engine) Burn(ctx context.Context, req BurnRequest) (*Transaction, error) {
	op := e.begin("burn", req.UserID)

	if !req.Points.IsPositive() || !IsRounded(req.Points) {
		return nil, e.fail(op, fmt.Errorf("points %s: %w", req.Points, ErrInvalidQuantity))
	}
	now := e.clock.Now()

	svc, err := e.activeService(ctx, req.ServiceID)
	if err != nil {
		return nil, e.fail(op, err)
	}
	rule, err := e.resolver.Resolve(ctx, svc.ID, RuleBurn, now)
	if err != nil {
		return nil, e.fail(op, err)
	}
	op.state = StateRuleResolved

	value := ComputeRedemptionValue(req.Points, rule)
	if rule.MinAmount != nil && value.LessThan(*rule.MinAmount) {
		return nil, e.fail(op, &BelowMinimumError{Amount: value, MinAmount: *rule.MinAmount})
	}
	op.state = StateCalculated

	var rec Transaction
	err = e.wallets.WithWalletLock(ctx, req.UserID, func(tx LedgerTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		before := w.Balance

		res, err := e.ledger.Deduct(ctx, tx, &w, req.Points, now)
		if err != nil {
			return err
		}
		op.state = StateLedgerUpdated

		rec = Transaction{
			ID:            TransactionID(uuid.NewString()),
			UserID:        w.UserID,
			WalletID:      w.ID,
			ServiceID:     svc.ID,
			RuleID:        rule.ID,
			Type:          TxBurn,
			Amount:        &value,
			Points:        res.Deducted.Neg(),
			BalanceBefore: before,
			BalanceAfter:  w.Balance,
			Status:        StatusCompleted,
			Description:   describe(req.Description, "Redeemed %s points on %s", req.Points.StringFixed(Scale), svc.Name),
			Metadata:      copyMetadata(req.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		rec.Metadata["batches_consumed"] = strconv.Itoa(len(res.UpdatedBatches))
		return e.recorder.Record(ctx, tx, rec)
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.complete(op, rec)
	return &rec, nil
}

func describe(given, format string, args ...any) string {
	if given != "" {
		return given
	}
	return fmt.Sprintf(format, args...)
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	return out
}

// =============================================================================
// WALLET LIFECYCLE
// =============================================================================

// OpenWallet creates the user's wallet if it does not exist yet and returns it.
func (e *Engine) OpenWallet(ctx context.Context, userID UserID) (*Wallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("open wallet: empty user id: %w", ErrInvalidInput)
	}
	if w, err := e.wallets.GetWallet(ctx, userID); err == nil {
		return w, nil
	} else if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	w := NewWallet(WalletID(uuid.NewString()), userID, e.clock.Now())
	if err := e.wallets.CreateWallet(ctx, w); err != nil {
		if errors.Is(err, ErrWalletExists) {
			return e.wallets.GetWallet(ctx, userID)
		}
		return nil, fmt.Errorf("create wallet for %s: %w", userID, err)
	}
	e.log.Info().Str("user_id", string(userID)).Str("wallet_id", string(w.ID)).Msg("wallet opened")
	return &w, nil
}

// RetireWallet soft-deletes the wallet. Later reads return ErrWalletNotFound
// and mutations are rejected.
func (e *Engine) RetireWallet(ctx context.Context, userID UserID) error {
	now := e.clock.Now()
	err := e.wallets.WithWalletLock(ctx, userID, func(tx LedgerTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		w.DeletedAt = &now
		w.UpdatedAt = now
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return fmt.Errorf("retire wallet for %s: %w", userID, err)
	}
	e.cache.Invalidate(ctx, userID)
	e.log.Info().Str("user_id", string(userID)).Msg("wallet retired")
	return nil
}

// =============================================================================
// READ QUERIES (lock-free)
// =============================================================================

// WalletSummary is the balance view returned to callers.
type WalletSummary struct {
	UserID           UserID
	WalletID         WalletID
	Balance          decimal.Decimal
	TotalEarned      decimal.Decimal
	TotalBurned      decimal.Decimal
	TotalExpired     decimal.Decimal
	ActiveBatches    int
	NextExpiry       *time.Time
	NextExpiryPoints decimal.Decimal
	LastActivityAt   *time.Time
	AsOf             time.Time
}

// GetWallet reads the live wallet straight from the store. It neither reads
// nor fills the balance cache.
func (e *Engine) GetWallet(ctx context.Context, userID UserID) (*Wallet, error) {
	return e.wallets.GetWallet(ctx, userID)
}

// GetBalance returns the wallet's current figures. The result may be a
// few seconds stale when a cache is configured.
func (e *Engine) GetBalance(ctx context.Context, userID UserID) (*WalletSummary, error) {
	if s, ok := e.cache.Get(ctx, userID); ok {
		return s, nil
	}

	now := e.clock.Now()
	w, err := e.wallets.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	batches, err := e.wallets.ActiveBatches(ctx, w.ID, now)
	if err != nil {
		return nil, fmt.Errorf("active batches for %s: %w", userID, err)
	}
	SortFIFO(batches)

	s := WalletSummary{
		UserID:           w.UserID,
		WalletID:         w.ID,
		Balance:          w.Balance,
		TotalEarned:      w.TotalEarned,
		TotalBurned:      w.TotalBurned,
		TotalExpired:     w.TotalExpired,
		ActiveBatches:    len(batches),
		NextExpiryPoints: decimal.Zero,
		LastActivityAt:   w.LastActivityAt,
		AsOf:             now,
	}
	for _, b := range batches {
		if b.ExpiresAt == nil {
			break
		}
		if s.NextExpiry == nil {
			exp := *b.ExpiresAt
			s.NextExpiry = &exp
		}
		if !b.ExpiresAt.Equal(*s.NextExpiry) {
			break
		}
		s.NextExpiryPoints = s.NextExpiryPoints.Add(b.Points)
	}

	e.cache.Set(ctx, userID, s)
	return &s, nil
}

// GetActiveBatches returns the wallet's spendable batches in FIFO order.
func (e *Engine) GetActiveBatches(ctx context.Context, userID UserID) ([]Batch, error) {
	w, err := e.wallets.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	batches, err := e.wallets.ActiveBatches(ctx, w.ID, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("active batches for %s: %w", userID, err)
	}
	SortFIFO(batches)
	return batches, nil
}

// ExpiringPoints is the subset of active batches due within a window.
type ExpiringPoints struct {
	Days    int
	Until   time.Time
	Total   decimal.Decimal
	Batches []Batch
}

// GetExpiringWithin returns active batches whose expiry falls within the
// next `days` days, inclusive.
func (e *Engine) GetExpiringWithin(ctx context.Context, userID UserID, days int) (*ExpiringPoints, error) {
	if days < 0 {
		return nil, fmt.Errorf("days %d: %w", days, ErrInvalidInput)
	}
	batches, err := e.GetActiveBatches(ctx, userID)
	if err != nil {
		return nil, err
	}

	until := e.clock.Now().AddDate(0, 0, days)
	out := &ExpiringPoints{Days: days, Until: until, Total: decimal.Zero, Batches: []Batch{}}
	for _, b := range batches {
		if b.ExpiresAt == nil || b.ExpiresAt.After(until) {
			continue
		}
		out.Batches = append(out.Batches, b)
		out.Total = out.Total.Add(b.Points)
	}
	return out, nil
}

// =============================================================================
// HISTORY & CORRECTION
// =============================================================================

func (e *Engine) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	return e.wallets.ListTransactions(ctx, filter)
}

func (e *Engine) GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	return e.wallets.GetTransaction(ctx, id)
}

// CorrectTransaction applies an administrative correction. Only status,
// description and metadata change; points and balance snapshots never do.
func (e *Engine) CorrectTransaction(ctx context.Context, id TransactionID, c Correction) (*Transaction, error) {
	if c.Status != nil && !c.Status.Valid() {
		return nil, fmt.Errorf("status %q: %w", *c.Status, ErrInvalidInput)
	}
	if c.CorrectedBy == "" {
		c.CorrectedBy = "admin"
	}
	now := e.clock.Now()

	md := copyMetadata(c.Metadata)
	md["corrected_by"] = c.CorrectedBy
	md["corrected_at"] = now.UTC().Format(time.RFC3339)
	c.Metadata = md

	t, err := e.wallets.CorrectTransaction(ctx, id, c, now)
	if err != nil {
		return nil, fmt.Errorf("correct transaction %s: %w", id, err)
	}
	e.log.Info().
		Str("transaction_id", string(id)).
		Str("corrected_by", c.CorrectedBy).
		Str("status", string(t.Status)).
		Msg("transaction corrected")
	return t, nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verification reports whether a wallet's figures agree with each other
// and with its batches.
type Verification struct {
	UserID            UserID
	WalletID          WalletID
	Balance           decimal.Decimal
	BatchTotal        decimal.Decimal
	ConservationDrift decimal.Decimal
	BatchDrift        decimal.Decimal
	Healthy           bool
	CheckedAt         time.Time
}

// VerifyWallet recomputes the conservation law and the batch sum under the
// wallet lock so the snapshot is consistent.
func (e *Engine) VerifyWallet(ctx context.Context, userID UserID) (*Verification, error) {
	now := e.clock.Now()
	var v Verification
	err := e.wallets.WithWalletLock(ctx, userID, func(tx LedgerTx) error {
		w, err := tx.Wallet(ctx)
		if err != nil {
			return err
		}
		eligible, err := tx.EligibleBatches(ctx, now)
		if err != nil {
			return err
		}
		overdue, err := tx.OverdueBatches(ctx, now)
		if err != nil {
			return err
		}
		total := SumPoints(eligible).Add(SumPoints(overdue))
		v = Verification{
			UserID:            w.UserID,
			WalletID:          w.ID,
			Balance:           w.Balance,
			BatchTotal:        total,
			ConservationDrift: w.Drift(),
			BatchDrift:        w.Balance.Sub(total),
			CheckedAt:         now,
		}
		v.Healthy = v.ConservationDrift.IsZero() && v.BatchDrift.IsZero()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify wallet %s: %w", userID, err)
	}

	if !v.Healthy {
		e.metrics.InvariantViolation("verify")
		e.log.Error().
			Str("user_id", string(userID)).
			Str("wallet_id", string(v.WalletID)).
			Str("conservation_drift", v.ConservationDrift.StringFixed(Scale)).
			Str("batch_drift", v.BatchDrift.StringFixed(Scale)).
			Msg("wallet failed verification")
	}
	return &v, nil
}
