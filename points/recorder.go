package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// DefaultRecordMaxAttempts bounds how often a transaction append is tried
// before the surrounding unit of work is abandoned.
const DefaultRecordMaxAttempts = 3

// Recorder appends transaction rows inside a wallet-locked unit of work.
// The ledger mutation already happened in the same unit, so a row that
// cannot be written after all attempts fails the unit and everything rolls
// back together.
type Recorder struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Logger          zerolog.Logger
}

func NewRecorder(maxAttempts int, logger zerolog.Logger) *Recorder {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRecordMaxAttempts
	}
	return &Recorder{
		MaxAttempts:     maxAttempts,
		InitialInterval: 10 * time.Millisecond,
		Logger:          logger,
	}
}

// Record writes t through tx. Duplicate ids are not retried.
func (r *Recorder) Record(ctx context.Context, tx LedgerTx, t Transaction) error {
	if !t.Points.Equal(t.BalanceAfter.Sub(t.BalanceBefore)) {
		return &InvariantViolationError{
			WalletID: t.WalletID,
			Detail:   fmt.Sprintf("transaction %s points do not bridge its balances", t.ID),
			Expected: t.BalanceAfter.Sub(t.BalanceBefore),
			Actual:   t.Points,
		}
	}

	attempt := 0
	op := func() error {
		attempt++
		err := tx.AppendTransaction(ctx, t)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrDuplicateTransaction) || errors.Is(err, context.Canceled) {
			return backoff.Permanent(err)
		}
		r.Logger.Warn().
			Err(err).
			Str("transaction_id", string(t.ID)).
			Int("attempt", attempt).
			Msg("transaction append failed")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = 20 * r.InitialInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("record %s transaction after %d attempt(s): %w", t.Type, attempt, err)
	}
	return nil
}
