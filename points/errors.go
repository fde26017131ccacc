/*
errors.go - Centralized error types for the points engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with errors.Is / errors.As and the helpers at
  the bottom of this file.

ERROR CATEGORIES:
  1. NotFound - wallet, service, rule, batch or transaction does not exist
  2. Rejection - service inactive, amount below minimum, insufficient balance
  3. Busy - the wallet lock could not be acquired in time (retryable)
  4. Invariant violation - ledger data disagrees with itself (a bug)

PROPAGATION:
  Resolution and calculation errors surface before any mutation. Errors
  raised after the wallet lock is taken roll back the whole unit of work.

SEE ALSO:
  - engine.go: Wraps failures in OperationError with the stage reached
  - ledger.go: Raises InsufficientBalanceError / InvariantViolationError
*/
package points

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrServiceNotFound     = errors.New("service not found")
	ErrRuleNotFound        = errors.New("no active rule configured")
	ErrBatchNotFound       = errors.New("batch not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrServiceInactive is returned when a service exists but is disabled.
	ErrServiceInactive = errors.New("service not active")

	// ErrBelowMinimumAmount is returned when an earn amount accrues zero points.
	ErrBelowMinimumAmount = errors.New("amount below minimum")

	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidQuantity is returned for non-positive amounts or points
	// carrying more than two decimal places.
	ErrInvalidQuantity = errors.New("invalid quantity")

	// ErrInvalidInput is returned for malformed identifiers or options.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidRule is returned when a rule definition fails validation.
	ErrInvalidRule = errors.New("invalid rule")

	// ErrBusy is returned when the wallet lock wait timed out. Safe to retry.
	ErrBusy = errors.New("wallet busy: lock wait timed out")

	// ErrInvariantViolation marks ledger states that must never occur.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrDuplicateTransaction is returned when a transaction id already exists.
	ErrDuplicateTransaction = errors.New("duplicate transaction id")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(Scale), e.Requested.StringFixed(Scale),
		e.Requested.Sub(e.Available).StringFixed(Scale))
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// BelowMinimumError is returned when an earn amount does not reach the
// rule's minimum. No batch is created and the wallet is untouched.
type BelowMinimumError struct {
	Amount    decimal.Decimal
	MinAmount decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("amount %s below minimum %s: no points accrue",
		e.Amount.StringFixed(Scale), e.MinAmount.StringFixed(Scale))
}

func (e *BelowMinimumError) Unwrap() error {
	return ErrBelowMinimumAmount
}

// InvariantViolationError describes an impossible ledger state.
type InvariantViolationError struct {
	WalletID WalletID
	Detail   string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violation on wallet %s: %s (expected %s, actual %s)",
		e.WalletID, e.Detail, e.Expected.StringFixed(Scale), e.Actual.StringFixed(Scale))
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// OperationError records how far an earn/burn got before failing.
type OperationError struct {
	Op     string
	UserID UserID
	State  OperationState
	Err    error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s for user %s failed after %s: %v", e.Op, e.UserID, e.State, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may be retried from the top.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsClientError returns true if the error is a user-facing rejection.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrServiceInactive) ||
		errors.Is(err, ErrBelowMinimumAmount) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.Is(err, ErrWalletExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrServiceNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrBatchNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}
