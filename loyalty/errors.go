/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All engine error types in one place. Callers match with errors.Is and the
  category helpers below; the HTTP layer maps categories to status codes and
  short human messages. Raw storage errors never reach end users.

ERROR CATEGORIES:
  1. Client errors - invalid input, insufficient points, out of stock
  2. Transient errors - concurrent modification, retried by the engine
  3. Integrity errors - ledger inconsistency, surfaced loudly and never
     auto-corrected
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when an accrual amount is not a positive
	// number of points.
	ErrInvalidAmount = errors.New("invalid point amount")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account whose ID is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrPrizeNotFound is returned when a referenced prize doesn't exist or
	// has been deactivated.
	ErrPrizeNotFound = errors.New("prize not found")

	// ErrOutOfStock is returned when redeeming a prize with zero stock.
	ErrOutOfStock = errors.New("prize out of stock")

	// ErrInsufficientPoints is returned when the account balance cannot cover
	// a prize's cost.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrConcurrentModification is returned when a version-checked write
	// detects that a grant changed after it was read. Transient: the engine
	// retries the whole operation a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerInconsistency is returned when the account balance says enough
	// points exist but the grants do not sum to it. This is a data-integrity
	// fault: the operation aborts with no partial writes and the balance is
	// never fabricated to paper over it.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError reports how far short the balance fell.
type InsufficientPointsError struct {
	AccountID AccountID
	Balance   Points
	Cost      Points
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: balance %d, cost %d, short %d",
		e.Balance, e.Cost, e.Cost-e.Balance)
}

func (e *InsufficientPointsError) Unwrap() error {
	return ErrInsufficientPoints
}

// LedgerInconsistencyError reports the gap between the stored balance and
// what the grants could actually cover.
type LedgerInconsistencyError struct {
	AccountID AccountID
	Balance   Points
	Covered   Points
	Requested Points
}

func (e *LedgerInconsistencyError) Error() string {
	return fmt.Sprintf("ledger inconsistency on account %s: balance %d but grants cover only %d of %d requested",
		e.AccountID, e.Balance, e.Covered, e.Requested)
}

func (e *LedgerInconsistencyError) Unwrap() error {
	return ErrLedgerInconsistency
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input
// rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrOutOfStock) ||
		errors.Is(err, ErrAccountExists)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrPrizeNotFound)
}
