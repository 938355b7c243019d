/*
store.go - Persistence interfaces for accounts, grants, and prizes

PURPOSE:
  Defines the interface between the engine and the database. Correctness of
  the accrual, sweep, and redemption operations comes entirely from the
  store's transactional guarantees; the engine holds no locks of its own.

KEY INTERFACES:
  Store:   Reads and writes for one backend (or one open transaction)
  TxStore: Adds WithTx, running a function atomically against the backend

APPEND-ONLY LEDGER:
  Grants and history entries are append-only. The only grant mutations the
  interface allows are ApplyConsumption and MarkExpired, and both are
  version-checked: a write based on stale grant state fails with
  ErrConcurrentModification instead of silently clobbering.

FRESH READS:
  ActiveGrants is a fresh read each call. Grants mutate between calls
  (redemptions, sweeps), so implementations must not cache results.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store
  - loyalty/store: In-memory store for tests and development
*/
package loyalty

import "context"

// Store handles persistence. Within WithTx, the Store passed to the closure
// operates on the open transaction, so a returned error discards every write.
type Store interface {
	// CreateAccount adds a new account. Fails with ErrAccountExists if the ID
	// is already taken.
	CreateAccount(ctx context.Context, account Account) error

	// GetAccount returns an account by ID, or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// UpdateAccount applies the non-nil fields of the update.
	// Fails with ErrAccountNotFound if the account doesn't exist.
	UpdateAccount(ctx context.Context, id AccountID, update AccountUpdate) error

	// AppendGrant adds an immutable grant to the account's ledger.
	// Fails with ErrAccountNotFound if the account doesn't exist.
	AppendGrant(ctx context.Context, grant Grant) error

	// Grants returns every grant for the account, oldest-first by AcquiredAt.
	Grants(ctx context.Context, accountID AccountID) ([]Grant, error)

	// ActiveGrants returns grants with Remaining > 0 and Status active,
	// oldest-first by AcquiredAt. Always a fresh read.
	ActiveGrants(ctx context.Context, accountID AccountID) ([]Grant, error)

	// ApplyConsumption subtracts points from the named grants. Every update
	// is checked against the version recorded in the plan; any mismatch
	// aborts with ErrConcurrentModification.
	ApplyConsumption(ctx context.Context, accountID AccountID, plan ConsumptionPlan) error

	// MarkExpired closes the named grants: Remaining to 0, Status to expired,
	// ExpiredAmount recorded. Version-checked like ApplyConsumption.
	MarkExpired(ctx context.Context, accountID AccountID, expiries []GrantExpiry) error

	// AppendEntry adds an audit record to the account history.
	AppendEntry(ctx context.Context, entry Entry) error

	// History returns the account's audit records, newest first.
	History(ctx context.Context, accountID AccountID) ([]Entry, error)

	// GetPrize returns a prize by ID, or ErrPrizeNotFound.
	GetPrize(ctx context.Context, id PrizeID) (Prize, error)

	// ListPrizes returns the whole catalog, active and inactive.
	ListPrizes(ctx context.Context) ([]Prize, error)

	// SavePrize inserts or fully replaces a prize.
	SavePrize(ctx context.Context, prize Prize) error

	// UpdatePrize applies the non-nil fields of the update.
	UpdatePrize(ctx context.Context, id PrizeID, update PrizeUpdate) error

	// DecrementStock reduces a prize's stock by one, conditionally: it fails
	// with ErrOutOfStock when stock is already zero, in the same statement
	// that performs the decrement.
	DecrementStock(ctx context.Context, id PrizeID) error

	// AppendRedemption records a successful prize exchange.
	AppendRedemption(ctx context.Context, redemption Redemption) error

	// Redemptions returns the account's redemption records, newest first.
	Redemptions(ctx context.Context, accountID AccountID) ([]Redemption, error)

	// NextMemberNumber atomically increments and returns the shared member
	// number counter.
	NextMemberNumber(ctx context.Context) (int64, error)
}

// TxStore wraps Store with transaction support. The engine runs every
// multi-write operation through WithTx so that balance, grants, flags, and
// stock always move together.
type TxStore interface {
	Store

	// WithTx executes fn atomically. If fn returns an error the transaction
	// is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// CheckInvariant verifies that the account balance equals the sum of
// remaining points across its active grants. Useful in tests and admin
// tooling; a non-nil error means the ledger needs investigation.
func CheckInvariant(ctx context.Context, s Store, accountID AccountID) error {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	grants, err := s.ActiveGrants(ctx, accountID)
	if err != nil {
		return err
	}
	var sum Points
	for _, g := range grants {
		sum += g.Remaining
	}
	if sum != account.Balance {
		return &LedgerInconsistencyError{
			AccountID: accountID,
			Balance:   account.Balance,
			Covered:   sum,
			Requested: account.Balance,
		}
	}
	return nil
}
