/*
engine.go - The points engine and its operation plumbing

PURPOSE:
  Engine ties the store, the expiry policy, and the accrual rules together
  and exposes the ledger operations: Accrue, Sweep, Redeem, and
  IssueMemberNumber. Each operation runs inside a single store transaction
  and is retried a bounded number of times on optimistic-concurrency
  conflicts.

CONCURRENCY MODEL:
  Operations are invoked independently from request-handling code with no
  shared in-process state. The engine holds no locks; a transaction that
  read stale grant state fails with ErrConcurrentModification and the whole
  operation is re-run from scratch, up to MaxRetries times. An operation
  that keeps conflicting surfaces the error instead of looping forever.

SEE ALSO:
  - accrual.go, sweep.go, redemption.go, member.go: The operations
  - notify.go: Events emitted after successful operations
*/
package loyalty

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// ACCRUAL RULES
// =============================================================================

// AccrualRule describes how a reason grants points.
//
// Guarded rules may only ever succeed once per account; a second accrual for
// the same reason is a successful no-op, not an error. Rate applies only to
// purchase-style rules and converts a monetary amount into points.
type AccrualRule struct {
	Points  Points
	Guarded bool
	Rate    decimal.Decimal // points per currency unit, zero if unused
}

// DefaultRules returns the built-in reason table. Deployments override this
// from configuration.
func DefaultRules() map[Reason]AccrualRule {
	return map[Reason]AccrualRule{
		ReasonWelcome:          {Points: 100, Guarded: true},
		ReasonProfileCompleted: {Points: 50, Guarded: true},
		ReasonBirthday:         {Points: 50, Guarded: true},
		ReasonPurchase:         {Rate: decimal.NewFromInt(1)},
		ReasonOperatorBonus:    {},
	}
}

// =============================================================================
// ENGINE
// =============================================================================

// EngineConfig carries the tunables. Zero values fall back to sane defaults
// in NewEngine.
type EngineConfig struct {
	Expiry     ExpiryPolicy
	Rules      map[Reason]AccrualRule
	Notifier   Notifier
	Logger     *zap.Logger
	MaxRetries int

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// DefaultValidityDays is the fallback grant validity window.
const DefaultValidityDays = 365

// Engine executes the ledger operations against a transactional store.
type Engine struct {
	store      TxStore
	expiry     ExpiryPolicy
	rules      map[Reason]AccrualRule
	notifier   Notifier
	log        *zap.Logger
	maxRetries int
	now        func() time.Time
}

func NewEngine(store TxStore, cfg EngineConfig) *Engine {
	e := &Engine{
		store:      store,
		expiry:     cfg.Expiry,
		rules:      cfg.Rules,
		notifier:   cfg.Notifier,
		log:        cfg.Logger,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Now,
	}
	if e.expiry == nil {
		e.expiry = FixedTermExpiry{Days: DefaultValidityDays}
	}
	if e.rules == nil {
		e.rules = DefaultRules()
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.notifier == nil {
		e.notifier = &LogNotifier{Log: e.log}
	}
	if e.maxRetries <= 0 {
		e.maxRetries = 3
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Store exposes the underlying store for read-only callers (history, catalog
// listings) that don't need an engine operation.
func (e *Engine) Store() TxStore { return e.store }

// runTx executes fn in a transaction, retrying the whole function on
// optimistic-concurrency conflicts. fn must rebuild all of its state from
// fresh reads on every attempt.
func (e *Engine) runTx(ctx context.Context, op string, fn func(Store) error) error {
	var err error
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if !IsRetryable(err) {
			return err
		}
		e.log.Warn("retrying after conflict",
			zap.String("op", op),
			zap.Int("attempt", attempt),
		)
	}
	return err
}

// NextExpiration finds the soonest expiration among grants that still hold
// points: the date, and how many points lapse on it. Zero values if nothing
// is at risk.
func NextExpiration(grants []Grant) (Points, time.Time) {
	var (
		at     time.Time
		amount Points
	)
	for _, g := range grants {
		if g.Status != GrantActive || g.Remaining == 0 {
			continue
		}
		day := StartOfDay(g.ExpiresAt)
		switch {
		case at.IsZero() || day.Before(at):
			at = day
			amount = g.Remaining
		case day.Equal(at):
			amount += g.Remaining
		}
	}
	return amount, at
}

// notify emits an event after a committed operation. Next-expiration data is
// read outside the transaction; it is informational only.
func (e *Engine) notify(ctx context.Context, accountID AccountID, kind EventKind, amount, newBalance Points) {
	grants, err := e.store.ActiveGrants(ctx, accountID)
	if err != nil {
		e.log.Warn("event enrichment failed", zap.String("account", string(accountID)), zap.Error(err))
	}
	expAmount, expAt := NextExpiration(grants)
	e.notifier.Notify(ctx, Event{
		AccountID:            accountID,
		Kind:                 kind,
		Amount:               amount,
		NewBalance:           newBalance,
		NextExpirationAmount: expAmount,
		NextExpirationDate:   expAt,
	})
}
