/*
accrual.go - Crediting points to an account

PURPOSE:
  Accrue credits an account with points for a named reason. Guarded reasons
  (welcome bonus, profile completed) succeed at most once per account: the
  second call is a successful no-op with PointsAdded 0, never an error,
  because callers fire these bonuses opportunistically and must not fail a
  larger flow over an already-granted bonus.

ATOMICITY:
  Balance increment, grant append, idempotency flag, and audit entry are one
  transaction. They must never diverge: a balance without a matching grant
  breaks the ledger invariant, and a grant without the flag would let a
  guarded bonus double-fire.
*/
package loyalty

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccrualInput describes one credit.
//
// Points, when positive, forces the amount (operator override). Otherwise
// the amount comes from the reason's rule: fixed points, or for
// purchase-style rules, PurchaseAmount converted through the rule's rate.
// ValidityDays > 0 overrides the expiry policy for this grant.
type AccrualInput struct {
	AccountID      AccountID
	Reason         Reason
	Points         Points
	PurchaseAmount decimal.Decimal
	ValidityDays   int
}

// AccrualResult reports what the accrual did. AlreadyAwarded with
// PointsAdded 0 is the idempotent no-op outcome and is a success.
type AccrualResult struct {
	PointsAdded    Points
	NewBalance     Points
	AlreadyAwarded bool
	GrantID        GrantID
}

// Accrue credits points to an account. See AccrualInput for amount
// resolution. Fails with ErrInvalidAmount when the resolved amount is not
// positive and ErrAccountNotFound when the account doesn't exist.
func (e *Engine) Accrue(ctx context.Context, input AccrualInput) (AccrualResult, error) {
	rule := e.rules[input.Reason]

	amount := input.Points
	if amount == 0 {
		amount = rule.Points
		if rule.Rate.IsPositive() && input.PurchaseAmount.IsPositive() {
			amount = PointsForPurchase(input.PurchaseAmount, rule.Rate)
		}
	}
	if amount <= 0 {
		return AccrualResult{}, ErrInvalidAmount
	}

	var result AccrualResult
	err := e.runTx(ctx, "accrue", func(s Store) error {
		result = AccrualResult{}

		account, err := s.GetAccount(ctx, input.AccountID)
		if err != nil {
			return err
		}

		// Guard check happens before any write so that repeat calls touch
		// nothing at all.
		if rule.Guarded && account.HasAward(input.Reason) {
			result = AccrualResult{AlreadyAwarded: true, NewBalance: account.Balance}
			return nil
		}

		now := e.now()
		grant := Grant{
			ID:         GrantID(uuid.NewString()),
			AccountID:  input.AccountID,
			Amount:     amount,
			Remaining:  amount,
			AcquiredAt: now,
			ExpiresAt:  e.expiry.ExpiresAt(now, amount, input.ValidityDays),
			Reason:     input.Reason,
			Status:     GrantActive,
		}
		if err := s.AppendGrant(ctx, grant); err != nil {
			return err
		}

		delta := amount
		update := AccountUpdate{BalanceDelta: &delta}
		if rule.Guarded {
			reason := input.Reason
			update.SetAwarded = &reason
		}
		if err := s.UpdateAccount(ctx, input.AccountID, update); err != nil {
			return err
		}

		if err := s.AppendEntry(ctx, Entry{
			ID:        uuid.NewString(),
			AccountID: input.AccountID,
			Kind:      EntryAccrual,
			Delta:     amount,
			Reason:    string(input.Reason),
			CreatedAt: now,
		}); err != nil {
			return err
		}

		result = AccrualResult{
			PointsAdded: amount,
			NewBalance:  account.Balance + amount,
			GrantID:     grant.ID,
		}
		return nil
	})
	if err != nil {
		return AccrualResult{}, err
	}

	if result.AlreadyAwarded {
		e.log.Debug("accrual already awarded",
			zap.String("account", string(input.AccountID)),
			zap.String("reason", string(input.Reason)),
		)
		return result, nil
	}

	e.notify(ctx, input.AccountID, EventAccrual, result.PointsAdded, result.NewBalance)
	return result, nil
}
