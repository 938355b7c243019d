/*
redemption.go - Exchanging points for a prize

PURPOSE:
  Redeem debits an account by a prize's cost, decrements the prize stock,
  and consumes the account's grants oldest-first (FIFO) so the points
  closest to expiring are spent before fresher ones.

PRECONDITIONS:
  Stock, balance, and existence checks all happen inside the same
  transaction as the writes. Checking them outside would race other
  redemptions of the last unit or the last points. Stale grants are swept
  in the same transaction before the balance check, so points that
  expired since the account was last touched cannot pay for a prize.

FIFO CONSUMPTION:
  Walk grants by acquisition time ascending, taking from each grant's
  remaining balance until the cost is covered. If the grants run out before
  the cost is covered while the balance claimed it was affordable, the
  ledger and the balance disagree. That is ErrLedgerInconsistency: abort
  with no partial writes and log loudly. It is never papered over.
*/
package loyalty

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RedemptionResult is returned on success, with what a receipt or
// notification needs.
type RedemptionResult struct {
	RedemptionID string
	PrizeName    string
	PointsSpent  Points
	NewBalance   Points
}

// buildPlan allocates cost across grants oldest-first. Returns the plan and
// how much of the cost it covers; covered < cost means the ledger cannot
// back the balance.
func buildPlan(grants []Grant, cost Points) (ConsumptionPlan, Points) {
	var (
		plan    ConsumptionPlan
		covered Points
	)
	for _, g := range grants {
		if covered == cost {
			break
		}
		spend := g.Remaining.Min(cost - covered)
		if spend <= 0 {
			continue
		}
		plan = append(plan, Consumption{GrantID: g.ID, Spend: spend, Version: g.Version})
		covered += spend
	}
	return plan, covered
}

// Redeem exchanges the prize's cost in points for one unit of its stock.
func (e *Engine) Redeem(ctx context.Context, accountID AccountID, prizeID PrizeID) (RedemptionResult, error) {
	var result RedemptionResult
	err := e.runTx(ctx, "redeem", func(s Store) error {
		result = RedemptionResult{}

		prize, err := s.GetPrize(ctx, prizeID)
		if err != nil {
			return err
		}
		if !prize.Active {
			return ErrPrizeNotFound
		}
		if prize.Stock <= 0 {
			return ErrOutOfStock
		}

		// Reclaim stale grants first. The balance check below must only
		// see points the ledger can still back.
		if _, err := e.sweepTx(ctx, s, accountID); err != nil {
			return err
		}

		account, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Balance < prize.Cost {
			return &InsufficientPointsError{
				AccountID: accountID,
				Balance:   account.Balance,
				Cost:      prize.Cost,
			}
		}

		grants, err := s.ActiveGrants(ctx, accountID)
		if err != nil {
			return err
		}
		plan, covered := buildPlan(grants, prize.Cost)
		if covered < prize.Cost {
			err := &LedgerInconsistencyError{
				AccountID: accountID,
				Balance:   account.Balance,
				Covered:   covered,
				Requested: prize.Cost,
			}
			e.log.Error("ledger inconsistency detected, aborting redemption",
				zap.String("account", string(accountID)),
				zap.String("prize", string(prizeID)),
				zap.Int64("balance", int64(account.Balance)),
				zap.Int64("covered", int64(covered)),
			)
			return err
		}

		if err := s.ApplyConsumption(ctx, accountID, plan); err != nil {
			return err
		}
		delta := -prize.Cost
		if err := s.UpdateAccount(ctx, accountID, AccountUpdate{BalanceDelta: &delta}); err != nil {
			return err
		}
		if err := s.DecrementStock(ctx, prizeID); err != nil {
			return err
		}

		now := e.now()
		redemption := Redemption{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			PrizeID:     prizeID,
			PrizeName:   prize.Name,
			PointsSpent: prize.Cost,
			CreatedAt:   now,
		}
		if err := s.AppendRedemption(ctx, redemption); err != nil {
			return err
		}
		if err := s.AppendEntry(ctx, Entry{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Kind:      EntryRedemption,
			Delta:     -prize.Cost,
			Reason:    prize.Name,
			PrizeID:   prizeID,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		result = RedemptionResult{
			RedemptionID: redemption.ID,
			PrizeName:    prize.Name,
			PointsSpent:  prize.Cost,
			NewBalance:   account.Balance - prize.Cost,
		}
		return nil
	})
	if err != nil {
		return RedemptionResult{}, err
	}

	e.notify(ctx, accountID, EventRedemption, result.PointsSpent, result.NewBalance)
	return result, nil
}
