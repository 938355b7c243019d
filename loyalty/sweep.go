/*
sweep.go - Reclaiming points from stale grants

PURPOSE:
  Sweep expires grants whose validity window has elapsed and debits the
  account by what those grants still held. It runs lazily, on account
  access, not from a scheduler: an account nobody touches is never swept,
  which is fine because nothing can spend its stale points either.

EXPIRATION BOUNDARY:
  A grant is stale when its expiration date is strictly before the start of
  the current day. A grant expiring today remains usable through end of day.

IDEMPOTENCE:
  Grants already marked expired are skipped before summing, so running the
  sweep twice (or concurrently, thanks to the version checks) debits the
  account exactly once.
*/
package loyalty

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepResult reports what one sweep reclaimed.
type SweepResult struct {
	Expired      Points // total debited from the balance
	GrantsClosed int    // grants formally closed, including fully-spent ones
	NewBalance   Points
}

// Sweep expires every stale grant on the account and debits the balance by
// their remaining points in one transaction. Fully-spent stale grants are
// closed for bookkeeping but contribute nothing to the debit.
func (e *Engine) Sweep(ctx context.Context, accountID AccountID) (SweepResult, error) {
	var result SweepResult
	err := e.runTx(ctx, "sweep", func(s Store) error {
		var err error
		result, err = e.sweepTx(ctx, s, accountID)
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	if result.Expired > 0 {
		e.log.Info("expired points reclaimed",
			zap.String("account", string(accountID)),
			zap.Int64("expired", int64(result.Expired)),
			zap.Int("grants_closed", result.GrantsClosed),
		)
	}
	return result, nil
}

// sweepTx is the sweep body against one open transaction. Redeem runs it
// before its balance check so stale points can never pay for a prize.
func (e *Engine) sweepTx(ctx context.Context, s Store, accountID AccountID) (SweepResult, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return SweepResult{}, err
	}

	grants, err := s.Grants(ctx, accountID)
	if err != nil {
		return SweepResult{}, err
	}

	today := e.now()
	var (
		expiries     []GrantExpiry
		totalExpired Points
	)
	for _, g := range grants {
		if g.Status != GrantActive || !g.Expired(today) {
			continue
		}
		expiries = append(expiries, GrantExpiry{
			GrantID: g.ID,
			Lost:    g.Remaining,
			Version: g.Version,
		})
		totalExpired += g.Remaining
	}
	if len(expiries) == 0 {
		return SweepResult{NewBalance: account.Balance}, nil
	}

	if err := s.MarkExpired(ctx, accountID, expiries); err != nil {
		return SweepResult{}, err
	}

	if totalExpired > 0 {
		delta := -totalExpired
		if err := s.UpdateAccount(ctx, accountID, AccountUpdate{BalanceDelta: &delta}); err != nil {
			return SweepResult{}, err
		}
		if err := s.AppendEntry(ctx, Entry{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Kind:      EntryExpiry,
			Delta:     -totalExpired,
			Reason:    "points expired",
			CreatedAt: today,
		}); err != nil {
			return SweepResult{}, err
		}
	}

	return SweepResult{
		Expired:      totalExpired,
		GrantsClosed: len(expiries),
		NewBalance:   account.Balance - totalExpired,
	}, nil
}
