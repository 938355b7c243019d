package loyalty

import (
	"context"

	"go.uber.org/zap"
)

// =============================================================================
// MEMBER NUMBER ISSUANCE
// =============================================================================

// MemberNumberResult reports the account's member number. Issued is false
// when the account already had one; repeat calls are safe and return the
// existing number.
type MemberNumberResult struct {
	MemberNumber int64
	Issued       bool
}

// IssueMemberNumber assigns the next number from the shared counter to the
// account, exactly once. The read-increment-write on the counter and the
// assignment run in one transaction so two concurrent issuances can never
// hand out the same number or number the same account twice.
func (e *Engine) IssueMemberNumber(ctx context.Context, accountID AccountID) (MemberNumberResult, error) {
	var (
		result  MemberNumberResult
		balance Points
	)
	err := e.runTx(ctx, "member-number", func(s Store) error {
		result = MemberNumberResult{}

		account, err := s.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		balance = account.Balance
		if account.MemberNumber > 0 {
			result = MemberNumberResult{MemberNumber: account.MemberNumber}
			return nil
		}

		n, err := s.NextMemberNumber(ctx)
		if err != nil {
			return err
		}
		if err := s.UpdateAccount(ctx, accountID, AccountUpdate{SetMemberNumber: &n}); err != nil {
			return err
		}
		result = MemberNumberResult{MemberNumber: n, Issued: true}
		return nil
	})
	if err != nil {
		return MemberNumberResult{}, err
	}

	if result.Issued {
		e.log.Info("member number issued",
			zap.String("account", string(accountID)),
			zap.Int64("member_number", result.MemberNumber),
		)
		// Welcome message delivery is the messaging subsystem's job.
		e.notify(ctx, accountID, EventMemberNumber, 0, balance)
	}
	return result, nil
}
