package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

func newAccountGrant(t *testing.T, m loyalty.Store, accountID, grantID string, points int64) {
	t.Helper()
	ctx := context.Background()
	_ = m.CreateAccount(ctx, loyalty.Account{ID: loyalty.AccountID(accountID)})
	require.NoError(t, m.AppendGrant(ctx, loyalty.Grant{
		ID:         loyalty.GrantID(grantID),
		AccountID:  loyalty.AccountID(accountID),
		Amount:     loyalty.Points(points),
		Remaining:  loyalty.Points(points),
		AcquiredAt: time.Now().UTC(),
		ExpiresAt:  time.Now().UTC().AddDate(1, 0, 0),
		Status:     loyalty.GrantActive,
	}))
}

// =============================================================================
// VERSION CHECK TESTS
// =============================================================================

func TestMemory_ApplyConsumption_StaleVersion_Rejected(t *testing.T) {
	// GIVEN: A grant consumed once (version bumped)
	// WHEN: Applying a plan built against the old version
	// THEN: The plan is rejected with ErrConcurrentModification

	m := store.NewMemory()
	ctx := context.Background()
	newAccountGrant(t, m, "acc-1", "g-1", 100)

	plan := loyalty.ConsumptionPlan{{GrantID: "g-1", Spend: 10, Version: 0}}
	require.NoError(t, m.ApplyConsumption(ctx, "acc-1", plan))

	// Same plan again carries version 0, but the grant is now at version 1.
	err := m.ApplyConsumption(ctx, "acc-1", plan)
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	grants, err := m.ActiveGrants(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, loyalty.Points(90), grants[0].Remaining)
	assert.Equal(t, int64(1), grants[0].Version)
}

func TestMemory_ApplyConsumption_Overdraw_Rejected(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccountGrant(t, m, "acc-1", "g-1", 5)

	err := m.ApplyConsumption(ctx, "acc-1", loyalty.ConsumptionPlan{
		{GrantID: "g-1", Spend: 10, Version: 0},
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

func TestMemory_MarkExpired_AlreadyExpired_Rejected(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccountGrant(t, m, "acc-1", "g-1", 100)

	require.NoError(t, m.MarkExpired(ctx, "acc-1", []loyalty.GrantExpiry{
		{GrantID: "g-1", Lost: 100, Version: 0},
	}))

	// Closing a closed grant must fail regardless of version guessing.
	err := m.MarkExpired(ctx, "acc-1", []loyalty.GrantExpiry{
		{GrantID: "g-1", Lost: 100, Version: 1},
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestMemory_Grants_OldestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateAccount(ctx, loyalty.Account{ID: "acc-1"}))

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	// Insert out of order.
	for _, g := range []struct {
		id   string
		days int
	}{{"g-3", 3}, {"g-1", 1}, {"g-2", 2}} {
		require.NoError(t, m.AppendGrant(ctx, loyalty.Grant{
			ID:         loyalty.GrantID(g.id),
			AccountID:  "acc-1",
			Amount:     10,
			Remaining:  10,
			AcquiredAt: base.AddDate(0, 0, g.days),
			Status:     loyalty.GrantActive,
		}))
	}

	grants, err := m.Grants(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, grants, 3)
	assert.Equal(t, loyalty.GrantID("g-1"), grants[0].ID)
	assert.Equal(t, loyalty.GrantID("g-2"), grants[1].ID)
	assert.Equal(t, loyalty.GrantID("g-3"), grants[2].ID)
}

func TestMemory_History_SameInstant_NewestFirst(t *testing.T) {
	// GIVEN: Three entries written in one clock instant
	// WHEN: Reading the history
	// THEN: The last write comes first; the timestamp tie falls back to
	//       write order, not insertion order

	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateAccount(ctx, loyalty.Account{ID: "acc-1"}))

	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, m.AppendEntry(ctx, loyalty.Entry{
			ID: id, AccountID: "acc-1", Kind: loyalty.EntryAccrual, Delta: 1, CreatedAt: at,
		}))
	}

	history, err := m.History(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "e-3", history[0].ID)
	assert.Equal(t, "e-2", history[1].ID)
	assert.Equal(t, "e-1", history[2].ID)
}

func TestMemory_Redemptions_SameInstant_NewestFirst(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateAccount(ctx, loyalty.Account{ID: "acc-1"}))

	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"r-1", "r-2"} {
		require.NoError(t, m.AppendRedemption(ctx, loyalty.Redemption{
			ID: id, AccountID: "acc-1", PrizeID: "p-1", PrizeName: "mug", PointsSpent: 1, CreatedAt: at,
		}))
	}

	redemptions, err := m.Redemptions(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, redemptions, 2)
	assert.Equal(t, "r-2", redemptions[0].ID)
	assert.Equal(t, "r-1", redemptions[1].ID)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestTxMemory_ErrorRollsBackAllWrites(t *testing.T) {
	// GIVEN: A transaction that writes then fails
	// WHEN: WithTx returns the error
	// THEN: None of the writes are visible

	tm := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, tm.CreateAccount(ctx, loyalty.Account{ID: "acc-1"}))

	boom := errors.New("boom")
	err := tm.WithTx(ctx, func(s loyalty.Store) error {
		delta := loyalty.Points(50)
		if err := s.UpdateAccount(ctx, "acc-1", loyalty.AccountUpdate{BalanceDelta: &delta}); err != nil {
			return err
		}
		if err := s.AppendGrant(ctx, loyalty.Grant{
			ID: "g-1", AccountID: "acc-1", Amount: 50, Remaining: 50, Status: loyalty.GrantActive,
		}); err != nil {
			return err
		}
		if _, err := s.NextMemberNumber(ctx); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := tm.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(0), account.Balance)

	grants, err := tm.Grants(ctx, "acc-1")
	require.NoError(t, err)
	assert.Empty(t, grants)

	// The counter rolled back too; the next number is still 1.
	n, err := tm.NextMemberNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTxMemory_SuccessCommits(t *testing.T) {
	tm := store.NewTxMemory()
	ctx := context.Background()
	require.NoError(t, tm.CreateAccount(ctx, loyalty.Account{ID: "acc-1"}))

	err := tm.WithTx(ctx, func(s loyalty.Store) error {
		delta := loyalty.Points(50)
		return s.UpdateAccount(ctx, "acc-1", loyalty.AccountUpdate{BalanceDelta: &delta})
	})
	require.NoError(t, err)

	account, err := tm.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(50), account.Balance)
}

// =============================================================================
// PARTIAL UPDATE TESTS
// =============================================================================

func TestMemory_UpdateAccount_OnlyNamedFields(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.CreateAccount(ctx, loyalty.Account{ID: "acc-1", Balance: 10}))

	reason := loyalty.ReasonWelcome
	require.NoError(t, m.UpdateAccount(ctx, "acc-1", loyalty.AccountUpdate{SetAwarded: &reason}))

	account, err := m.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(10), account.Balance, "balance untouched by flag update")
	assert.True(t, account.HasAward(loyalty.ReasonWelcome))
}

func TestMemory_UpdatePrize_OnlyNamedFields(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SavePrize(ctx, loyalty.Prize{
		ID: "p-1", Name: "mug", Cost: 40, Stock: 5, Active: true,
	}))

	stock := int64(12)
	require.NoError(t, m.UpdatePrize(ctx, "p-1", loyalty.PrizeUpdate{Stock: &stock}))

	prize, err := m.GetPrize(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), prize.Stock)
	assert.Equal(t, "mug", prize.Name)
	assert.Equal(t, loyalty.Points(40), prize.Cost)
	assert.True(t, prize.Active)
}

func TestMemory_DecrementStock_StopsAtZero(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, m.SavePrize(ctx, loyalty.Prize{ID: "p-1", Name: "mug", Cost: 1, Stock: 1, Active: true}))

	require.NoError(t, m.DecrementStock(ctx, "p-1"))
	err := m.DecrementStock(ctx, "p-1")
	assert.ErrorIs(t, err, loyalty.ErrOutOfStock)
}
