package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccount(t *testing.T, store *sqlite.Store, id string) loyalty.AccountID {
	t.Helper()
	accountID := loyalty.AccountID(id)
	require.NoError(t, store.CreateAccount(context.Background(), loyalty.Account{
		ID:        accountID,
		CreatedAt: time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC),
	}))
	return accountID
}

func seedGrant(t *testing.T, store *sqlite.Store, accountID loyalty.AccountID, grantID string, points int64, acquiredAt time.Time) {
	t.Helper()
	require.NoError(t, store.AppendGrant(context.Background(), loyalty.Grant{
		ID:         loyalty.GrantID(grantID),
		AccountID:  accountID,
		Amount:     loyalty.Points(points),
		Remaining:  loyalty.Points(points),
		AcquiredAt: acquiredAt,
		ExpiresAt:  acquiredAt.AddDate(1, 0, 0),
		Reason:     loyalty.ReasonOperatorBonus,
		Status:     loyalty.GrantActive,
	}))
}

// =============================================================================
// ACCOUNT TESTS
// =============================================================================

func TestSQLite_CreateAndGetAccount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	account, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, account.ID)
	assert.Equal(t, loyalty.Points(0), account.Balance)
	assert.NotNil(t, account.Awarded)

	// Duplicate create is a conflict.
	err = store.CreateAccount(ctx, loyalty.Account{ID: id})
	assert.ErrorIs(t, err, loyalty.ErrAccountExists)

	_, err = store.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestSQLite_UpdateAccount_PartialFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	delta := loyalty.Points(42)
	reason := loyalty.ReasonWelcome
	require.NoError(t, store.UpdateAccount(ctx, id, loyalty.AccountUpdate{
		BalanceDelta: &delta,
		SetAwarded:   &reason,
	}))

	number := int64(7)
	require.NoError(t, store.UpdateAccount(ctx, id, loyalty.AccountUpdate{
		SetMemberNumber: &number,
	}))

	account, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(42), account.Balance)
	assert.True(t, account.HasAward(loyalty.ReasonWelcome))
	assert.Equal(t, int64(7), account.MemberNumber)
}

// =============================================================================
// GRANT TESTS
// =============================================================================

func TestSQLite_Grants_OldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	seedGrant(t, store, id, "g-2", 20, base.AddDate(0, 0, 2))
	seedGrant(t, store, id, "g-1", 10, base.AddDate(0, 0, 1))

	grants, err := store.Grants(ctx, id)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, loyalty.GrantID("g-1"), grants[0].ID)
	assert.Equal(t, loyalty.GrantID("g-2"), grants[1].ID)

	err = store.AppendGrant(ctx, loyalty.Grant{ID: "g-x", AccountID: "nobody"})
	assert.ErrorIs(t, err, loyalty.ErrAccountNotFound)
}

func TestSQLite_ApplyConsumption_VersionChecked(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")
	seedGrant(t, store, id, "g-1", 100, time.Now().UTC())

	plan := loyalty.ConsumptionPlan{{GrantID: "g-1", Spend: 30, Version: 0}}
	require.NoError(t, store.ApplyConsumption(ctx, id, plan))

	grants, err := store.ActiveGrants(ctx, id)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, loyalty.Points(70), grants[0].Remaining)
	assert.Equal(t, int64(1), grants[0].Version)

	// Stale version is rejected.
	err = store.ApplyConsumption(ctx, id, plan)
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)

	// Overdraw is rejected even with the right version.
	err = store.ApplyConsumption(ctx, id, loyalty.ConsumptionPlan{
		{GrantID: "g-1", Spend: 500, Version: 1},
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

func TestSQLite_MarkExpired_TerminalState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")
	seedGrant(t, store, id, "g-1", 100, time.Now().UTC())

	require.NoError(t, store.MarkExpired(ctx, id, []loyalty.GrantExpiry{
		{GrantID: "g-1", Lost: 100, Version: 0},
	}))

	grants, err := store.Grants(ctx, id)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, loyalty.GrantExpired, grants[0].Status)
	assert.Equal(t, loyalty.Points(0), grants[0].Remaining)
	assert.Equal(t, loyalty.Points(100), grants[0].ExpiredAmount)

	// The closed grant no longer shows up as active.
	active, err := store.ActiveGrants(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Closing again fails, whatever version is claimed.
	err = store.MarkExpired(ctx, id, []loyalty.GrantExpiry{
		{GrantID: "g-1", Lost: 100, Version: 1},
	})
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestSQLite_WithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that writes a grant and bumps the balance
	// WHEN: The closure fails afterwards
	// THEN: Neither write survives

	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s loyalty.Store) error {
		if err := s.AppendGrant(ctx, loyalty.Grant{
			ID: "g-1", AccountID: id, Amount: 50, Remaining: 50,
			AcquiredAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().AddDate(1, 0, 0),
			Reason: loyalty.ReasonOperatorBonus, Status: loyalty.GrantActive,
		}); err != nil {
			return err
		}
		delta := loyalty.Points(50)
		if err := s.UpdateAccount(ctx, id, loyalty.AccountUpdate{BalanceDelta: &delta}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(0), account.Balance)

	grants, err := store.Grants(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, grants)
}

func TestSQLite_WithTx_Commits(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	err := store.WithTx(ctx, func(s loyalty.Store) error {
		delta := loyalty.Points(25)
		return s.UpdateAccount(ctx, id, loyalty.AccountUpdate{BalanceDelta: &delta})
	})
	require.NoError(t, err)

	account, err := store.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(25), account.Balance)
}

// =============================================================================
// PRIZE TESTS
// =============================================================================

func TestSQLite_PrizeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	prize := loyalty.Prize{ID: "p-1", Name: "mug", Cost: 40, Stock: 2, Active: true}
	require.NoError(t, store.SavePrize(ctx, prize))

	got, err := store.GetPrize(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "mug", got.Name)
	assert.Equal(t, loyalty.Points(40), got.Cost)

	// Partial update leaves unnamed fields alone.
	cost := loyalty.Points(35)
	require.NoError(t, store.UpdatePrize(ctx, "p-1", loyalty.PrizeUpdate{Cost: &cost}))
	got, err = store.GetPrize(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(35), got.Cost)
	assert.Equal(t, int64(2), got.Stock)

	require.NoError(t, store.DecrementStock(ctx, "p-1"))
	require.NoError(t, store.DecrementStock(ctx, "p-1"))
	err = store.DecrementStock(ctx, "p-1")
	assert.ErrorIs(t, err, loyalty.ErrOutOfStock)

	err = store.DecrementStock(ctx, "missing")
	assert.ErrorIs(t, err, loyalty.ErrPrizeNotFound)

	err = store.UpdatePrize(ctx, "missing", loyalty.PrizeUpdate{Cost: &cost})
	assert.ErrorIs(t, err, loyalty.ErrPrizeNotFound)
}

// =============================================================================
// HISTORY AND REDEMPTION TESTS
// =============================================================================

func TestSQLite_History_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	base := time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)
	for i, entryID := range []string{"e-1", "e-2", "e-3"} {
		require.NoError(t, store.AppendEntry(ctx, loyalty.Entry{
			ID:        entryID,
			AccountID: id,
			Kind:      loyalty.EntryAccrual,
			Delta:     10,
			Reason:    "welcome",
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	entries, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "e-3", entries[0].ID)
	assert.Equal(t, "e-1", entries[2].ID)
	assert.Empty(t, entries[0].PrizeID)
}

func TestSQLite_Grants_SameInstant_KeepInsertionOrder(t *testing.T) {
	// GIVEN: Two grants acquired in the same instant
	// WHEN: Reading the grants
	// THEN: They come back in insertion order, not in random id order

	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	at := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	seedGrant(t, store, id, "zz-first", 10, at)
	seedGrant(t, store, id, "aa-second", 20, at)

	grants, err := store.Grants(ctx, id)
	require.NoError(t, err)
	require.Len(t, grants, 2)
	assert.Equal(t, loyalty.GrantID("zz-first"), grants[0].ID)
	assert.Equal(t, loyalty.GrantID("aa-second"), grants[1].ID)
}

func TestSQLite_History_SameInstant_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	at := time.Date(2025, time.April, 1, 10, 0, 0, 0, time.UTC)
	for _, entryID := range []string{"zz-1", "aa-2", "mm-3"} {
		require.NoError(t, store.AppendEntry(ctx, loyalty.Entry{
			ID:        entryID,
			AccountID: id,
			Kind:      loyalty.EntryAccrual,
			Delta:     10,
			CreatedAt: at,
		}))
	}

	entries, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "mm-3", entries[0].ID)
	assert.Equal(t, "aa-2", entries[1].ID)
	assert.Equal(t, "zz-1", entries[2].ID)
}

func TestSQLite_Timestamps_KeepSubSecondPrecision(t *testing.T) {
	// Two entries 5ms apart must stay distinguishable after a round trip.
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	at := time.Date(2025, time.April, 1, 10, 0, 0, 123456789, time.UTC)
	require.NoError(t, store.AppendEntry(ctx, loyalty.Entry{
		ID: "e-1", AccountID: id, Kind: loyalty.EntryAccrual, Delta: 10, CreatedAt: at,
	}))
	require.NoError(t, store.AppendEntry(ctx, loyalty.Entry{
		ID: "e-2", AccountID: id, Kind: loyalty.EntryAccrual, Delta: 10, CreatedAt: at.Add(5 * time.Millisecond),
	}))

	entries, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e-2", entries[0].ID)
	assert.True(t, entries[1].CreatedAt.Equal(at), "expected %v, got %v", at, entries[1].CreatedAt)
}

func TestSQLite_Redemptions_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, store, "acc-1")

	at := time.Date(2025, time.May, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendRedemption(ctx, loyalty.Redemption{
		ID:          "r-1",
		AccountID:   id,
		PrizeID:     "p-1",
		PrizeName:   "mug",
		PointsSpent: 40,
		CreatedAt:   at,
	}))
	// Same instant: the later write still comes first.
	require.NoError(t, store.AppendRedemption(ctx, loyalty.Redemption{
		ID:          "r-2",
		AccountID:   id,
		PrizeID:     "p-2",
		PrizeName:   "pin",
		PointsSpent: 10,
		CreatedAt:   at,
	}))

	redemptions, err := store.Redemptions(ctx, id)
	require.NoError(t, err)
	require.Len(t, redemptions, 2)
	assert.Equal(t, "r-2", redemptions[0].ID)
	assert.Equal(t, "mug", redemptions[1].PrizeName)
	assert.Equal(t, loyalty.Points(40), redemptions[1].PointsSpent)
}

// =============================================================================
// COUNTER TESTS
// =============================================================================

func TestSQLite_NextMemberNumber_Monotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := store.NextMemberNumber(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

// =============================================================================
// ENGINE INTEGRATION
// =============================================================================

func TestSQLite_EngineEndToEnd(t *testing.T) {
	// The full accrue/redeem/sweep cycle against the real store.
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC)
	engine := loyalty.NewEngine(store, loyalty.EngineConfig{
		Now: func() time.Time { return now },
	})

	id := seedAccount(t, store, "acc-1")
	_, err := engine.Accrue(ctx, loyalty.AccrualInput{
		AccountID: id, Reason: loyalty.ReasonWelcome,
	})
	require.NoError(t, err)

	require.NoError(t, store.SavePrize(ctx, loyalty.Prize{
		ID: "p-1", Name: "mug", Cost: 30, Stock: 1, Active: true,
	}))
	redeemed, err := engine.Redeem(ctx, id, "p-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(70), redeemed.NewBalance)

	now = now.AddDate(0, 0, 366)
	swept, err := engine.Sweep(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, loyalty.Points(70), swept.Expired)
	assert.Equal(t, loyalty.Points(0), swept.NewBalance)

	require.NoError(t, loyalty.CheckInvariant(ctx, store, id))
}
