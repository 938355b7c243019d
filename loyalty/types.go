/*
Package loyalty provides the points ledger and redemption engine for the
white-label loyalty program.

PURPOSE:
  This package contains the core domain types and operations for managing
  customer points. Points are granted for named reasons (welcome bonus,
  purchases, operator bonuses), expire after a validity window, and are
  spent oldest-first when a prize is redeemed.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A program member with a balance and idempotency flags
  - Grant: A single point-accrual ledger entry with its own remaining
    balance and expiration date
  - Prize: A catalog item redeemable for points, with limited stock
  - Entry: An audit record (credit or debit) in the account history
  - ConsumptionPlan: Which grants a redemption spends, and how much of each

DESIGN PRINCIPLES:
  1. Grants are immutable except for Remaining and Status, which only the
     redemption and sweep operations may change. Grants are never deleted.
  2. Account.Balance must equal the sum of Remaining across the account's
     active grants at all times outside an in-flight transaction.
  3. Every balance change leaves an Entry behind, so history can always
     explain how the balance got to its current value.
  4. Optimistic concurrency: grant mutations carry the version observed at
     read time and fail if the stored version moved.

SEE ALSO:
  - store.go: Persistence interfaces
  - accrual.go, sweep.go, redemption.go: The three ledger operations
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// POINTS - Integer point quantities
// =============================================================================

// Points is a whole number of loyalty points. Points are always integral;
// fractional amounts only appear transiently when converting purchase money
// into points (see AccrualRule.Rate).
type Points int64

func (p Points) IsPositive() bool { return p > 0 }
func (p Points) IsZero() bool     { return p == 0 }

// Min returns the smaller of two point amounts.
func (p Points) Min(q Points) Points {
	if p < q {
		return p
	}
	return q
}

// PointsForPurchase converts a monetary purchase amount into points using the
// given rate (points per currency unit). The result is floored so customers
// are never granted fractional points.
func PointsForPurchase(amount, rate decimal.Decimal) Points {
	return Points(amount.Mul(rate).IntPart())
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type GrantID string
type PrizeID string

// Reason tags why points were granted. Some reasons are idempotency-guarded:
// they may only ever be awarded once per account (see AccrualRule.Guarded).
type Reason string

const (
	ReasonWelcome          Reason = "welcome"
	ReasonBirthday         Reason = "birthday"
	ReasonProfileCompleted Reason = "profile_completed"
	ReasonPurchase         Reason = "purchase"
	ReasonOperatorBonus    Reason = "operator_bonus"
)

// =============================================================================
// ACCOUNT
// =============================================================================

// Account is a loyalty program member.
//
// Awarded holds the idempotency flags: once a guarded reason appears here,
// further accruals for that reason on this account are no-ops.
type Account struct {
	ID           AccountID
	Balance      Points
	MemberNumber int64 // 0 until issued
	Awarded      map[Reason]bool
	CreatedAt    time.Time
}

// HasAward reports whether the idempotency flag for reason is set.
func (a Account) HasAward(reason Reason) bool {
	return a.Awarded[reason]
}

// AccountUpdate is a typed partial update for an account. Nil fields are left
// untouched. This replaces ad-hoc document merges with an explicit contract:
// the store applies exactly the named fields and nothing else.
type AccountUpdate struct {
	BalanceDelta    *Points // added to the stored balance (may be negative)
	SetAwarded      *Reason // idempotency flag to set
	SetMemberNumber *int64  // member number to assign
}

// =============================================================================
// GRANT - A single point-accrual ledger entry
// =============================================================================

type GrantStatus string

const (
	GrantActive  GrantStatus = "active"
	GrantExpired GrantStatus = "expired" // terminal
)

// Grant records one accrual of points. Amount is what was originally
// credited; Remaining is what has not yet been spent or expired.
//
// Lifecycle: active(remaining>0) is consumed incrementally by redemptions
// (staying active while remaining>0), until either the sweep expires it
// (terminal) or it is fully spent (remaining==0, still active until the
// sweep formally closes it). Nothing leaves the expired state.
type Grant struct {
	ID            GrantID
	AccountID     AccountID
	Amount        Points
	Remaining     Points // 0 <= Remaining <= Amount
	ExpiredAmount Points // what was lost when the sweep closed this grant
	AcquiredAt    time.Time
	ExpiresAt     time.Time // date; the grant is valid through end of this day
	Reason        Reason
	Status        GrantStatus
	Version       int64 // optimistic concurrency token, bumped on mutation
}

// Expired reports whether the grant's validity window had elapsed before the
// start of day. A grant expiring exactly on day remains valid through
// the end of that day, so the comparison is strict.
func (g Grant) Expired(day time.Time) bool {
	return StartOfDay(g.ExpiresAt).Before(StartOfDay(day))
}

// =============================================================================
// CONSUMPTION PLAN - Which grants a redemption spends
// =============================================================================

// Consumption subtracts Spend points from one grant. Version is the grant
// version observed when the plan was built; the store rejects the plan if
// the grant has moved since.
type Consumption struct {
	GrantID GrantID
	Spend   Points
	Version int64
}

type ConsumptionPlan []Consumption

// Total returns the points spent across the whole plan.
func (p ConsumptionPlan) Total() Points {
	var total Points
	for _, c := range p {
		total += c.Spend
	}
	return total
}

// GrantExpiry closes one grant during a sweep. Lost is the remaining balance
// reclaimed, which may be less than the grant's original amount if it was
// partially consumed before expiring.
type GrantExpiry struct {
	GrantID GrantID
	Lost    Points
	Version int64
}

// =============================================================================
// PRIZE CATALOG
// =============================================================================

// Prize is a catalog item redeemable for points. Stock is decremented by
// redemptions and never restocked automatically.
type Prize struct {
	ID        PrizeID
	Name      string
	Cost      Points
	Stock     int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrizeUpdate is a typed partial update for a prize, same contract as
// AccountUpdate: nil fields are untouched.
type PrizeUpdate struct {
	Name   *string
	Cost   *Points
	Stock  *int64
	Active *bool
}

// Redemption records a successful prize exchange.
type Redemption struct {
	ID          string
	AccountID   AccountID
	PrizeID     PrizeID
	PrizeName   string
	PointsSpent Points
	CreatedAt   time.Time
}

// =============================================================================
// HISTORY ENTRIES
// =============================================================================

type EntryKind string

const (
	EntryAccrual    EntryKind = "accrual"    // positive delta
	EntryExpiry     EntryKind = "expiry"     // negative delta, one per sweep
	EntryRedemption EntryKind = "redemption" // negative delta
)

// Entry is an audit record in the account history. Debits (expiry,
// redemption) are synthetic negative-amount entries; they do not carry a
// remaining balance of their own.
type Entry struct {
	ID        string
	AccountID AccountID
	Kind      EntryKind
	Delta     Points // positive for accruals, negative for debits
	Reason    string
	PrizeID   PrizeID // set for redemption entries
	CreatedAt time.Time
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
