package loyalty

import "time"

// =============================================================================
// EXPIRY POLICY - How a grant's expiration date is computed
// =============================================================================

// ExpiryPolicy computes the expiration date for a new grant. The returned
// date is day-granular; the grant stays valid through the end of that day.
type ExpiryPolicy interface {
	// ExpiresAt computes the expiration date for a grant of the given amount
	// acquired at acquiredAt. overrideDays > 0 forces a specific validity
	// window regardless of policy.
	ExpiresAt(acquiredAt time.Time, amount Points, overrideDays int) time.Time
}

// =============================================================================
// FIXED TERM - The canonical policy
// =============================================================================

// FixedTermExpiry gives every grant the same validity period in days unless
// the accrual carries an explicit override. This is the default policy.
type FixedTermExpiry struct {
	Days int
}

func (p FixedTermExpiry) ExpiresAt(acquiredAt time.Time, _ Points, overrideDays int) time.Time {
	days := p.Days
	if overrideDays > 0 {
		days = overrideDays
	}
	return StartOfDay(acquiredAt).AddDate(0, 0, days)
}

// =============================================================================
// TIERED - Validity by grant size
// =============================================================================

// ExpiryTier maps a minimum granted amount to a validity period. Tiers must
// be sorted by ascending MinPoints; the last tier whose threshold the grant
// meets wins.
type ExpiryTier struct {
	MinPoints Points
	Days      int
}

// TieredExpiry derives the validity window from the size of the grant.
// Larger grants live longer. Grants below every tier fall back to Default.
// An accrual-level override still wins over the tiers.
type TieredExpiry struct {
	Tiers   []ExpiryTier
	Default int
}

func (p TieredExpiry) ExpiresAt(acquiredAt time.Time, amount Points, overrideDays int) time.Time {
	days := p.Default
	if overrideDays > 0 {
		days = overrideDays
	} else {
		for _, tier := range p.Tiers {
			if amount >= tier.MinPoints {
				days = tier.Days
			}
		}
	}
	return StartOfDay(acquiredAt).AddDate(0, 0, days)
}
