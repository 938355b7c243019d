/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// AccountDTO represents a loyalty account in API responses.
type AccountDTO struct {
	ID           string   `json:"id"`
	Balance      int64    `json:"balance"`
	MemberNumber int64    `json:"member_number,omitempty"`
	Awarded      []string `json:"awarded,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
}

// CreateAccountRequest is the request to create an account.
type CreateAccountRequest struct {
	ID string `json:"id"`
}

// BalanceDTO is the response of the balance endpoint. The expiration
// fields describe the soonest-expiring active points, when any exist.
type BalanceDTO struct {
	AccountID            string `json:"account_id"`
	Balance              int64  `json:"balance"`
	ExpiredNow           int64  `json:"expired_now,omitempty"`
	NextExpirationAmount int64  `json:"next_expiration_amount,omitempty"`
	NextExpirationDate   string `json:"next_expiration_date,omitempty"`
}

// AssignPointsRequest is the request to credit points to an account.
//
// Points forces the amount when positive. Otherwise the amount comes from
// the reason's configured rule; for purchase accruals PurchaseAmount is
// converted through the rule's rate.
type AssignPointsRequest struct {
	AccountID      string `json:"account_id"`
	Reason         string `json:"reason"`
	Points         int64  `json:"points,omitempty"`
	PurchaseAmount string `json:"purchase_amount,omitempty"`
	ValidityDays   int    `json:"validity_days,omitempty"`
}

// AssignPointsResponse reports an accrual outcome. OK is true for both a
// fresh credit and the idempotent repeat of a guarded one; Message
// distinguishes the repeat.
type AssignPointsResponse struct {
	OK          bool   `json:"ok"`
	PointsAdded int64  `json:"points_added"`
	NewBalance  int64  `json:"new_balance"`
	Message     string `json:"message,omitempty"`
}

// RedeemRequest is the request to exchange points for a prize.
type RedeemRequest struct {
	AccountID string `json:"account_id"`
	PrizeID   string `json:"prize_id"`
}

// RedemptionDTO represents a completed redemption.
type RedemptionDTO struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	PrizeID     string `json:"prize_id"`
	PrizeName   string `json:"prize_name"`
	PointsSpent int64  `json:"points_spent"`
	NewBalance  int64  `json:"new_balance,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// PrizeDTO represents a catalog prize.
type PrizeDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Cost      int64  `json:"cost"`
	Stock     int64  `json:"stock"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// CreatePrizeRequest is the request to add a prize to the catalog.
type CreatePrizeRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Cost  int64  `json:"cost"`
	Stock int64  `json:"stock"`
}

// UpdatePrizeRequest carries a partial prize update. Absent fields are
// left untouched.
type UpdatePrizeRequest struct {
	Name   *string `json:"name,omitempty"`
	Cost   *int64  `json:"cost,omitempty"`
	Stock  *int64  `json:"stock,omitempty"`
	Active *bool   `json:"active,omitempty"`
}

// EntryDTO represents one history entry.
type EntryDTO struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Delta     int64  `json:"delta"`
	Reason    string `json:"reason,omitempty"`
	PrizeID   string `json:"prize_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// MemberNumberResponse reports a member number issuance.
type MemberNumberResponse struct {
	MemberNumber int64 `json:"member_number"`
	Issued       bool  `json:"issued"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toAccountDTO(a loyalty.Account) AccountDTO {
	dto := AccountDTO{
		ID:           string(a.ID),
		Balance:      int64(a.Balance),
		MemberNumber: a.MemberNumber,
		CreatedAt:    a.CreatedAt.Format(timeFormat),
	}
	for reason := range a.Awarded {
		dto.Awarded = append(dto.Awarded, string(reason))
	}
	return dto
}

func toPrizeDTO(p loyalty.Prize) PrizeDTO {
	return PrizeDTO{
		ID:        string(p.ID),
		Name:      p.Name,
		Cost:      int64(p.Cost),
		Stock:     p.Stock,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(timeFormat),
		UpdatedAt: p.UpdatedAt.Format(timeFormat),
	}
}

func toEntryDTO(e loyalty.Entry) EntryDTO {
	return EntryDTO{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Delta:     int64(e.Delta),
		Reason:    e.Reason,
		PrizeID:   string(e.PrizeID),
		CreatedAt: e.CreatedAt.Format(timeFormat),
	}
}
