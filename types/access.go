package types

import (
	"strings"
	"time"
)

// GrantStatus is the state of an access request.
type GrantStatus string

const (
	GrantPending  GrantStatus = "pending"
	GrantApproved GrantStatus = "approved"
	GrantDenied   GrantStatus = "denied"
)

// ParseGrantStatus normalizes a status string. The legacy spellings
// "accepted" and "rejected" map to approved and denied.
func ParseGrantStatus(s string) (GrantStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return GrantPending, true
	case "approved", "accepted":
		return GrantApproved, true
	case "denied", "rejected":
		return GrantDenied, true
	}
	return "", false
}

// Terminal reports whether no further transition is allowed.
func (s GrantStatus) Terminal() bool {
	return s == GrantApproved || s == GrantDenied
}

// AccessGrant is a researcher's request to read a dataset and the decision on it.
type AccessGrant struct {
	ID          string      `json:"id" db:"id"`
	DatasetID   string      `json:"dataset_id" db:"dataset_id"`
	RequesterID string      `json:"requester_id" db:"requester_id"`
	Status      GrantStatus `json:"status" db:"status"`
	Message     string      `json:"message" db:"message"`
	CreatedBy   string      `json:"created_by" db:"created_by"`
	UpdatedBy   string      `json:"updated_by" db:"updated_by"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// CreateAccessRequestPayload is the payload for POST /datasets/{id}/access-requests.
type CreateAccessRequestPayload struct {
	Message string `json:"message"`
}

// DecisionPayload is the payload for POST /access-requests/{id}/decision.
type DecisionPayload struct {
	Status string `json:"status"` // "approved" or "denied"
}

// AccessGrantsResponse is the response for GET /datasets/{id}/access-requests.
type AccessGrantsResponse struct {
	Grants []AccessGrant `json:"grants"`
	Count  int           `json:"count"`
}

// Purchase records that a buyer paid for a dataset.
type Purchase struct {
	ID          string    `json:"id" db:"id"`
	BuyerID     string    `json:"buyer_id" db:"buyer_id"`
	DatasetID   string    `json:"dataset_id" db:"dataset_id"`
	PurchasedAt time.Time `json:"purchased_at" db:"purchased_at"`
}

// CreatePurchasePayload is the payload for POST /datasets/{id}/purchases.
type CreatePurchasePayload struct {
	BuyerID          string `json:"buyer_id"`
	PaymentReference string `json:"payment_reference"`
}
