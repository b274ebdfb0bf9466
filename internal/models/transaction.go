package models

import "time"

type TransactionType string

const (
	TransactionPurchase            TransactionType = "purchase"
	TransactionSubscriptionGrant   TransactionType = "subscription_grant"
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
	TransactionUnlock              TransactionType = "unlock"
	TransactionWarmIntro           TransactionType = "warm_intro"
	TransactionAutoReload          TransactionType = "auto_reload"
	TransactionPromotional         TransactionType = "promotional"
	TransactionRefund              TransactionType = "refund"
)

// BalanceTransaction is the append-only ledger behind every balance mutation.
// Rows are never updated or deleted. ExternalRef is the idempotency key for
// provider-sourced events: a second delivery of the same real-world event
// finds the existing row instead of mutating again.
type BalanceTransaction struct {
	ID           uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID    string          `gorm:"index;not null" json:"company_id"`
	CreditsDelta int             `gorm:"not null;default:0" json:"credits_delta"`
	DollarsDelta float64         `gorm:"not null;default:0" json:"dollars_delta"`
	Type         TransactionType `gorm:"index;not null" json:"type"`
	Description  string          `json:"description"`

	// CreditsAfter/DollarsAfter snapshot the balance at commit time so the
	// ledger is auditable without replaying.
	CreditsAfter int     `gorm:"not null;default:0" json:"credits_after"`
	DollarsAfter float64 `gorm:"not null;default:0" json:"dollars_after"`

	ExternalRef *string `gorm:"uniqueIndex" json:"external_ref,omitempty"`
	ResourceRef *string `gorm:"index" json:"resource_ref,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

type AddCreditsParams struct {
	CompanyID   string
	Credits     int
	Type        TransactionType
	Description string
	ExternalRef *string
}

type AddBalanceParams struct {
	CompanyID   string
	Dollars     float64
	Type        TransactionType
	Description string
	ExternalRef *string
}

type DeductCreditsParams struct {
	CompanyID   string
	Credits     int
	Dollars     float64
	Type        TransactionType
	Description string
	ResourceRef *string
}
