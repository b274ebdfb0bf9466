package models

import "time"

type AccessType string

const (
	AccessFull      AccessType = "full"
	AccessWarmIntro AccessType = "warm_introduction"
)

// ValidAccessType reports whether t is an access type the resolver prices.
func ValidAccessType(t AccessType) bool {
	switch t {
	case AccessFull, AccessWarmIntro:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaidBySubscription PaymentMethod = "subscription"
	PaidByCredits      PaymentMethod = "credits"
)

// ChapterUnlock is the permanent record that a (company, chapter, access
// type) has been paid for. The composite unique index is the datastore-level
// defense against two concurrent identical requests double-charging; the
// application-level guard alone is not sufficient. Rows are never re-priced
// after creation, even if the chapter's quality rating later changes.
type ChapterUnlock struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID  string     `gorm:"not null;uniqueIndex:ux_chapter_unlocks_key,priority:1" json:"company_id"`
	ChapterID  string     `gorm:"not null;uniqueIndex:ux_chapter_unlocks_key,priority:2" json:"chapter_id"`
	AccessType AccessType `gorm:"not null;uniqueIndex:ux_chapter_unlocks_key,priority:3" json:"access_type"`

	AmountPaidCredits int           `gorm:"not null;default:0" json:"amount_paid_credits"`
	AmountPaidDollars float64       `gorm:"not null;default:0" json:"amount_paid_dollars"`
	PaymentMethod     PaymentMethod `gorm:"not null" json:"payment_method"`

	// TransactionID references the ledger entry that funded the unlock.
	TransactionID uint `gorm:"index;not null" json:"transaction_id"`

	UnlockedAt time.Time  `gorm:"not null;autoCreateTime" json:"unlocked_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the unlock has lapsed at the given instant. Unlocks
// without an expiry never lapse.
func (u *ChapterUnlock) Expired(now time.Time) bool {
	return u.ExpiresAt != nil && u.ExpiresAt.Before(now)
}
