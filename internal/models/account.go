package models

import "time"

type SubscriptionTier string

const (
	TierTrial      SubscriptionTier = "trial"
	TierMonthly    SubscriptionTier = "monthly"
	TierEnterprise SubscriptionTier = "enterprise"
)

// ValidTier reports whether t is a tier this service knows how to grant
// benefits for.
func ValidTier(t SubscriptionTier) bool {
	switch t {
	case TierTrial, TierMonthly, TierEnterprise:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// CompanyBalance is the single concurrency-sensitive row per company: the
// credit/dollar balance, subscription state, and per-band allowance counters.
// It is mutated only by the ledger recorder and the subscription lifecycle
// manager, always under a row lock, never by request handlers directly.
type CompanyBalance struct {
	ID        uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	CompanyID string `gorm:"uniqueIndex;not null" json:"company_id"`

	BalanceCredits int     `gorm:"not null;default:0" json:"balance_credits"`
	BalanceDollars float64 `gorm:"not null;default:0" json:"balance_dollars"`

	LifetimeCreditsEarned int     `gorm:"not null;default:0" json:"lifetime_credits_earned"`
	LifetimeCreditsSpent  int     `gorm:"not null;default:0" json:"lifetime_credits_spent"`
	LifetimeDollarsAdded  float64 `gorm:"not null;default:0" json:"lifetime_dollars_added"`
	LifetimeDollarsSpent  float64 `gorm:"not null;default:0" json:"lifetime_dollars_spent"`

	SubscriptionTier             SubscriptionTier   `gorm:"not null;default:trial;index" json:"subscription_tier"`
	SubscriptionStatus           SubscriptionStatus `gorm:"not null;default:active" json:"subscription_status"`
	SubscriptionStartedAt        *time.Time         `json:"subscription_started_at,omitempty"`
	SubscriptionCurrentPeriodEnd *time.Time         `json:"subscription_current_period_end,omitempty"`

	Unlocks5StarMonthly   Allowance `gorm:"column:unlocks_5star_monthly;not null;default:0" json:"unlocks_5star_monthly"`
	Unlocks5StarRemaining Allowance `gorm:"column:unlocks_5star_remaining;not null;default:0" json:"unlocks_5star_remaining"`
	Unlocks4StarMonthly   Allowance `gorm:"column:unlocks_4star_monthly;not null;default:0" json:"unlocks_4star_monthly"`
	Unlocks4StarRemaining Allowance `gorm:"column:unlocks_4star_remaining;not null;default:0" json:"unlocks_4star_remaining"`
	Unlocks3StarMonthly   Allowance `gorm:"column:unlocks_3star_monthly;not null;default:0" json:"unlocks_3star_monthly"`
	Unlocks3StarRemaining Allowance `gorm:"column:unlocks_3star_remaining;not null;default:0" json:"unlocks_3star_remaining"`

	WarmIntrosMonthly   Allowance `gorm:"column:warm_intros_monthly;not null;default:0" json:"warm_intros_monthly"`
	WarmIntrosRemaining Allowance `gorm:"column:warm_intros_remaining;not null;default:0" json:"warm_intros_remaining"`

	MaxTeamSeats int `gorm:"not null;default:1" json:"max_team_seats"`

	AutoReloadEnabled         bool       `gorm:"not null;default:false" json:"auto_reload_enabled"`
	AutoReloadThreshold       float64    `gorm:"not null;default:0" json:"auto_reload_threshold"`
	AutoReloadAmount          float64    `gorm:"not null;default:0" json:"auto_reload_amount"`
	AutoReloadLastTriggeredAt *time.Time `json:"auto_reload_last_triggered_at,omitempty"`

	StripeCustomerID      string `gorm:"index" json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  string `gorm:"index" json:"stripe_subscription_id,omitempty"`
	StripePaymentMethodID string `json:"stripe_payment_method_id,omitempty"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// AutoReload minimums. Settings below these are rejected before any write.
const (
	MinAutoReloadThreshold = 5.0
	MinAutoReloadAmount    = 25.0
)
