package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/notifications"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// billingReasonRenewal is the provider's billing reason for a recurring
// cycle invoice. Only these invoices re-grant benefits; the initial invoice
// is covered by the checkout-completed grant.
const billingReasonRenewal = "subscription_cycle"

// Gateway is the slice of the billing provider the lifecycle manager needs
// for client-initiated tier changes.
type Gateway interface {
	// UpdateSubscriptionTier swaps the subscription's price item with
	// prorated invoicing and returns the provider's latest invoice id.
	UpdateSubscriptionTier(ctx context.Context, subscriptionID, priceID string) (string, error)
}

// Service is the subscription lifecycle state machine. Every transition is
// driven by an inbound billing-provider event keyed by the provider's
// subscription id; events whose subscription id no longer matches an account
// are stale and ignored.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	gateway  Gateway
	notifier notifications.Publisher
	now      func() time.Time
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, gateway Gateway, notifier notifications.Publisher) *Service {
	if notifier == nil {
		notifier = notifications.NopPublisher{}
	}
	return &Service{
		db:       db,
		ledger:   ledgerSvc,
		gateway:  gateway,
		notifier: notifier,
		now:      time.Now,
	}
}

// CheckoutCompletedParams carries the fields extracted from a completed
// subscription checkout session.
type CheckoutCompletedParams struct {
	CompanyID       string
	Tier            models.SubscriptionTier
	CustomerID      string
	SubscriptionID  string
	PaymentMethodID string
	PeriodEnd       *time.Time
}

// HandleCheckoutCompleted activates a fresh subscription: sets tier and
// status, zeroes prior usage, and grants the tier's benefits.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, params CheckoutCompletedParams) error {
	if !models.ValidTier(params.Tier) {
		return models.NewValidationError(fmt.Sprintf("unknown subscription tier %q", params.Tier), nil)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.ledger.LockAccount(tx, params.CompanyID)
		if err != nil {
			return err
		}

		now := s.now()
		updates := map[string]any{
			"subscription_tier":       params.Tier,
			"subscription_status":     models.SubscriptionActive,
			"subscription_started_at": &now,
			"stripe_customer_id":      params.CustomerID,
			"stripe_subscription_id":  params.SubscriptionID,
		}
		if params.PaymentMethodID != "" {
			updates["stripe_payment_method_id"] = params.PaymentMethodID
		}
		if err := tx.Model(account).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to activate subscription: %w", err)
		}

		stipendRef := fmt.Sprintf("stipend:%s:initial", params.SubscriptionID)
		return s.grantBenefitsTx(tx, account, params.Tier, params.PeriodEnd, stipendRef, models.TransactionSubscriptionGrant)
	})
	if err != nil {
		return err
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventSubscriptionStarted,
		Title:     "Subscription started",
		Message:   fmt.Sprintf("%s subscribed to the %s plan", params.CompanyID, params.Tier),
		CompanyID: params.CompanyID,
		Data: map[string]any{
			"tier":            string(params.Tier),
			"subscription_id": params.SubscriptionID,
		},
	})

	return nil
}

// HandleSubscriptionUpdated syncs status and period end only. It never
// re-grants benefits, so metadata-only updates cannot double-grant.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, subscriptionID string, status models.SubscriptionStatus, periodEnd *time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, ok, err := s.lockBySubscription(tx, subscriptionID)
		if err != nil || !ok {
			return err
		}

		updates := map[string]any{"subscription_status": status}
		if periodEnd != nil {
			updates["subscription_current_period_end"] = periodEnd
		}
		if err := tx.Model(account).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to sync subscription %s: %w", subscriptionID, err)
		}
		return nil
	})
}

// HandleSubscriptionDeleted downgrades the account to trial: every monthly
// and remaining counter zeroed, seats back to one.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, subscriptionID string) error {
	var companyID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, ok, err := s.lockBySubscription(tx, subscriptionID)
		if err != nil || !ok {
			return err
		}
		companyID = account.CompanyID

		zero := models.FiniteAllowance(0)
		updates := map[string]any{
			"subscription_tier":               models.TierTrial,
			"subscription_status":             models.SubscriptionCanceled,
			"subscription_current_period_end": nil,
			"stripe_subscription_id":          "",
			"unlocks_5star_monthly":           zero,
			"unlocks_5star_remaining":         zero,
			"unlocks_4star_monthly":           zero,
			"unlocks_4star_remaining":         zero,
			"unlocks_3star_monthly":           zero,
			"unlocks_3star_remaining":         zero,
			"warm_intros_monthly":             zero,
			"warm_intros_remaining":           zero,
			"max_team_seats":                  1,
		}
		if err := tx.Model(account).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to downgrade subscription %s: %w", subscriptionID, err)
		}
		return nil
	})
	if err != nil || companyID == "" {
		return err
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventSubscriptionCanceled,
		Title:     "Subscription canceled",
		Message:   fmt.Sprintf("%s was downgraded to trial", companyID),
		CompanyID: companyID,
		Data:      map[string]any{"subscription_id": subscriptionID},
	})

	return nil
}

// HandleInvoicePaymentSucceeded processes a renewal: every remaining counter
// resets to the tier's monthly quota (no rollover), and the tier's credit
// stipend is added under an idempotency key scoped to this invoice, so a
// redelivered event cannot grant it twice.
func (s *Service) HandleInvoicePaymentSucceeded(ctx context.Context, subscriptionID, invoiceID, billingReason string, periodEnd *time.Time) error {
	if billingReason != billingReasonRenewal {
		fiberlog.Debugf("ignoring invoice %s with billing reason %q", invoiceID, billingReason)
		return nil
	}

	var companyID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, ok, err := s.lockBySubscription(tx, subscriptionID)
		if err != nil || !ok {
			return err
		}
		companyID = account.CompanyID

		if err := tx.Model(account).Update("subscription_status", models.SubscriptionActive).Error; err != nil {
			return fmt.Errorf("failed to mark subscription active: %w", err)
		}

		stipendRef := fmt.Sprintf("stipend:%s:%s", subscriptionID, invoiceID)
		return s.grantBenefitsTx(tx, account, account.SubscriptionTier, periodEnd, stipendRef, models.TransactionSubscriptionRenewal)
	})
	if err != nil || companyID == "" {
		return err
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventSubscriptionRenewed,
		Title:     "Subscription renewed",
		Message:   fmt.Sprintf("Monthly allowances refreshed for %s", companyID),
		CompanyID: companyID,
		Data: map[string]any{
			"subscription_id": subscriptionID,
			"invoice_id":      invoiceID,
		},
	})

	return nil
}

// HandleInvoicePaymentFailed marks the account past due. Allowances stay
// usable as a grace period until an explicit cancellation event arrives.
// Failures whose invoice period predates the account's current period are
// late redeliveries for an already-resolved cycle and are ignored, so they
// cannot knock an active account back to past due.
func (s *Service) HandleInvoicePaymentFailed(ctx context.Context, subscriptionID, invoiceID string, periodEnd *time.Time) error {
	var companyID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, ok, err := s.lockBySubscription(tx, subscriptionID)
		if err != nil || !ok {
			return err
		}
		if periodEnd != nil && account.SubscriptionCurrentPeriodEnd != nil && periodEnd.Before(*account.SubscriptionCurrentPeriodEnd) {
			fiberlog.Warnf("Ignoring stale payment failure for subscription %s invoice %s: period ended %s, account is on period ending %s",
				subscriptionID, invoiceID, periodEnd.Format(time.RFC3339), account.SubscriptionCurrentPeriodEnd.Format(time.RFC3339))
			return nil
		}
		companyID = account.CompanyID

		return tx.Model(account).Update("subscription_status", models.SubscriptionPastDue).Error
	})
	if err != nil || companyID == "" {
		return err
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventPaymentFailed,
		Title:     "Payment failed",
		Message:   fmt.Sprintf("Subscription payment failed for %s; account is past due", companyID),
		CompanyID: companyID,
		Data: map[string]any{
			"subscription_id": subscriptionID,
			"invoice_id":      invoiceID,
		},
	})

	return nil
}

// ChangeTier upgrades or downgrades a subscription in place: the provider
// side is updated with prorated invoicing, then the new tier's allowances
// apply immediately instead of waiting for the next renewal. The proration
// amount on the synchronous response is not trusted; the follow-up invoice
// webhook is authoritative.
func (s *Service) ChangeTier(ctx context.Context, companyID string, newTier models.SubscriptionTier, priceID string) error {
	if !models.ValidTier(newTier) || newTier == models.TierTrial {
		return models.NewValidationError(fmt.Sprintf("cannot change to tier %q", newTier), nil)
	}

	account, err := s.ledger.GetAccount(ctx, companyID)
	if err != nil {
		return err
	}
	if account.StripeSubscriptionID == "" {
		return models.NewValidationError("account has no active subscription to change", nil)
	}
	if account.SubscriptionTier == newTier {
		return models.NewValidationError("account is already on the requested tier", nil)
	}
	if s.gateway == nil {
		return models.NewInternalError("billing gateway not configured", nil)
	}

	latestInvoiceID, err := s.gateway.UpdateSubscriptionTier(ctx, account.StripeSubscriptionID, priceID)
	if err != nil {
		return models.NewGatewayError("subscription update", err)
	}
	fiberlog.Infof("tier change for %s: provider reported latest invoice %s", companyID, latestInvoiceID)

	// The stipend is deliberately not granted here; the renewal invoice for
	// the new tier carries it, keyed by that invoice's id.
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.ledger.LockAccount(tx, companyID)
		if err != nil {
			return err
		}
		return s.grantBenefitsTx(tx, locked, newTier, nil, "", models.TransactionSubscriptionGrant)
	})
}

// grantBenefitsTx resets the allowance columns to the tier's monthly quota.
// It is an UPDATE, not an INSERT, so replaying it lands on the same values.
// The optional credit stipend is keyed by stipendRef and skipped when the
// ref has already been recorded.
func (s *Service) grantBenefitsTx(tx *gorm.DB, account *models.CompanyBalance, tier models.SubscriptionTier, periodEnd *time.Time, stipendRef string, txType models.TransactionType) error {
	benefits := BenefitsForTier(tier)

	updates := map[string]any{
		"subscription_tier":       tier,
		"unlocks_5star_monthly":   benefits.Unlocks5Star,
		"unlocks_5star_remaining": benefits.Unlocks5Star,
		"unlocks_4star_monthly":   benefits.Unlocks4Star,
		"unlocks_4star_remaining": benefits.Unlocks4Star,
		"unlocks_3star_monthly":   benefits.Unlocks3Star,
		"unlocks_3star_remaining": benefits.Unlocks3Star,
		"warm_intros_monthly":     benefits.WarmIntros,
		"warm_intros_remaining":   benefits.WarmIntros,
		"max_team_seats":          benefits.MaxTeamSeats,
	}
	if periodEnd != nil {
		updates["subscription_current_period_end"] = periodEnd
	}
	if err := tx.Model(account).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to grant tier benefits: %w", err)
	}

	if benefits.CreditStipend > 0 && stipendRef != "" {
		_, err := s.ledger.AddCreditsTx(tx, models.AddCreditsParams{
			CompanyID:   account.CompanyID,
			Credits:     benefits.CreditStipend,
			Type:        txType,
			Description: fmt.Sprintf("%s tier credit stipend", tier),
			ExternalRef: &stipendRef,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// lockBySubscription locks the account owning a provider subscription id.
// ok=false means no account matches: the event is stale or for an unknown
// subscription and is logged then ignored.
func (s *Service) lockBySubscription(tx *gorm.DB, subscriptionID string) (*models.CompanyBalance, bool, error) {
	if subscriptionID == "" {
		return nil, false, nil
	}

	var account models.CompanyBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stripe_subscription_id = ?", subscriptionID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fiberlog.Warnf("ignoring event for unknown or stale subscription %s", subscriptionID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock account for subscription %s: %w", subscriptionID, err)
	}

	return &account, true, nil
}
