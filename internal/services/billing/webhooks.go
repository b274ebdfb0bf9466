package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/notifications"
	"github.com/campusbridge/partner-api/internal/services/subscription"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/gorm"
)

const providerStripe = "stripe"

// WebhookService verifies, deduplicates, and dispatches Stripe webhook
// events. Every event lands in the billing_webhook_events table before any
// handler runs: a redelivered event that already processed is acknowledged
// without side effects, while one that previously failed is retried.
type WebhookService struct {
	db            *gorm.DB
	gateway       Gateway
	subscriptions *subscription.Service
	ledger        *ledger.Service
	notifier      notifications.Publisher
}

func NewWebhookService(db *gorm.DB, gateway Gateway, subscriptions *subscription.Service, ledgerSvc *ledger.Service, notifier notifications.Publisher) *WebhookService {
	if notifier == nil {
		notifier = notifications.NopPublisher{}
	}
	return &WebhookService{
		db:            db,
		gateway:       gateway,
		subscriptions: subscriptions,
		ledger:        ledgerSvc,
		notifier:      notifier,
	}
}

// HandleWebhook is the single entry point for POST /webhooks/stripe.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := s.gateway.ConstructEvent(payload, signature)
	if err != nil {
		return models.NewValidationError("invalid webhook signature", err)
	}

	record, done, err := s.recordEvent(ctx, event)
	if err != nil {
		return err
	}
	if done {
		fiberlog.Infof("skipping already processed stripe event %s (%s)", event.ID, event.Type)
		return nil
	}

	procErr := s.dispatch(ctx, event)
	s.finishEvent(ctx, record, procErr)
	return procErr
}

// recordEvent inserts the dedup row. done=true means an earlier delivery
// already processed this event successfully.
func (s *WebhookService) recordEvent(ctx context.Context, event stripe.Event) (*models.BillingWebhookEvent, bool, error) {
	record := &models.BillingWebhookEvent{
		Provider:        providerStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(event.Data.Raw),
	}

	err := s.db.WithContext(ctx).Create(record).Error
	if err == nil {
		return record, false, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("failed to record webhook event %s: %w", event.ID, err)
	}

	var existing models.BillingWebhookEvent
	findErr := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", providerStripe, event.ID).
		First(&existing).Error
	if findErr != nil {
		return nil, false, fmt.Errorf("failed to load webhook event %s: %w", event.ID, findErr)
	}

	if existing.ProcessedAt != nil {
		return nil, true, nil
	}
	// Previous delivery failed mid-processing; run the handlers again.
	return &existing, false, nil
}

func (s *WebhookService) finishEvent(ctx context.Context, record *models.BillingWebhookEvent, procErr error) {
	updates := map[string]any{}
	if procErr != nil {
		updates["processing_error"] = procErr.Error()
	} else {
		now := time.Now()
		updates["processed_at"] = &now
		updates["processing_error"] = ""
	}
	if err := s.db.WithContext(ctx).Model(record).Updates(updates).Error; err != nil {
		fiberlog.Errorf("failed to update webhook event %s: %v", record.ProviderEventID, err)
	}
}

func (s *WebhookService) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded":
		return s.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(ctx, event)
	default:
		fiberlog.Debugf("ignoring stripe event type %s", event.Type)
		return nil
	}
}

func (s *WebhookService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	switch sess.Mode {
	case stripe.CheckoutSessionModeSubscription:
		return s.completeSubscriptionCheckout(ctx, sess)
	case stripe.CheckoutSessionModePayment:
		return s.completeCreditPurchase(ctx, sess)
	default:
		fiberlog.Debugf("ignoring checkout session %s with mode %s", sess.ID, sess.Mode)
		return nil
	}
}

func (s *WebhookService) completeSubscriptionCheckout(ctx context.Context, sess stripe.CheckoutSession) error {
	companyID := sess.Metadata["company_id"]
	tier := models.SubscriptionTier(sess.Metadata["tier"])
	if companyID == "" || sess.Subscription == nil {
		return fmt.Errorf("checkout session %s missing company or subscription", sess.ID)
	}

	params := subscription.CheckoutCompletedParams{
		CompanyID:      companyID,
		Tier:           tier,
		SubscriptionID: sess.Subscription.ID,
	}
	if sess.Customer != nil {
		params.CustomerID = sess.Customer.ID
	}
	if sess.Subscription.DefaultPaymentMethod != nil {
		params.PaymentMethodID = sess.Subscription.DefaultPaymentMethod.ID
	}
	if sess.Subscription.CurrentPeriodEnd > 0 {
		end := time.Unix(sess.Subscription.CurrentPeriodEnd, 0)
		params.PeriodEnd = &end
	}

	return s.subscriptions.HandleCheckoutCompleted(ctx, params)
}

func (s *WebhookService) completeCreditPurchase(ctx context.Context, sess stripe.CheckoutSession) error {
	companyID := sess.Metadata["company_id"]
	credits, err := strconv.Atoi(sess.Metadata["credits"])
	if err != nil || companyID == "" || credits <= 0 {
		return fmt.Errorf("invalid credit purchase metadata on session %s", sess.ID)
	}

	// The session id keys idempotency: redelivery finds the existing ledger
	// row and adds nothing.
	ref := sess.ID
	if sess.PaymentIntent != nil {
		ref = sess.PaymentIntent.ID
	}

	_, err = s.ledger.AddCredits(ctx, models.AddCreditsParams{
		CompanyID:   companyID,
		Credits:     credits,
		Type:        models.TransactionPurchase,
		Description: fmt.Sprintf("Purchased %d credits", credits),
		ExternalRef: &ref,
	})
	if err != nil {
		return fmt.Errorf("failed to credit purchase for %s: %w", companyID, err)
	}

	// Keep the provider customer ref so future off-session charges can find
	// the saved payment method.
	if sess.Customer != nil {
		if err := s.db.WithContext(ctx).Model(&models.CompanyBalance{}).
			Where("company_id = ? AND (stripe_customer_id = '' OR stripe_customer_id IS NULL)", companyID).
			Update("stripe_customer_id", sess.Customer.ID).Error; err != nil {
			fiberlog.Warnf("failed to save customer ref for %s: %v", companyID, err)
		}
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventCreditsPurchased,
		Title:     "Credits purchased",
		Message:   fmt.Sprintf("%s purchased %d credits", companyID, credits),
		CompanyID: companyID,
		Data:      map[string]any{"credits": credits},
	})

	return nil
}

func (s *WebhookService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0)
		periodEnd = &end
	}

	return s.subscriptions.HandleSubscriptionUpdated(ctx, sub.ID, mapSubscriptionStatus(sub.Status), periodEnd)
}

func (s *WebhookService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("failed to parse subscription: %w", err)
	}
	return s.subscriptions.HandleSubscriptionDeleted(ctx, sub.ID)
}

func (s *WebhookService) handleInvoicePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}
	if invoice.Subscription == nil {
		return nil
	}

	var periodEnd *time.Time
	if invoice.PeriodEnd > 0 {
		end := time.Unix(invoice.PeriodEnd, 0)
		periodEnd = &end
	}

	return s.subscriptions.HandleInvoicePaymentSucceeded(ctx, invoice.Subscription.ID, invoice.ID, string(invoice.BillingReason), periodEnd)
}

func (s *WebhookService) handleInvoicePaymentFailed(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("failed to parse invoice: %w", err)
	}
	if invoice.Subscription == nil {
		return nil
	}

	var periodEnd *time.Time
	if invoice.PeriodEnd > 0 {
		end := time.Unix(invoice.PeriodEnd, 0)
		periodEnd = &end
	}

	return s.subscriptions.HandleInvoicePaymentFailed(ctx, invoice.Subscription.ID, invoice.ID, periodEnd)
}

// mapSubscriptionStatus folds the provider's status set down to the three
// states the account model tracks.
func mapSubscriptionStatus(status stripe.SubscriptionStatus) models.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.SubscriptionActive
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return models.SubscriptionPastDue
	default:
		return models.SubscriptionCanceled
	}
}
