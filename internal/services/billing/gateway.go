package billing

import (
	"context"
	"fmt"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"github.com/stripe/stripe-go/v81/paymentintent"
	stripesub "github.com/stripe/stripe-go/v81/subscription"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Gateway abstracts the payment provider. The rest of the codebase depends on
// this interface; the Stripe implementation is constructed once at startup
// and injected.
type Gateway interface {
	CreateSubscriptionCheckout(ctx context.Context, params SubscriptionCheckoutParams) (*stripe.CheckoutSession, error)
	CreateCreditCheckout(ctx context.Context, params CreditCheckoutParams) (*stripe.CheckoutSession, error)
	UpdateSubscriptionTier(ctx context.Context, subscriptionID, priceID string) (string, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
	ChargeOffSession(ctx context.Context, params OffSessionChargeParams) (*stripe.PaymentIntent, error)
	ConstructEvent(payload []byte, signature string) (stripe.Event, error)
}

// SubscriptionCheckoutParams creates a recurring-subscription checkout.
type SubscriptionCheckoutParams struct {
	CompanyID     string
	Tier          models.SubscriptionTier
	StripePriceID string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// CreditCheckoutParams creates a one-time credit purchase checkout.
type CreditCheckoutParams struct {
	CompanyID     string
	StripePriceID string
	Credits       int
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// OffSessionChargeParams charges a saved payment method without the customer
// present. IdempotencyKey guards against double charges on retry.
type OffSessionChargeParams struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Description     string
	IdempotencyKey  string
}

// StripeGateway implements Gateway against stripe-go.
type StripeGateway struct {
	secretKey     string
	webhookSecret string
}

func NewStripeGateway(cfg models.StripeConfig) *StripeGateway {
	stripe.Key = cfg.SecretKey

	return &StripeGateway{
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
	}
}

func (g *StripeGateway) CreateSubscriptionCheckout(ctx context.Context, params SubscriptionCheckoutParams) (*stripe.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"company_id": params.CompanyID,
			"tier":       string(params.Tier),
		},
	}

	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription checkout session: %w", err)
	}

	return sess, nil
}

func (g *StripeGateway) CreateCreditCheckout(ctx context.Context, params CreditCheckoutParams) (*stripe.CheckoutSession, error) {
	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(params.StripePriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(params.SuccessURL),
		CancelURL:  stripe.String(params.CancelURL),
		Metadata: map[string]string{
			"company_id": params.CompanyID,
			"credits":    fmt.Sprintf("%d", params.Credits),
		},
	}

	if params.CustomerEmail != "" {
		sessionParams.CustomerEmail = stripe.String(params.CustomerEmail)
	}

	sess, err := session.New(sessionParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create credit checkout session: %w", err)
	}

	return sess, nil
}

// UpdateSubscriptionTier swaps the subscription's single price item with
// prorated invoicing and returns the latest invoice id from the synchronous
// response. Callers must not trust that invoice for amounts; the follow-up
// invoice webhook is authoritative.
func (g *StripeGateway) UpdateSubscriptionTier(ctx context.Context, subscriptionID, priceID string) (string, error) {
	current, err := stripesub.Get(subscriptionID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, err)
	}
	if len(current.Items.Data) == 0 {
		return "", fmt.Errorf("subscription %s has no items", subscriptionID)
	}

	updated, err := stripesub.Update(subscriptionID, &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(current.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String(string(stripe.SubscriptionSchedulePhaseProrationBehaviorCreateProrations)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to update subscription %s: %w", subscriptionID, err)
	}

	if updated.LatestInvoice == nil {
		return "", nil
	}
	return updated.LatestInvoice.ID, nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := stripesub.Cancel(subscriptionID, nil); err != nil {
		return fmt.Errorf("failed to cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (g *StripeGateway) ChargeOffSession(ctx context.Context, params OffSessionChargeParams) (*stripe.PaymentIntent, error) {
	intentParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(params.AmountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(params.CustomerID),
		PaymentMethod: stripe.String(params.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if params.Description != "" {
		intentParams.Description = stripe.String(params.Description)
	}
	if params.IdempotencyKey != "" {
		intentParams.SetIdempotencyKey(params.IdempotencyKey)
	}

	intent, err := paymentintent.New(intentParams)
	if err != nil {
		return nil, fmt.Errorf("off-session charge failed: %w", err)
	}

	return intent, nil
}

func (g *StripeGateway) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("failed to verify webhook signature: %w", err)
	}
	return event, nil
}
