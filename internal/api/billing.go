package api

import (
	"errors"
	"io"

	"github.com/campusbridge/partner-api/internal/config"
	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/auth"
	"github.com/campusbridge/partner-api/internal/services/billing"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/reload"
	"github.com/campusbridge/partner-api/internal/services/subscription"
	"github.com/gofiber/fiber/v2"
)

type BillingHandler struct {
	cfg            *config.Config
	gateway        billing.Gateway
	webhookService *billing.WebhookService
	subscriptions  *subscription.Service
	reloadService  *reload.Service
	ledgerService  *ledger.Service
	authProvider   auth.AuthProvider
}

func NewBillingHandler(cfg *config.Config, gateway billing.Gateway, webhookService *billing.WebhookService, subscriptions *subscription.Service, reloadService *reload.Service, ledgerService *ledger.Service, authProvider auth.AuthProvider) *BillingHandler {
	return &BillingHandler{
		cfg:            cfg,
		gateway:        gateway,
		webhookService: webhookService,
		subscriptions:  subscriptions,
		reloadService:  reloadService,
		ledgerService:  ledgerService,
		authProvider:   authProvider,
	}
}

// HandleStripeWebhook processes billing provider webhook events
func (h *BillingHandler) HandleStripeWebhook(c *fiber.Ctx) error {
	payload, err := io.ReadAll(c.Context().RequestBodyStream())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read request body",
		})
	}

	signature := c.Get("Stripe-Signature")
	if signature == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing Stripe-Signature header",
		})
	}

	if err := h.webhookService.HandleWebhook(c.Context(), payload, signature); err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Type == models.ErrorTypeValidation {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid webhook signature",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	return c.JSON(fiber.Map{
		"received": true,
	})
}

// BillingStatusResponse summarizes an account's subscription, balances, and
// auto-reload settings.
type BillingStatusResponse struct {
	CompanyID          string                    `json:"company_id"`
	Tier               models.SubscriptionTier   `json:"tier"`
	Status             models.SubscriptionStatus `json:"status"`
	PeriodEnd          *string                   `json:"current_period_end,omitempty"`
	BalanceCredits     int                       `json:"balance_credits"`
	BalanceDollars     float64                   `json:"balance_dollars"`
	Unlocks5Star       models.Allowance          `json:"unlocks_5star_remaining"`
	Unlocks4Star       models.Allowance          `json:"unlocks_4star_remaining"`
	Unlocks3Star       models.Allowance          `json:"unlocks_3star_remaining"`
	WarmIntros         models.Allowance          `json:"warm_intros_remaining"`
	MaxTeamSeats       int                       `json:"max_team_seats"`
	AutoReloadEnabled  bool                      `json:"auto_reload_enabled"`
	AutoReloadSettings *reload.Settings          `json:"auto_reload_settings,omitempty"`
}

// GetStatus returns the account's billing status
func (h *BillingHandler) GetStatus(c *fiber.Ctx) error {
	companyID := c.Query("company_id")
	if companyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, companyID); !ok {
		return err
	}

	account, err := h.ledgerService.GetAccount(c.Context(), companyID)
	if err != nil {
		return respondError(c, err)
	}

	resp := BillingStatusResponse{
		CompanyID:         account.CompanyID,
		Tier:              account.SubscriptionTier,
		Status:            account.SubscriptionStatus,
		BalanceCredits:    account.BalanceCredits,
		BalanceDollars:    account.BalanceDollars,
		Unlocks5Star:      account.Unlocks5StarRemaining,
		Unlocks4Star:      account.Unlocks4StarRemaining,
		Unlocks3Star:      account.Unlocks3StarRemaining,
		WarmIntros:        account.WarmIntrosRemaining,
		MaxTeamSeats:      account.MaxTeamSeats,
		AutoReloadEnabled: account.AutoReloadEnabled,
	}
	if account.SubscriptionCurrentPeriodEnd != nil {
		end := account.SubscriptionCurrentPeriodEnd.Format("2006-01-02T15:04:05Z07:00")
		resp.PeriodEnd = &end
	}
	if account.AutoReloadEnabled {
		resp.AutoReloadSettings = &reload.Settings{
			Enabled:   true,
			Threshold: account.AutoReloadThreshold,
			Amount:    account.AutoReloadAmount,
		}
	}

	return c.JSON(resp)
}

// CheckoutSessionRequest creates either a subscription checkout (tier set)
// or a credit purchase checkout (credits set).
type CheckoutSessionRequest struct {
	CompanyID     string `json:"company_id" binding:"required"`
	Tier          string `json:"tier,omitempty"`
	Credits       int    `json:"credits,omitempty"`
	StripePriceID string `json:"stripe_price_id,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

type CheckoutSessionResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckoutSession creates a provider checkout session
func (h *BillingHandler) CreateCheckoutSession(c *fiber.Ctx) error {
	var req CheckoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.CompanyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, req.CompanyID); !ok {
		return err
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = h.cfg.Billing.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = h.cfg.Billing.CancelURL
	}
	if successURL == "" || cancelURL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "success_url and cancel_url are required",
		})
	}

	switch {
	case req.Tier != "":
		tier := models.SubscriptionTier(req.Tier)
		priceID := req.StripePriceID
		if priceID == "" {
			priceID = h.cfg.GetTierPriceID(tier)
		}
		if !models.ValidTier(tier) || tier == models.TierTrial || priceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown or unpriced subscription tier",
			})
		}

		sess, err := h.gateway.CreateSubscriptionCheckout(c.Context(), billing.SubscriptionCheckoutParams{
			CompanyID:     req.CompanyID,
			Tier:          tier,
			StripePriceID: priceID,
			CustomerEmail: req.CustomerEmail,
			SuccessURL:    successURL,
			CancelURL:     cancelURL,
		})
		if err != nil {
			return respondError(c, models.NewGatewayError("checkout session", err))
		}
		return c.JSON(CheckoutSessionResponse{SessionID: sess.ID, CheckoutURL: sess.URL})

	case req.Credits > 0:
		if req.StripePriceID == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "stripe_price_id is required for credit purchases",
			})
		}

		sess, err := h.gateway.CreateCreditCheckout(c.Context(), billing.CreditCheckoutParams{
			CompanyID:     req.CompanyID,
			StripePriceID: req.StripePriceID,
			Credits:       req.Credits,
			CustomerEmail: req.CustomerEmail,
			SuccessURL:    successURL,
			CancelURL:     cancelURL,
		})
		if err != nil {
			return respondError(c, models.NewGatewayError("checkout session", err))
		}
		return c.JSON(CheckoutSessionResponse{SessionID: sess.ID, CheckoutURL: sess.URL})

	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "either tier or credits must be set",
		})
	}
}

// ChangeTierRequest switches an active subscription to a different tier.
type ChangeTierRequest struct {
	CompanyID string `json:"company_id" binding:"required"`
	Tier      string `json:"tier" binding:"required"`
}

// ChangeTier updates the subscription tier with prorated billing
func (h *BillingHandler) ChangeTier(c *fiber.Ctx) error {
	var req ChangeTierRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.CompanyID == "" || req.Tier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id and tier are required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, req.CompanyID); !ok {
		return err
	}

	tier := models.SubscriptionTier(req.Tier)
	priceID := h.cfg.GetTierPriceID(tier)
	if priceID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown or unpriced subscription tier",
		})
	}

	if err := h.subscriptions.ChangeTier(c.Context(), req.CompanyID, tier, priceID); err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"company_id": req.CompanyID,
		"tier":       tier,
	})
}

// TriggerAutoReload runs one auto-reload attempt for the account
func (h *BillingHandler) TriggerAutoReload(c *fiber.Ctx) error {
	var req struct {
		CompanyID string `json:"company_id" binding:"required"`
	}
	if err := c.BodyParser(&req); err != nil || req.CompanyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, req.CompanyID); !ok {
		return err
	}

	result, err := h.reloadService.Trigger(c.Context(), req.CompanyID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(result)
}

// AutoReloadSettingsRequest updates the account's auto-reload configuration.
type AutoReloadSettingsRequest struct {
	CompanyID string  `json:"company_id" binding:"required"`
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
	Amount    float64 `json:"amount"`
}

// UpdateAutoReloadSettings validates and stores auto-reload settings
func (h *BillingHandler) UpdateAutoReloadSettings(c *fiber.Ctx) error {
	var req AutoReloadSettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.CompanyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, req.CompanyID); !ok {
		return err
	}

	err := h.reloadService.UpdateSettings(c.Context(), req.CompanyID, reload.Settings{
		Enabled:   req.Enabled,
		Threshold: req.Threshold,
		Amount:    req.Amount,
	})
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"company_id": req.CompanyID,
		"enabled":    req.Enabled,
	})
}
