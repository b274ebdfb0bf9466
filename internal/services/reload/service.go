package reload

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/billing"
	"github.com/campusbridge/partner-api/internal/services/circuitbreaker"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/notifications"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	lockKeyPrefix  = "auto_reload:lock:"
	defaultLockTTL = 5 * time.Minute
)

// Skip reasons for triggers that did nothing. These are outcomes, not errors.
const (
	SkipDisabled       = "disabled"
	SkipAboveThreshold = "above_threshold"
	SkipLocked         = "in_progress"
)

// Service tops up dollar balances from the saved payment method when they
// fall below the account's configured threshold. The charge path is wrapped
// in a circuit breaker so a misbehaving payment provider cannot be hammered
// by a sweep over many low-balance accounts.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	gateway  billing.Gateway
	redis    *redis.Client
	breaker  *circuitbreaker.CircuitBreaker
	notifier notifications.Publisher
	lockTTL  time.Duration
	now      func() time.Time
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, gateway billing.Gateway, redisClient *redis.Client, breaker *circuitbreaker.CircuitBreaker, notifier notifications.Publisher, lockTTL time.Duration) *Service {
	if notifier == nil {
		notifier = notifications.NopPublisher{}
	}
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		db:       db,
		ledger:   ledgerSvc,
		gateway:  gateway,
		redis:    redisClient,
		breaker:  breaker,
		notifier: notifier,
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

// Result reports what a trigger did. Skipped is set when the account did not
// need or could not receive a reload without that being an error.
type Result struct {
	Triggered     bool    `json:"triggered"`
	Skipped       string  `json:"skipped,omitempty"`
	AmountDollars float64 `json:"amount_dollars,omitempty"`
	NewBalance    float64 `json:"new_balance,omitempty"`
}

// Trigger runs one reload attempt for a company. A Redis lock per company
// serializes concurrent triggers, and the charge carries a deterministic
// idempotency key derived from the company's ledger position, so a retried
// trigger after a partial failure lands on the provider's idempotency window
// instead of issuing a second charge.
func (s *Service) Trigger(ctx context.Context, companyID string) (*Result, error) {
	account, err := s.ledger.GetAccount(ctx, companyID)
	if err != nil {
		return nil, err
	}

	if !account.AutoReloadEnabled {
		return &Result{Skipped: SkipDisabled}, nil
	}
	if account.BalanceDollars >= account.AutoReloadThreshold {
		return &Result{Skipped: SkipAboveThreshold}, nil
	}
	if account.StripeCustomerID == "" || account.StripePaymentMethodID == "" {
		return nil, models.NewPaymentMethodRequiredError(companyID)
	}

	acquired, err := s.acquireLock(ctx, companyID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return &Result{Skipped: SkipLocked}, nil
	}
	defer s.releaseLock(companyID)

	if s.breaker != nil && !s.breaker.CanExecute() {
		return nil, models.NewCircuitBreakerError("payment gateway")
	}

	chargeKey, err := s.episodeChargeKey(ctx, companyID)
	if err != nil {
		return nil, err
	}

	amount := account.AutoReloadAmount
	intent, err := s.gateway.ChargeOffSession(ctx, billing.OffSessionChargeParams{
		CustomerID:      account.StripeCustomerID,
		PaymentMethodID: account.StripePaymentMethodID,
		AmountCents:     int64(math.Round(amount * 100)),
		Description:     fmt.Sprintf("Auto-reload for %s", companyID),
		IdempotencyKey:  chargeKey,
	})
	if err != nil {
		if s.breaker != nil {
			s.breaker.RecordFailure()
		}
		return nil, models.NewGatewayError("auto-reload charge", err)
	}
	if s.breaker != nil {
		s.breaker.RecordSuccess()
	}

	ref := intent.ID
	tx, err := s.ledger.AddBalance(ctx, models.AddBalanceParams{
		CompanyID:   companyID,
		Dollars:     amount,
		Type:        models.TransactionAutoReload,
		Description: fmt.Sprintf("Auto-reload of $%.2f", amount),
		ExternalRef: &ref,
	})
	if err != nil {
		// The charge went through but the ledger write failed. The intent id
		// is the idempotency key, so a retry of this trigger will reconcile
		// instead of double-crediting.
		return nil, fmt.Errorf("charge %s succeeded but balance update failed: %w", intent.ID, err)
	}

	now := s.now()
	if err := s.db.WithContext(ctx).Model(&models.CompanyBalance{}).
		Where("company_id = ?", companyID).
		Update("auto_reload_last_triggered_at", &now).Error; err != nil {
		fiberlog.Warnf("failed to stamp auto-reload time for %s: %v", companyID, err)
	}

	s.notifier.Publish(notifications.Event{
		Type:      notifications.EventAutoReload,
		Title:     "Balance auto-reloaded",
		Message:   fmt.Sprintf("Added $%.2f to %s via auto-reload", amount, companyID),
		CompanyID: companyID,
		Data: map[string]any{
			"amount":            amount,
			"payment_intent_id": intent.ID,
		},
	})

	return &Result{
		Triggered:     true,
		AmountDollars: amount,
		NewBalance:    tx.DollarsAfter,
	}, nil
}

// Settings are the client-configurable auto-reload knobs.
type Settings struct {
	Enabled   bool    `json:"enabled"`
	Threshold float64 `json:"threshold"`
	Amount    float64 `json:"amount"`
}

// UpdateSettings validates and persists the auto-reload configuration.
// Minimums apply only when enabling; disabling is always allowed.
func (s *Service) UpdateSettings(ctx context.Context, companyID string, settings Settings) error {
	if settings.Enabled {
		if settings.Threshold < models.MinAutoReloadThreshold {
			return models.NewValidationError(
				fmt.Sprintf("auto-reload threshold must be at least $%.2f", models.MinAutoReloadThreshold), nil)
		}
		if settings.Amount < models.MinAutoReloadAmount {
			return models.NewValidationError(
				fmt.Sprintf("auto-reload amount must be at least $%.2f", models.MinAutoReloadAmount), nil)
		}
	}

	account, err := s.ledger.GetAccount(ctx, companyID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Model(account).Updates(map[string]any{
		"auto_reload_enabled":   settings.Enabled,
		"auto_reload_threshold": settings.Threshold,
		"auto_reload_amount":    settings.Amount,
	}).Error
}

// Sweep triggers a reload for every enabled account currently below its
// threshold. Individual failures are logged and do not stop the sweep.
func (s *Service) Sweep(ctx context.Context) error {
	var companyIDs []string
	err := s.db.WithContext(ctx).Model(&models.CompanyBalance{}).
		Where("auto_reload_enabled = ? AND balance_dollars < auto_reload_threshold", true).
		Pluck("company_id", &companyIDs).Error
	if err != nil {
		return fmt.Errorf("failed to scan for low balances: %w", err)
	}

	for _, companyID := range companyIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := s.Trigger(ctx, companyID)
		if err != nil {
			fiberlog.Errorf("auto-reload sweep failed for %s: %v", companyID, err)
			continue
		}
		if result.Triggered {
			fiberlog.Infof("auto-reload sweep reloaded $%.2f for %s", result.AmountDollars, companyID)
		}
	}

	return nil
}

// episodeChargeKey builds the idempotency key for the next reload charge.
// It is anchored to the company's last ledger transaction, which only moves
// once a reload (or any other balance write) commits. A trigger retried
// after a successful charge whose ledger write failed therefore produces the
// same key, and the provider replays the original PaymentIntent instead of
// charging the card again.
func (s *Service) episodeChargeKey(ctx context.Context, companyID string) (string, error) {
	var lastTransactionID uint
	err := s.db.WithContext(ctx).Model(&models.BalanceTransaction{}).
		Where("company_id = ?", companyID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&lastTransactionID).Error
	if err != nil {
		return "", fmt.Errorf("failed to derive reload charge key for %s: %w", companyID, err)
	}
	return fmt.Sprintf("auto-reload-%s-%d", companyID, lastTransactionID), nil
}

func (s *Service) acquireLock(ctx context.Context, companyID string) (bool, error) {
	if s.redis == nil {
		return true, nil
	}
	acquired, err := s.redis.SetNX(ctx, lockKeyPrefix+companyID, s.now().Unix(), s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire reload lock for %s: %w", companyID, err)
	}
	return acquired, nil
}

func (s *Service) releaseLock(companyID string) {
	if s.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.Del(ctx, lockKeyPrefix+companyID).Err(); err != nil {
		fiberlog.Warnf("failed to release reload lock for %s: %v", companyID, err)
	}
}
