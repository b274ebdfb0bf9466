package reload

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/billing"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeGateway records off-session charges and returns a fresh intent id per
// charge, the way the provider would.
type fakeGateway struct {
	charges   []billing.OffSessionChargeParams
	chargeErr error
}

func (g *fakeGateway) CreateSubscriptionCheckout(ctx context.Context, params billing.SubscriptionCheckoutParams) (*stripe.CheckoutSession, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) CreateCreditCheckout(ctx context.Context, params billing.CreditCheckoutParams) (*stripe.CheckoutSession, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) UpdateSubscriptionTier(ctx context.Context, subscriptionID, priceID string) (string, error) {
	return "", errors.New("not implemented")
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return errors.New("not implemented")
}

func (g *fakeGateway) ChargeOffSession(ctx context.Context, params billing.OffSessionChargeParams) (*stripe.PaymentIntent, error) {
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	g.charges = append(g.charges, params)
	return &stripe.PaymentIntent{
		ID:     "pi_" + params.IdempotencyKey,
		Amount: params.AmountCents,
		Status: stripe.PaymentIntentStatusSucceeded,
	}, nil
}

func (g *fakeGateway) ConstructEvent(payload []byte, signature string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("not implemented")
}

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Service
	gateway *fakeGateway
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "reload.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(db)
	require.NoError(t, ledgerSvc.AutoMigrate())

	gateway := &fakeGateway{}
	return &fixture{
		db:      db,
		ledger:  ledgerSvc,
		gateway: gateway,
		service: NewService(db, ledgerSvc, gateway, nil, nil, nil, 0),
	}
}

func (f *fixture) seedAccount(t *testing.T, companyID string, updates map[string]any) {
	t.Helper()
	_, err := f.ledger.CreateAccount(context.Background(), companyID)
	require.NoError(t, err)
	if len(updates) > 0 {
		require.NoError(t, f.db.Model(&models.CompanyBalance{}).
			Where("company_id = ?", companyID).
			Updates(updates).Error)
	}
}

func TestTriggerSkipsWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", nil)

	result, err := f.service.Trigger(context.Background(), "org_1")
	require.NoError(t, err)
	assert.False(t, result.Triggered)
	assert.Equal(t, SkipDisabled, result.Skipped)
	assert.Empty(t, f.gateway.charges)
}

func TestTriggerSkipsAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":   true,
		"auto_reload_threshold": 10.0,
		"auto_reload_amount":    50.0,
		"balance_dollars":       10.0,
	})

	result, err := f.service.Trigger(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, SkipAboveThreshold, result.Skipped)
	assert.Empty(t, f.gateway.charges)
}

func TestTriggerRequiresSavedPaymentMethod(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":   true,
		"auto_reload_threshold": 10.0,
		"auto_reload_amount":    50.0,
		"balance_dollars":       2.0,
		"stripe_customer_id":    "cus_1",
	})

	_, err := f.service.Trigger(context.Background(), "org_1")
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PAYMENT_METHOD_REQUIRED", appErr.Code)
	assert.Empty(t, f.gateway.charges)
}

func TestTriggerChargesAndCreditsBalance(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":      true,
		"auto_reload_threshold":    10.0,
		"auto_reload_amount":       50.0,
		"balance_dollars":          2.5,
		"stripe_customer_id":       "cus_1",
		"stripe_payment_method_id": "pm_1",
	})

	result, err := f.service.Trigger(context.Background(), "org_1")
	require.NoError(t, err)

	assert.True(t, result.Triggered)
	assert.InDelta(t, 50.0, result.AmountDollars, 0.001)
	assert.InDelta(t, 52.5, result.NewBalance, 0.001)

	require.Len(t, f.gateway.charges, 1)
	charge := f.gateway.charges[0]
	assert.Equal(t, "cus_1", charge.CustomerID)
	assert.Equal(t, "pm_1", charge.PaymentMethodID)
	assert.Equal(t, int64(5000), charge.AmountCents)
	assert.NotEmpty(t, charge.IdempotencyKey)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, account.BalanceDollars, 0.001)
	assert.NotNil(t, account.AutoReloadLastTriggeredAt)

	history, err := f.ledger.GetTransactionHistory(context.Background(), "org_1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.TransactionAutoReload, history[0].Type)
}

func TestTriggerRetryAfterLedgerFailureReusesChargeKey(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":      true,
		"auto_reload_threshold":    10.0,
		"auto_reload_amount":       50.0,
		"balance_dollars":          2.5,
		"stripe_customer_id":       "cus_1",
		"stripe_payment_method_id": "pm_1",
	})

	// Fail the ledger insert after the charge has gone through, the way a
	// database outage between the two would.
	failLedgerWrite := true
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("reload_ledger_outage", func(db *gorm.DB) {
		if _, ok := db.Statement.Dest.(*models.BalanceTransaction); ok && failLedgerWrite {
			db.AddError(errors.New("database unavailable"))
		}
	}))

	_, err := f.service.Trigger(context.Background(), "org_1")
	require.Error(t, err)
	require.Len(t, f.gateway.charges, 1)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, account.BalanceDollars, 0.001)

	// The retried trigger must present the same idempotency key, so the
	// provider replays the original PaymentIntent instead of charging twice.
	failLedgerWrite = false
	result, err := f.service.Trigger(context.Background(), "org_1")
	require.NoError(t, err)
	assert.True(t, result.Triggered)

	require.Len(t, f.gateway.charges, 2)
	assert.Equal(t, f.gateway.charges[0].IdempotencyKey, f.gateway.charges[1].IdempotencyKey)

	account, err = f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.InDelta(t, 52.5, account.BalanceDollars, 0.001)

	history, err := f.ledger.GetTransactionHistory(context.Background(), "org_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TransactionAutoReload, history[0].Type)
}

func TestTriggerChargeFailureLeavesBalanceUntouched(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":      true,
		"auto_reload_threshold":    10.0,
		"auto_reload_amount":       50.0,
		"balance_dollars":          2.5,
		"stripe_customer_id":       "cus_1",
		"stripe_payment_method_id": "pm_1",
	})
	f.gateway.chargeErr = errors.New("card declined")

	_, err := f.service.Trigger(context.Background(), "org_1")
	require.Error(t, err)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, account.BalanceDollars, 0.001)
	assert.Nil(t, account.AutoReloadLastTriggeredAt)
}

func TestUpdateSettingsValidation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", nil)
	ctx := context.Background()

	err := f.service.UpdateSettings(ctx, "org_1", Settings{Enabled: true, Threshold: 4.99, Amount: 50})
	assert.Error(t, err)

	err = f.service.UpdateSettings(ctx, "org_1", Settings{Enabled: true, Threshold: 10, Amount: 24.99})
	assert.Error(t, err)

	require.NoError(t, f.service.UpdateSettings(ctx, "org_1", Settings{Enabled: true, Threshold: 10, Amount: 25}))

	account, err := f.ledger.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.True(t, account.AutoReloadEnabled)
	assert.InDelta(t, 10.0, account.AutoReloadThreshold, 0.001)
	assert.InDelta(t, 25.0, account.AutoReloadAmount, 0.001)
}

func TestUpdateSettingsDisablingSkipsMinimums(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", map[string]any{
		"auto_reload_enabled":   true,
		"auto_reload_threshold": 10.0,
		"auto_reload_amount":    50.0,
	})

	require.NoError(t, f.service.UpdateSettings(context.Background(), "org_1", Settings{Enabled: false}))

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.False(t, account.AutoReloadEnabled)
}

func TestSweepReloadsOnlyEligibleAccounts(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_low", map[string]any{
		"auto_reload_enabled":      true,
		"auto_reload_threshold":    10.0,
		"auto_reload_amount":       25.0,
		"balance_dollars":          1.0,
		"stripe_customer_id":       "cus_low",
		"stripe_payment_method_id": "pm_low",
	})
	f.seedAccount(t, "org_full", map[string]any{
		"auto_reload_enabled":      true,
		"auto_reload_threshold":    10.0,
		"auto_reload_amount":       25.0,
		"balance_dollars":          100.0,
		"stripe_customer_id":       "cus_full",
		"stripe_payment_method_id": "pm_full",
	})
	f.seedAccount(t, "org_off", map[string]any{
		"balance_dollars": 0.0,
	})

	require.NoError(t, f.service.Sweep(context.Background()))

	require.Len(t, f.gateway.charges, 1)
	assert.Equal(t, "cus_low", f.gateway.charges[0].CustomerID)

	account, err := f.ledger.GetAccount(context.Background(), "org_low")
	require.NoError(t, err)
	assert.InDelta(t, 26.0, account.BalanceDollars, 0.001)
}
