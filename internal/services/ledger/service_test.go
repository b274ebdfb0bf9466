package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	svc := NewService(db)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func TestCreateAccountIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, first.SubscriptionTier)
	assert.Equal(t, 0, first.BalanceCredits)
	assert.Equal(t, 1, first.MaxTeamSeats)

	_, err = svc.AddCredits(ctx, models.AddCreditsParams{
		CompanyID: "org_1",
		Credits:   50,
		Type:      models.TransactionPurchase,
	})
	require.NoError(t, err)

	second, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 50, second.BalanceCredits)
}

func TestGetAccountNotFound(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.GetAccount(context.Background(), "org_missing")
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 404, appErr.GetStatusCode())
}

func TestAddCreditsUpdatesBalanceAndLedger(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)

	tx, err := svc.AddCredits(ctx, models.AddCreditsParams{
		CompanyID:   "org_1",
		Credits:     100,
		Type:        models.TransactionPurchase,
		Description: "Purchased 100 credits",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, tx.CreditsDelta)
	assert.Equal(t, 100, tx.CreditsAfter)

	account, err := svc.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 100, account.BalanceCredits)
	assert.Equal(t, 100, account.LifetimeCreditsEarned)
}

func TestAddCreditsRejectsNegative(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.AddCredits(context.Background(), models.AddCreditsParams{
		CompanyID: "org_1",
		Credits:   -10,
		Type:      models.TransactionPurchase,
	})
	assert.Error(t, err)
}

func TestAddCreditsExternalRefReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)

	ref := "evt_stripe_123"
	params := models.AddCreditsParams{
		CompanyID:   "org_1",
		Credits:     100,
		Type:        models.TransactionPurchase,
		ExternalRef: &ref,
	}

	first, err := svc.AddCredits(ctx, params)
	require.NoError(t, err)

	// Redelivery of the same provider event mutates nothing and returns
	// the original ledger entry.
	second, err := svc.AddCredits(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	account, err := svc.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 100, account.BalanceCredits)

	history, err := svc.GetTransactionHistory(ctx, "org_1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestAddBalanceAndExternalRefReplay(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)

	ref := "pi_reload_1"
	params := models.AddBalanceParams{
		CompanyID:   "org_1",
		Dollars:     25.0,
		Type:        models.TransactionAutoReload,
		ExternalRef: &ref,
	}

	first, err := svc.AddBalance(ctx, params)
	require.NoError(t, err)
	assert.InDelta(t, 25.0, first.DollarsAfter, 0.001)

	second, err := svc.AddBalance(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	account, err := svc.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.InDelta(t, 25.0, account.BalanceDollars, 0.001)
	assert.InDelta(t, 25.0, account.LifetimeDollarsAdded, 0.001)
}

func TestDeductCredits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)
	_, err = svc.AddCredits(ctx, models.AddCreditsParams{
		CompanyID: "org_1",
		Credits:   10,
		Type:      models.TransactionPurchase,
	})
	require.NoError(t, err)

	chapterRef := "chapter_42"
	tx, err := svc.DeductCredits(ctx, models.DeductCreditsParams{
		CompanyID:   "org_1",
		Credits:     7,
		Type:        models.TransactionUnlock,
		ResourceRef: &chapterRef,
	})
	require.NoError(t, err)
	assert.Equal(t, -7, tx.CreditsDelta)
	assert.Equal(t, 3, tx.CreditsAfter)

	account, err := svc.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 3, account.BalanceCredits)
	assert.Equal(t, 7, account.LifetimeCreditsSpent)
}

func TestDeductCreditsInsufficientLeavesBalanceUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)
	_, err = svc.AddCredits(ctx, models.AddCreditsParams{
		CompanyID: "org_1",
		Credits:   3,
		Type:      models.TransactionPurchase,
	})
	require.NoError(t, err)

	_, err = svc.DeductCredits(ctx, models.DeductCreditsParams{
		CompanyID: "org_1",
		Credits:   10,
		Type:      models.TransactionUnlock,
	})
	require.Error(t, err)

	ice, ok := models.IsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, 10, ice.Required)
	assert.Equal(t, 3, ice.Available)

	account, err := svc.GetAccount(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, 3, account.BalanceCredits)

	history, err := svc.GetTransactionHistory(ctx, "org_1", 0, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestGetTransactionHistoryOrderAndLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "org_1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.AddCredits(ctx, models.AddCreditsParams{
			CompanyID: "org_1",
			Credits:   i + 1,
			Type:      models.TransactionPurchase,
		})
		require.NoError(t, err)
	}

	history, err := svc.GetTransactionHistory(ctx, "org_1", 3, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.GreaterOrEqual(t, history[0].ID, history[1].ID)
}
