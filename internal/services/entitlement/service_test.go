package entitlement

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	db      *gorm.DB
	ledger  *ledger.Service
	service *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "entitlement.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	ledgerSvc := ledger.NewService(db)
	require.NoError(t, ledgerSvc.AutoMigrate())

	svc := NewService(db, ledgerSvc, nil)
	require.NoError(t, svc.AutoMigrate())

	return &fixture{db: db, ledger: ledgerSvc, service: svc}
}

func (f *fixture) seedChapter(t *testing.T, id string, rating float64, premium bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&models.Chapter{
		ID:            id,
		Name:          "Chapter " + id,
		University:    "State University",
		QualityRating: rating,
		Premium:       premium,
	}).Error)
}

func (f *fixture) seedAccount(t *testing.T, companyID string, tier models.SubscriptionTier, credits int, updates map[string]any) {
	t.Helper()
	ctx := context.Background()

	_, err := f.ledger.CreateAccount(ctx, companyID)
	require.NoError(t, err)

	if credits > 0 {
		_, err = f.ledger.AddCredits(ctx, models.AddCreditsParams{
			CompanyID: companyID,
			Credits:   credits,
			Type:      models.TransactionPurchase,
		})
		require.NoError(t, err)
	}

	all := map[string]any{"subscription_tier": tier}
	for k, v := range updates {
		all[k] = v
	}
	require.NoError(t, f.db.Model(&models.CompanyBalance{}).
		Where("company_id = ?", companyID).
		Updates(all).Error)
}

func (f *fixture) countUnlocks(t *testing.T, companyID string) int {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.ChapterUnlock{}).
		Where("company_id = ?", companyID).Count(&n).Error)
	return int(n)
}

func TestUnlockRejectsInvalidAccessType(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Unlock(context.Background(), "org_1", "ch_1", models.AccessType("partial"))
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 400, appErr.GetStatusCode())
}

func TestUnlockUnknownChapter(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", models.TierTrial, 100, nil)

	_, err := f.service.Unlock(context.Background(), "org_1", "ch_missing", models.AccessFull)
	require.Error(t, err)

	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 404, appErr.GetStatusCode())
}

func TestUnlockInsufficientCreditsMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_top", 5.0, false)
	f.seedAccount(t, "org_1", models.TierTrial, 3, nil)

	_, err := f.service.Unlock(context.Background(), "org_1", "ch_top", models.AccessFull)
	require.Error(t, err)

	ice, ok := models.IsInsufficientCredits(err)
	require.True(t, ok)
	assert.Equal(t, 10, ice.Required)
	assert.Equal(t, 3, ice.Available)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 3, account.BalanceCredits)
	assert.Zero(t, f.countUnlocks(t, "org_1"))
}

func TestUnlockPaidByCredits(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)
	f.seedAccount(t, "org_1", models.TierTrial, 10, nil)

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)

	assert.True(t, result.Unlocked)
	assert.False(t, result.AlreadyUnlocked)
	assert.Equal(t, models.PaidByCredits, result.PaymentMethod)
	assert.Equal(t, 2, result.AmountPaidCredits)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 8, account.BalanceCredits)

	history, err := f.ledger.GetTransactionHistory(context.Background(), "org_1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.TransactionUnlock, history[0].Type)
	require.NotNil(t, history[0].ResourceRef)
	assert.Equal(t, "ch_mid", *history[0].ResourceRef)
}

func TestUnlockPrefersAllowanceOverCredits(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_good", 4.2, false)
	f.seedAccount(t, "org_1", models.TierEnterprise, 100, map[string]any{
		"unlocks_4star_remaining": models.FiniteAllowance(25),
	})

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_good", models.AccessFull)
	require.NoError(t, err)

	assert.True(t, result.Unlocked)
	assert.Equal(t, models.PaidBySubscription, result.PaymentMethod)
	assert.Equal(t, 0, result.AmountPaidCredits)
	assert.Equal(t, 24, result.RemainingAllowances.FourStar.Remaining())

	// The credit balance is untouched; the ledger still records the unlock
	// as a zero-delta entry.
	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 100, account.BalanceCredits)

	history, err := f.ledger.GetTransactionHistory(context.Background(), "org_1", 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, 0, history[0].CreditsDelta)
}

func TestUnlockFallsBackToCreditsWhenAllowanceExhausted(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_good", 4.0, false)
	f.seedAccount(t, "org_1", models.TierMonthly, 20, map[string]any{
		"unlocks_4star_remaining": models.FiniteAllowance(0),
	})

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_good", models.AccessFull)
	require.NoError(t, err)

	assert.Equal(t, models.PaidByCredits, result.PaymentMethod)
	assert.Equal(t, 5, result.AmountPaidCredits)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 15, account.BalanceCredits)
}

func TestUnlockBelowThreeStarNeverUsesAllowance(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_low", 2.5, false)
	f.seedAccount(t, "org_1", models.TierEnterprise, 10, map[string]any{
		"unlocks_3star_remaining": models.UnlimitedAllowance(),
	})

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_low", models.AccessFull)
	require.NoError(t, err)

	assert.Equal(t, models.PaidByCredits, result.PaymentMethod)
	assert.Equal(t, 1, result.AmountPaidCredits)
}

func TestUnlockRepeatedRequestChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)
	f.seedAccount(t, "org_1", models.TierTrial, 10, nil)

	first, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)
	require.False(t, first.AlreadyUnlocked)

	second, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)
	assert.True(t, second.Unlocked)
	assert.True(t, second.AlreadyUnlocked)
	assert.Equal(t, models.PaidByCredits, second.PaymentMethod)
	assert.Equal(t, 0, second.AmountPaidCredits)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 8, account.BalanceCredits)
	assert.Equal(t, 1, f.countUnlocks(t, "org_1"))
}

func TestUnlockFullAndWarmIntroAreSeparatePurchases(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, true)
	f.seedAccount(t, "org_1", models.TierTrial, 50, nil)

	_, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessWarmIntro)
	require.NoError(t, err)
	assert.False(t, result.AlreadyUnlocked)
	assert.Equal(t, 20, result.AmountPaidCredits)

	assert.Equal(t, 2, f.countUnlocks(t, "org_1"))
}

func TestWarmIntroWithinWindowUsesAllowance(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)

	started := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.seedAccount(t, "org_1", models.TierMonthly, 200, map[string]any{
		"subscription_started_at": started,
		"warm_intros_remaining":   models.FiniteAllowance(2),
	})

	// Day 89 of the 90-day window.
	f.service.now = func() time.Time { return started.Add(89 * 24 * time.Hour) }

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessWarmIntro)
	require.NoError(t, err)

	assert.Equal(t, models.PaidBySubscription, result.PaymentMethod)
	assert.Equal(t, 0, result.AmountPaidCredits)
	assert.Equal(t, 1, result.RemainingAllowances.WarmIntros.Remaining())
}

func TestWarmIntroAfterWindowFallsBackToCredits(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)

	started := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f.seedAccount(t, "org_1", models.TierMonthly, 200, map[string]any{
		"subscription_started_at": started,
		"warm_intros_remaining":   models.FiniteAllowance(2),
	})

	f.service.now = func() time.Time { return started.Add(91 * 24 * time.Hour) }

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessWarmIntro)
	require.NoError(t, err)

	assert.Equal(t, models.PaidByCredits, result.PaymentMethod)
	assert.Equal(t, 100, result.AmountPaidCredits)
	assert.Equal(t, 2, result.RemainingAllowances.WarmIntros.Remaining())
}

func TestWarmIntroEnterpriseHasNoWindow(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)

	started := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seedAccount(t, "org_1", models.TierEnterprise, 0, map[string]any{
		"subscription_started_at": started,
		"warm_intros_remaining":   models.FiniteAllowance(10),
	})

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessWarmIntro)
	require.NoError(t, err)

	assert.Equal(t, models.PaidBySubscription, result.PaymentMethod)
	assert.Equal(t, 9, result.RemainingAllowances.WarmIntros.Remaining())
}

func TestExpiredUnlockIsRechargeable(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_mid", 3.0, false)
	f.seedAccount(t, "org_1", models.TierTrial, 10, nil)

	first, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)

	// Expire the unlock in place.
	expired := time.Now().Add(-time.Hour)
	require.NoError(t, f.db.Model(first.Unlock).Update("expires_at", &expired).Error)

	second, err := f.service.Unlock(context.Background(), "org_1", "ch_mid", models.AccessFull)
	require.NoError(t, err)
	assert.False(t, second.AlreadyUnlocked)
	assert.Equal(t, 2, second.AmountPaidCredits)

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 6, account.BalanceCredits)
	assert.Equal(t, 1, f.countUnlocks(t, "org_1"))
}

func TestGetUnlocks(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "org_1", models.TierTrial, 50, nil)
	for _, id := range []string{"ch_a", "ch_b", "ch_c"} {
		f.seedChapter(t, id, 3.0, false)
		_, err := f.service.Unlock(context.Background(), "org_1", id, models.AccessFull)
		require.NoError(t, err)
	}

	unlocks, err := f.service.GetUnlocks(context.Background(), "org_1", 2)
	require.NoError(t, err)
	assert.Len(t, unlocks, 2)

	unlocks, err = f.service.GetUnlocks(context.Background(), "org_1", 0)
	require.NoError(t, err)
	assert.Len(t, unlocks, 3)
}

func TestUnlockLosingRaceReportsWinner(t *testing.T) {
	f := newFixture(t)
	f.seedChapter(t, "ch_1", 3.0, false)
	f.seedAccount(t, "org_1", models.TierTrial, 10, nil)

	// The row a concurrent identical request committed moments earlier.
	require.NoError(t, f.db.Create(&models.ChapterUnlock{
		CompanyID:         "org_1",
		ChapterID:         "ch_1",
		AccessType:        models.AccessFull,
		AmountPaidCredits: 2,
		PaymentMethod:     models.PaidByCredits,
		TransactionID:     1,
	}).Error)

	// Under snapshot isolation the loser's in-transaction guard reads from
	// before that commit and misses the row; its insert then trips the
	// unique index. Reproduce the missed read for in-transaction lookups
	// only.
	require.NoError(t, f.db.Callback().Query().Before("gorm:query").Register("guard_snapshot_miss", func(db *gorm.DB) {
		if _, ok := db.Statement.Dest.(*models.ChapterUnlock); !ok {
			return
		}
		if _, ok := db.Statement.ConnPool.(*sql.Tx); !ok {
			return
		}
		db.AddError(gorm.ErrRecordNotFound)
	}))

	result, err := f.service.Unlock(context.Background(), "org_1", "ch_1", models.AccessFull)
	require.NoError(t, err)

	assert.True(t, result.Unlocked)
	assert.True(t, result.AlreadyUnlocked)
	assert.Equal(t, models.PaidByCredits, result.PaymentMethod)

	// The loser's charge rolled back: no second row, no second ledger
	// entry, balance untouched.
	assert.Equal(t, 1, f.countUnlocks(t, "org_1"))

	account, err := f.ledger.GetAccount(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Equal(t, 10, account.BalanceCredits)

	history, err := f.ledger.GetTransactionHistory(context.Background(), "org_1", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TransactionPurchase, history[0].Type)
}
