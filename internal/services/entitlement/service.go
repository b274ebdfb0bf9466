package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/campusbridge/partner-api/internal/services/notifications"
	"gorm.io/gorm"
)

// warmIntroWindow is how long after subscription start a monthly-tier account
// may spend its warm-intro allowance. Enterprise accounts have no window.
const warmIntroWindow = 90 * 24 * time.Hour

// Service decides how an unlock request is paid for: subscription allowance
// first, credits second. It charges exactly once per (company, chapter,
// access type) and reports which payment source was used.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Service
	notifier notifications.Publisher
	now      func() time.Time
}

func NewService(db *gorm.DB, ledgerSvc *ledger.Service, notifier notifications.Publisher) *Service {
	if notifier == nil {
		notifier = notifications.NopPublisher{}
	}
	return &Service{
		db:       db,
		ledger:   ledgerSvc,
		notifier: notifier,
		now:      time.Now,
	}
}

// AutoMigrate runs database migrations for entitlement tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Chapter{},
		&models.ChapterUnlock{},
	)
}

// RemainingAllowances is the post-operation allowance snapshot returned to
// the caller.
type RemainingAllowances struct {
	FiveStar   models.Allowance `json:"unlocks_5star"`
	FourStar   models.Allowance `json:"unlocks_4star"`
	ThreeStar  models.Allowance `json:"unlocks_3star"`
	WarmIntros models.Allowance `json:"warm_intros"`
}

func snapshotAllowances(account *models.CompanyBalance) RemainingAllowances {
	return RemainingAllowances{
		FiveStar:   account.Unlocks5StarRemaining,
		FourStar:   account.Unlocks4StarRemaining,
		ThreeStar:  account.Unlocks3StarRemaining,
		WarmIntros: account.WarmIntrosRemaining,
	}
}

// UnlockResult reports the outcome of an unlock request.
type UnlockResult struct {
	Unlocked            bool                  `json:"unlocked"`
	AlreadyUnlocked     bool                  `json:"already_unlocked"`
	PaymentMethod       models.PaymentMethod  `json:"payment_method,omitempty"`
	AmountPaidCredits   int                   `json:"amount_paid_credits"`
	RemainingAllowances RemainingAllowances   `json:"remaining_allowances"`
	Unlock              *models.ChapterUnlock `json:"-"`
}

// Unlock charges for and records access to a chapter. A repeated request for
// the same (company, chapter, access type) returns the existing unlock and
// charges nothing. On InsufficientCredits no state is mutated.
func (s *Service) Unlock(ctx context.Context, companyID, chapterID string, accessType models.AccessType) (*UnlockResult, error) {
	if !models.ValidAccessType(accessType) {
		return nil, models.NewInvalidAccessTypeError(string(accessType))
	}

	chapter, err := s.getChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}

	var result UnlockResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.unlockTx(tx, companyID, chapter, accessType, &result)
	})
	if err != nil {
		// A concurrent identical request won the unique index on
		// (company, chapter, access type). Our charge rolled back;
		// report the winner's unlock.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.existingUnlockResult(ctx, companyID, chapter.ID, accessType)
		}
		return nil, err
	}

	if result.Unlocked && !result.AlreadyUnlocked {
		s.publishUnlocked(companyID, chapter, accessType, &result)
	}

	return &result, nil
}

func (s *Service) unlockTx(tx *gorm.DB, companyID string, chapter *models.Chapter, accessType models.AccessType, result *UnlockResult) error {
	account, err := s.ledger.LockAccount(tx, companyID)
	if err != nil {
		return err
	}

	// Idempotence guard: an existing non-expired unlock short-circuits the
	// whole request. An expired one is cleared inside this transaction so
	// the unique index allows the replacement row.
	var existing models.ChapterUnlock
	err = tx.Where("company_id = ? AND chapter_id = ? AND access_type = ?", companyID, chapter.ID, accessType).
		First(&existing).Error
	switch {
	case err == nil && !existing.Expired(s.now()):
		*result = UnlockResult{
			Unlocked:            true,
			AlreadyUnlocked:     true,
			PaymentMethod:       existing.PaymentMethod,
			RemainingAllowances: snapshotAllowances(account),
			Unlock:              &existing,
		}
		return nil
	case err == nil:
		if err := tx.Delete(&existing).Error; err != nil {
			return fmt.Errorf("failed to clear expired unlock: %w", err)
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("failed to check existing unlock: %w", err)
	}

	cost, txType := s.price(chapter, accessType, account.SubscriptionTier)

	column, allowance, usable := s.allowanceFor(account, chapter, accessType)
	if usable {
		return s.unlockViaAllowance(tx, account, chapter, accessType, txType, column, allowance, result)
	}
	return s.unlockViaCredits(tx, account, chapter, accessType, txType, cost, result)
}

func (s *Service) price(chapter *models.Chapter, accessType models.AccessType, tier models.SubscriptionTier) (int, models.TransactionType) {
	if accessType == models.AccessWarmIntro {
		return WarmIntroCost(chapter.Premium), models.TransactionWarmIntro
	}
	return CreditCost(chapter.QualityRating, tier), models.TransactionUnlock
}

// allowanceFor resolves which allowance column, if any, can fund the request.
func (s *Service) allowanceFor(account *models.CompanyBalance, chapter *models.Chapter, accessType models.AccessType) (column string, allowance models.Allowance, usable bool) {
	if accessType == models.AccessWarmIntro {
		if !s.warmIntroWindowOpen(account) {
			return "", models.Allowance{}, false
		}
		return "warm_intros_remaining", account.WarmIntrosRemaining, account.WarmIntrosRemaining.Available()
	}

	switch RatingToBand(chapter.QualityRating) {
	case BandFiveStar:
		return "unlocks_5star_remaining", account.Unlocks5StarRemaining, account.Unlocks5StarRemaining.Available()
	case BandFourStar:
		return "unlocks_4star_remaining", account.Unlocks4StarRemaining, account.Unlocks4StarRemaining.Available()
	case BandThreeStar:
		return "unlocks_3star_remaining", account.Unlocks3StarRemaining, account.Unlocks3StarRemaining.Available()
	default:
		return "", models.Allowance{}, false
	}
}

// warmIntroWindowOpen applies the monthly tier's rolling window from
// subscription start. Enterprise warm intros have no time gate.
func (s *Service) warmIntroWindowOpen(account *models.CompanyBalance) bool {
	if account.SubscriptionTier != models.TierMonthly {
		return true
	}
	if account.SubscriptionStartedAt == nil {
		return false
	}
	return s.now().Before(account.SubscriptionStartedAt.Add(warmIntroWindow))
}

func (s *Service) unlockViaAllowance(tx *gorm.DB, account *models.CompanyBalance, chapter *models.Chapter, accessType models.AccessType, txType models.TransactionType, column string, allowance models.Allowance, result *UnlockResult) error {
	next, ok := allowance.Consume()
	if !ok {
		return models.NewInternalError("allowance vanished under lock", nil)
	}

	if err := tx.Model(account).Update(column, next).Error; err != nil {
		return fmt.Errorf("failed to consume allowance: %w", err)
	}

	// Zero-cost ledger entry so subscription-funded unlocks still appear in
	// the transaction history.
	chapterRef := chapter.ID
	entry, err := s.ledger.DeductCreditsTx(tx, models.DeductCreditsParams{
		CompanyID:   account.CompanyID,
		Credits:     0,
		Type:        txType,
		Description: fmt.Sprintf("%s access to chapter %s (subscription allowance)", accessType, chapter.ID),
		ResourceRef: &chapterRef,
	})
	if err != nil {
		return err
	}

	return s.createUnlock(tx, account, chapter, accessType, models.PaidBySubscription, 0, entry.ID, column, next, result)
}

func (s *Service) unlockViaCredits(tx *gorm.DB, account *models.CompanyBalance, chapter *models.Chapter, accessType models.AccessType, txType models.TransactionType, cost int, result *UnlockResult) error {
	chapterRef := chapter.ID
	entry, err := s.ledger.DeductCreditsTx(tx, models.DeductCreditsParams{
		CompanyID:   account.CompanyID,
		Credits:     cost,
		Type:        txType,
		Description: fmt.Sprintf("%s access to chapter %s", accessType, chapter.ID),
		ResourceRef: &chapterRef,
	})
	if err != nil {
		return err
	}

	return s.createUnlock(tx, account, chapter, accessType, models.PaidByCredits, cost, entry.ID, "", models.Allowance{}, result)
}

func (s *Service) createUnlock(tx *gorm.DB, account *models.CompanyBalance, chapter *models.Chapter, accessType models.AccessType, method models.PaymentMethod, paidCredits int, transactionID uint, consumedColumn string, consumedValue models.Allowance, result *UnlockResult) error {
	unlock := models.ChapterUnlock{
		CompanyID:         account.CompanyID,
		ChapterID:         chapter.ID,
		AccessType:        accessType,
		AmountPaidCredits: paidCredits,
		PaymentMethod:     method,
		TransactionID:     transactionID,
	}
	if err := tx.Create(&unlock).Error; err != nil {
		return err
	}

	remaining := snapshotAllowances(account)
	switch consumedColumn {
	case "unlocks_5star_remaining":
		remaining.FiveStar = consumedValue
	case "unlocks_4star_remaining":
		remaining.FourStar = consumedValue
	case "unlocks_3star_remaining":
		remaining.ThreeStar = consumedValue
	case "warm_intros_remaining":
		remaining.WarmIntros = consumedValue
	}

	*result = UnlockResult{
		Unlocked:            true,
		PaymentMethod:       method,
		AmountPaidCredits:   paidCredits,
		RemainingAllowances: remaining,
		Unlock:              &unlock,
	}
	return nil
}

// existingUnlockResult reports a concurrent winner's unlock after this
// request lost the unique-index race.
func (s *Service) existingUnlockResult(ctx context.Context, companyID, chapterID string, accessType models.AccessType) (*UnlockResult, error) {
	var unlock models.ChapterUnlock
	err := s.db.WithContext(ctx).
		Where("company_id = ? AND chapter_id = ? AND access_type = ?", companyID, chapterID, accessType).
		First(&unlock).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load concurrent unlock: %w", err)
	}

	account, err := s.ledger.GetAccount(ctx, companyID)
	if err != nil {
		return nil, err
	}

	return &UnlockResult{
		Unlocked:            true,
		AlreadyUnlocked:     true,
		PaymentMethod:       unlock.PaymentMethod,
		RemainingAllowances: snapshotAllowances(account),
		Unlock:              &unlock,
	}, nil
}

// GetUnlocks lists a company's unlocks, newest first.
func (s *Service) GetUnlocks(ctx context.Context, companyID string, limit int) ([]models.ChapterUnlock, error) {
	var unlocks []models.ChapterUnlock

	query := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("unlocked_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&unlocks).Error; err != nil {
		return nil, fmt.Errorf("failed to list unlocks: %w", err)
	}

	return unlocks, nil
}

func (s *Service) getChapter(ctx context.Context, chapterID string) (*models.Chapter, error) {
	var chapter models.Chapter
	err := s.db.WithContext(ctx).First(&chapter, "id = ?", chapterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewChapterNotFoundError(chapterID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter %s: %w", chapterID, err)
	}
	return &chapter, nil
}

func (s *Service) publishUnlocked(companyID string, chapter *models.Chapter, accessType models.AccessType, result *UnlockResult) {
	eventType := notifications.EventChapterUnlocked
	title := "Chapter unlocked"
	if accessType == models.AccessWarmIntro {
		eventType = notifications.EventWarmIntroRequested
		title = "Warm introduction requested"
	}

	s.notifier.Publish(notifications.Event{
		Type:      eventType,
		Title:     title,
		Message:   fmt.Sprintf("%s unlocked %s (%s)", companyID, chapter.Name, accessType),
		CompanyID: companyID,
		Data: map[string]any{
			"chapter_id":     chapter.ID,
			"chapter_name":   chapter.Name,
			"access_type":    string(accessType),
			"payment_method": string(result.PaymentMethod),
			"credits_paid":   result.AmountPaidCredits,
		},
	})
}
