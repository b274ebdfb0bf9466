package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/campusbridge/partner-api/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the sole authority for mutating a company's balance row and
// appending ledger entries. Every operation runs as one database transaction:
// row lock, balance mutation, ledger insert. Callers never read-modify-write
// balances themselves.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate runs database migrations for balance and ledger tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.CompanyBalance{},
		&models.BalanceTransaction{},
	)
}

// CreateAccount provisions the balance row for a new company: zero balances,
// trial tier. Safe to call more than once; an existing row is returned as-is.
func (s *Service) CreateAccount(ctx context.Context, companyID string) (*models.CompanyBalance, error) {
	account := models.CompanyBalance{
		CompanyID:          companyID,
		SubscriptionTier:   models.TierTrial,
		SubscriptionStatus: models.SubscriptionActive,
		MaxTeamSeats:       1,
	}

	err := s.db.WithContext(ctx).
		Where(models.CompanyBalance{CompanyID: companyID}).
		FirstOrCreate(&account).Error
	if err != nil {
		return nil, fmt.Errorf("failed to provision account %s: %w", companyID, err)
	}

	return &account, nil
}

// GetAccount retrieves the balance row for a company.
func (s *Service) GetAccount(ctx context.Context, companyID string) (*models.CompanyBalance, error) {
	var account models.CompanyBalance

	err := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		First(&account).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewAccountNotFoundError(companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account %s: %w", companyID, err)
	}

	return &account, nil
}

// AddCredits credits a company's balance and appends the ledger entry. When
// params.ExternalRef names an already-recorded event, nothing is mutated and
// the existing transaction is returned.
func (s *Service) AddCredits(ctx context.Context, params models.AddCreditsParams) (*models.BalanceTransaction, error) {
	if params.Credits < 0 {
		return nil, models.NewValidationError("credit amount must be nonnegative", nil)
	}

	var transaction models.BalanceTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.addCreditsTx(tx, params, &transaction)
	})
	if err != nil {
		return s.recoverDuplicateRef(ctx, params.ExternalRef, err)
	}

	return &transaction, nil
}

// AddCreditsTx is AddCredits composed into an enclosing transaction.
func (s *Service) AddCreditsTx(tx *gorm.DB, params models.AddCreditsParams) (*models.BalanceTransaction, error) {
	var transaction models.BalanceTransaction
	if err := s.addCreditsTx(tx, params, &transaction); err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (s *Service) addCreditsTx(tx *gorm.DB, params models.AddCreditsParams, out *models.BalanceTransaction) error {
	if existing, ok, err := findByExternalRef(tx, params.ExternalRef); err != nil {
		return err
	} else if ok {
		*out = *existing
		return nil
	}

	account, err := lockAccount(tx, params.CompanyID)
	if err != nil {
		return err
	}

	newCredits := account.BalanceCredits + params.Credits
	if err := tx.Model(account).Updates(map[string]any{
		"balance_credits":         newCredits,
		"lifetime_credits_earned": account.LifetimeCreditsEarned + params.Credits,
	}).Error; err != nil {
		return fmt.Errorf("failed to update credit balance: %w", err)
	}

	*out = models.BalanceTransaction{
		CompanyID:    params.CompanyID,
		CreditsDelta: params.Credits,
		Type:         params.Type,
		Description:  params.Description,
		CreditsAfter: newCredits,
		DollarsAfter: account.BalanceDollars,
		ExternalRef:  params.ExternalRef,
	}
	if err := tx.Create(out).Error; err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return nil
}

// AddBalance adds dollars to a company's balance and appends the ledger
// entry, with the same idempotency contract as AddCredits.
func (s *Service) AddBalance(ctx context.Context, params models.AddBalanceParams) (*models.BalanceTransaction, error) {
	if params.Dollars < 0 {
		return nil, models.NewValidationError("dollar amount must be nonnegative", nil)
	}

	var transaction models.BalanceTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing, ok, err := findByExternalRef(tx, params.ExternalRef); err != nil {
			return err
		} else if ok {
			transaction = *existing
			return nil
		}

		account, err := lockAccount(tx, params.CompanyID)
		if err != nil {
			return err
		}

		newDollars := account.BalanceDollars + params.Dollars
		if err := tx.Model(account).Updates(map[string]any{
			"balance_dollars":        newDollars,
			"lifetime_dollars_added": account.LifetimeDollarsAdded + params.Dollars,
		}).Error; err != nil {
			return fmt.Errorf("failed to update dollar balance: %w", err)
		}

		transaction = models.BalanceTransaction{
			CompanyID:    params.CompanyID,
			DollarsDelta: params.Dollars,
			Type:         params.Type,
			Description:  params.Description,
			CreditsAfter: account.BalanceCredits,
			DollarsAfter: newDollars,
			ExternalRef:  params.ExternalRef,
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return fmt.Errorf("failed to create ledger entry: %w", err)
		}

		return nil
	})
	if err != nil {
		return s.recoverDuplicateRef(ctx, params.ExternalRef, err)
	}

	return &transaction, nil
}

// DeductCredits spends credits (and optionally dollars) from a company's
// balance. It fails with InsufficientCreditsError when the credit balance
// cannot cover the deduction, in which case nothing is mutated.
func (s *Service) DeductCredits(ctx context.Context, params models.DeductCreditsParams) (*models.BalanceTransaction, error) {
	var transaction models.BalanceTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.deductCreditsTx(tx, params, &transaction)
	})
	if err != nil {
		return nil, err
	}

	return &transaction, nil
}

// DeductCreditsTx is DeductCredits composed into an enclosing transaction.
func (s *Service) DeductCreditsTx(tx *gorm.DB, params models.DeductCreditsParams) (*models.BalanceTransaction, error) {
	var transaction models.BalanceTransaction
	if err := s.deductCreditsTx(tx, params, &transaction); err != nil {
		return nil, err
	}
	return &transaction, nil
}

func (s *Service) deductCreditsTx(tx *gorm.DB, params models.DeductCreditsParams, out *models.BalanceTransaction) error {
	if params.Credits < 0 || params.Dollars < 0 {
		return models.NewValidationError("deduction amounts must be nonnegative", nil)
	}

	account, err := lockAccount(tx, params.CompanyID)
	if err != nil {
		return err
	}

	if account.BalanceCredits < params.Credits {
		return &models.InsufficientCreditsError{
			Required:  params.Credits,
			Available: account.BalanceCredits,
		}
	}
	if account.BalanceDollars < params.Dollars {
		return models.NewValidationError(
			fmt.Sprintf("insufficient dollar balance: required=%.2f, available=%.2f", params.Dollars, account.BalanceDollars), nil)
	}

	newCredits := account.BalanceCredits - params.Credits
	newDollars := account.BalanceDollars - params.Dollars
	if err := tx.Model(account).Updates(map[string]any{
		"balance_credits":        newCredits,
		"balance_dollars":        newDollars,
		"lifetime_credits_spent": account.LifetimeCreditsSpent + params.Credits,
		"lifetime_dollars_spent": account.LifetimeDollarsSpent + params.Dollars,
	}).Error; err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	*out = models.BalanceTransaction{
		CompanyID:    params.CompanyID,
		CreditsDelta: -params.Credits,
		DollarsDelta: -params.Dollars,
		Type:         params.Type,
		Description:  params.Description,
		CreditsAfter: newCredits,
		DollarsAfter: newDollars,
		ResourceRef:  params.ResourceRef,
	}
	if err := tx.Create(out).Error; err != nil {
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return nil
}

// GetTransactionHistory retrieves ledger entries for a company, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, companyID string, limit, offset int) ([]models.BalanceTransaction, error) {
	var transactions []models.BalanceTransaction

	query := s.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&transactions).Error; err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}

	return transactions, nil
}

// recoverDuplicateRef handles the race where two deliveries of the same event
// hit the unique external_ref index at commit time. The loser re-reads the
// winner's ledger entry and reports success, keeping redelivery a no-op.
func (s *Service) recoverDuplicateRef(ctx context.Context, externalRef *string, cause error) (*models.BalanceTransaction, error) {
	if externalRef == nil || !errors.Is(cause, gorm.ErrDuplicatedKey) {
		return nil, cause
	}

	var existing models.BalanceTransaction
	err := s.db.WithContext(ctx).
		Where("external_ref = ?", *externalRef).
		First(&existing).Error
	if err != nil {
		return nil, cause
	}

	return &existing, nil
}

// LockAccount reads a company balance row under FOR UPDATE on behalf of a
// caller composing a larger transactional unit (allowance consumption, grant
// updates). The row stays locked until tx commits.
func (s *Service) LockAccount(tx *gorm.DB, companyID string) (*models.CompanyBalance, error) {
	return lockAccount(tx, companyID)
}

// lockAccount reads a company balance row under FOR UPDATE so the enclosing
// transaction owns it until commit.
func lockAccount(tx *gorm.DB, companyID string) (*models.CompanyBalance, error) {
	var account models.CompanyBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("company_id = ?", companyID).
		First(&account).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewAccountNotFoundError(companyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account %s: %w", companyID, err)
	}

	return &account, nil
}

// findByExternalRef returns the existing ledger entry for an idempotency key,
// if one has already been recorded.
func findByExternalRef(tx *gorm.DB, externalRef *string) (*models.BalanceTransaction, bool, error) {
	if externalRef == nil || *externalRef == "" {
		return nil, false, nil
	}

	var existing models.BalanceTransaction
	err := tx.Where("external_ref = ?", *externalRef).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return &existing, true, nil
}
