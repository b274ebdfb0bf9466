package api

import (
	"strconv"

	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	ledgerService *ledger.Service
}

func NewCreditsHandler(ledgerService *ledger.Service) *CreditsHandler {
	return &CreditsHandler{
		ledgerService: ledgerService,
	}
}

// GetBalanceResponse represents the response for balance queries
type GetBalanceResponse struct {
	CompanyID             string  `json:"company_id"`
	BalanceCredits        int     `json:"balance_credits"`
	BalanceDollars        float64 `json:"balance_dollars"`
	LifetimeCreditsEarned int     `json:"lifetime_credits_earned"`
	LifetimeCreditsSpent  int     `json:"lifetime_credits_spent"`
	LifetimeDollarsAdded  float64 `json:"lifetime_dollars_added"`
	LifetimeDollarsSpent  float64 `json:"lifetime_dollars_spent"`
}

// GetBalance retrieves the current balances for a company
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	companyID := c.Params("company_id")
	if companyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	account, err := h.ledgerService.GetAccount(c.Context(), companyID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(GetBalanceResponse{
		CompanyID:             account.CompanyID,
		BalanceCredits:        account.BalanceCredits,
		BalanceDollars:        account.BalanceDollars,
		LifetimeCreditsEarned: account.LifetimeCreditsEarned,
		LifetimeCreditsSpent:  account.LifetimeCreditsSpent,
		LifetimeDollarsAdded:  account.LifetimeDollarsAdded,
		LifetimeDollarsSpent:  account.LifetimeDollarsSpent,
	})
}

// GetTransactionHistoryResponse represents a page of ledger entries
type GetTransactionHistoryResponse struct {
	Transactions []TransactionItem `json:"transactions"`
	Total        int               `json:"total"`
	Limit        int               `json:"limit"`
	Offset       int               `json:"offset"`
}

// TransactionItem represents a single ledger entry
type TransactionItem struct {
	ID           uint    `json:"id"`
	CompanyID    string  `json:"company_id"`
	Type         string  `json:"type"`
	CreditsDelta int     `json:"credits_delta"`
	DollarsDelta float64 `json:"dollars_delta"`
	CreditsAfter int     `json:"credits_after"`
	DollarsAfter float64 `json:"dollars_after"`
	Description  string  `json:"description"`
	ResourceRef  string  `json:"resource_ref,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// GetTransactionHistory retrieves the ledger history for a company
func (h *CreditsHandler) GetTransactionHistory(c *fiber.Ctx) error {
	companyID := c.Params("company_id")
	if companyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	transactions, err := h.ledgerService.GetTransactionHistory(c.Context(), companyID, limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	items := make([]TransactionItem, len(transactions))
	for i, tx := range transactions {
		items[i] = TransactionItem{
			ID:           tx.ID,
			CompanyID:    tx.CompanyID,
			Type:         string(tx.Type),
			CreditsDelta: tx.CreditsDelta,
			DollarsDelta: tx.DollarsDelta,
			CreditsAfter: tx.CreditsAfter,
			DollarsAfter: tx.DollarsAfter,
			Description:  tx.Description,
			CreatedAt:    tx.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if tx.ResourceRef != nil {
			items[i].ResourceRef = *tx.ResourceRef
		}
	}

	return c.JSON(GetTransactionHistoryResponse{
		Transactions: items,
		Total:        len(items),
		Limit:        limit,
		Offset:       offset,
	})
}
