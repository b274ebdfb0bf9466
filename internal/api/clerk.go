package api

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/ledger"
	"github.com/gofiber/fiber/v2"
	svix "github.com/svix/svix-webhooks/go"
)

// welcomeCredits is the one-time stipend granted to a newly provisioned
// company account.
const welcomeCredits = 5

type ClerkWebhookHandler struct {
	webhookSecret string
	ledgerService *ledger.Service
}

func NewClerkWebhookHandler(webhookSecret string, ledgerService *ledger.Service) *ClerkWebhookHandler {
	return &ClerkWebhookHandler{
		webhookSecret: webhookSecret,
		ledgerService: ledgerService,
	}
}

type ClerkWebhookEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type ClerkOrganizationData struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
}

func (h *ClerkWebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	payload, err := io.ReadAll(c.Context().RequestBodyStream())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to read request body",
		})
	}

	headers := make(map[string][]string)
	c.Request().Header.VisitAll(func(key, value []byte) {
		headers[string(key)] = []string{string(value)}
	})

	wh, err := svix.NewWebhook(h.webhookSecret)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to initialize webhook verifier",
		})
	}

	if err := wh.Verify(payload, headers); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid webhook signature",
		})
	}

	var event ClerkWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid JSON payload",
		})
	}

	switch event.Type {
	case "organization.created":
		if err := h.handleOrganizationCreated(c, event.Data); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": fmt.Sprintf("Failed to process organization.created event: %v", err),
			})
		}
	}

	return c.JSON(fiber.Map{
		"received": true,
	})
}

// handleOrganizationCreated provisions a zero-balance trial account and
// grants the welcome stipend. The stipend is keyed by the organization id so
// a redelivered event cannot grant it twice.
func (h *ClerkWebhookHandler) handleOrganizationCreated(c *fiber.Ctx, data json.RawMessage) error {
	var orgData ClerkOrganizationData
	if err := json.Unmarshal(data, &orgData); err != nil {
		return fmt.Errorf("failed to unmarshal organization data: %w", err)
	}
	if orgData.ID == "" {
		return fmt.Errorf("organization event missing id")
	}

	if _, err := h.ledgerService.CreateAccount(c.Context(), orgData.ID); err != nil {
		return fmt.Errorf("failed to provision account: %w", err)
	}

	welcomeRef := "welcome:" + orgData.ID
	_, err := h.ledgerService.AddCredits(c.Context(), models.AddCreditsParams{
		CompanyID:   orgData.ID,
		Credits:     welcomeCredits,
		Type:        models.TransactionPromotional,
		Description: fmt.Sprintf("Welcome credits for %s", orgData.Name),
		ExternalRef: &welcomeRef,
	})
	if err != nil {
		return fmt.Errorf("failed to award welcome credits: %w", err)
	}

	return nil
}
