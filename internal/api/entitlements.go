package api

import (
	"strconv"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/campusbridge/partner-api/internal/services/auth"
	"github.com/campusbridge/partner-api/internal/services/entitlement"
	"github.com/gofiber/fiber/v2"
)

type EntitlementsHandler struct {
	entitlementService *entitlement.Service
	authProvider       auth.AuthProvider
}

func NewEntitlementsHandler(entitlementService *entitlement.Service, authProvider auth.AuthProvider) *EntitlementsHandler {
	return &EntitlementsHandler{
		entitlementService: entitlementService,
		authProvider:       authProvider,
	}
}

// UnlockRequest represents the request body for unlocking chapter access
type UnlockRequest struct {
	CompanyID  string `json:"company_id" binding:"required"`
	ChapterID  string `json:"chapter_id" binding:"required"`
	AccessType string `json:"access_type" binding:"required"`
}

// Unlock grants a company access to a chapter, consuming a subscription
// allowance when one applies and credits otherwise.
func (h *EntitlementsHandler) Unlock(c *fiber.Ctx) error {
	var req UnlockRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.CompanyID == "" || req.ChapterID == "" || req.AccessType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id, chapter_id, and access_type are required",
		})
	}

	if ok, err := ensureCompanyAccess(c, h.authProvider, req.CompanyID); !ok {
		return err
	}

	result, err := h.entitlementService.Unlock(c.Context(), req.CompanyID, req.ChapterID, models.AccessType(req.AccessType))
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(result)
}

// GetUnlocks lists a company's chapter unlocks, newest first.
func (h *EntitlementsHandler) GetUnlocks(c *fiber.Ctx) error {
	companyID := c.Params("company_id")
	if companyID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "company_id is required",
		})
	}

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	unlocks, err := h.entitlementService.GetUnlocks(c.Context(), companyID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"unlocks": unlocks,
		"total":   len(unlocks),
	})
}
