package api

import (
	"errors"

	"github.com/campusbridge/partner-api/internal/models"
	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
)

// respondError maps service errors onto HTTP responses. Insufficient credits
// gets its own shape so clients can render the shortfall.
func respondError(c *fiber.Ctx, err error) error {
	if ice, ok := models.IsInsufficientCredits(err); ok {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":     "insufficient credits",
			"required":  ice.Required,
			"available": ice.Available,
		})
	}

	var appErr *models.AppError
	if errors.As(err, &appErr) {
		body := fiber.Map{"error": appErr.Message}
		if appErr.Code != "" {
			body["code"] = appErr.Code
		}
		return c.Status(appErr.GetStatusCode()).JSON(body)
	}

	fiberlog.Errorf("unhandled error on %s %s: %v", c.Method(), c.Path(), err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "internal server error",
	})
}
