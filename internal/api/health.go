package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	db          *gorm.DB
	redisClient *redis.Client
}

// NewHealthHandler creates a new health check handler
func NewHealthHandler(db *gorm.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{
		db:          db,
		redisClient: redisClient,
	}
}

// HealthCheck returns the health status of the service and its dependencies
func (h *HealthHandler) HealthCheck(c *fiber.Ctx) error {
	databaseStatus := h.checkDatabase()
	redisStatus := h.checkRedis()

	overallStatus := "healthy"
	statusCode := fiber.StatusOK

	if databaseStatus != "healthy" || redisStatus == "unhealthy" {
		overallStatus = "degraded"
		statusCode = fiber.StatusServiceUnavailable
	}

	response := fiber.Map{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks": fiber.Map{
			"database": databaseStatus,
			"redis":    redisStatus,
		},
	}

	return c.Status(statusCode).JSON(response)
}

// checkDatabase verifies datastore connectivity
func (h *HealthHandler) checkDatabase() string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err != nil {
		return "unhealthy"
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return "unhealthy"
	}

	return "healthy"
}

// checkRedis verifies Redis connectivity
func (h *HealthHandler) checkRedis() string {
	if h.redisClient == nil {
		return "disabled"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.redisClient.Ping(ctx).Err(); err != nil {
		return "unhealthy"
	}

	return "healthy"
}
