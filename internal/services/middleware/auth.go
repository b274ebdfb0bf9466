package middleware

import (
	"strings"

	"github.com/campusbridge/partner-api/internal/services/auth"
	"github.com/gofiber/fiber/v2"
)

type AuthMiddleware struct {
	provider auth.AuthProvider
	config   *AuthMiddlewareConfig
}

type AuthMiddlewareConfig struct {
	Enabled        bool
	AllowAnonymous bool
	HeaderNames    []string
	SkipPaths      []string
}

func DefaultAuthMiddlewareConfig() *AuthMiddlewareConfig {
	return &AuthMiddlewareConfig{
		Enabled:        true,
		AllowAnonymous: false,
		HeaderNames:    []string{"Authorization"},
		SkipPaths: []string{
			"/health",
			"/webhooks",
		},
	}
}

func NewAuthMiddleware(provider auth.AuthProvider, config *AuthMiddlewareConfig) *AuthMiddleware {
	if config == nil {
		config = DefaultAuthMiddlewareConfig()
	}
	if len(config.HeaderNames) == 0 {
		config.HeaderNames = []string{"Authorization"}
	}
	return &AuthMiddleware{
		provider: provider,
		config:   config,
	}
}

func (m *AuthMiddleware) RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.config.Enabled {
			return c.Next()
		}

		if m.shouldSkipPath(c.Path()) {
			return c.Next()
		}

		token := m.extractToken(c)
		if token == "" {
			if m.config.AllowAnonymous {
				return c.Next()
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		claims, err := m.provider.ValidateToken(c.Context(), token)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
			})
		}

		c.Locals("auth_context", &auth.AuthContext{
			UserID: claims.Subject,
			Claims: claims,
		})

		return c.Next()
	}
}

// RequireCompanyAccess gates a route on membership of the company named in
// the route param. Must run after RequireAuth.
func (m *AuthMiddleware) RequireCompanyAccess(paramName string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.config.Enabled || m.shouldSkipPath(c.Path()) {
			return c.Next()
		}

		companyID := c.Params(paramName)
		if companyID == "" {
			return c.Next()
		}

		userID, ok := auth.GetUserID(c)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		allowed, err := m.provider.ValidateCompanyAccess(c.Context(), userID, companyID)
		if err != nil || !allowed {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Not a member of this company",
			})
		}

		return c.Next()
	}
}

func (m *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	for _, headerName := range m.config.HeaderNames {
		if header := c.Get(headerName); header != "" {
			if after, ok := strings.CutPrefix(header, "Bearer "); ok {
				return after
			}
			return strings.TrimSpace(header)
		}
	}

	return ""
}

func (m *AuthMiddleware) shouldSkipPath(path string) bool {
	for _, skipPath := range m.config.SkipPaths {
		if strings.HasPrefix(path, skipPath) {
			return true
		}
	}
	return false
}
