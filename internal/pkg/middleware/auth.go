package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/omnitool-app/omnitool/internal/pkg/usercontext"
)

// RequireUser rejects requests the gateway did not attribute to a user.
// Provider webhooks are exempt; they authenticate by signature instead.
func RequireUser(c *fiber.Ctx) error {
	if !usercontext.GetUserContext(c).IsAuthenticated {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "Missing gateway identity",
		})
	}
	return c.Next()
}
