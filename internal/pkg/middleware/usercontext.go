package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/omnitool-app/omnitool/internal/pkg/usercontext"
)

// UserContext materializes the gateway identity headers into a
// usercontext.UserContext for downstream handlers. Requests without the
// headers pass through anonymous; enforcement is RequireUser's job.
func UserContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.UserContext{
			Email: strings.TrimSpace(c.Get(usercontext.HeaderUserEmail)),
		}
		if raw := strings.TrimSpace(c.Get(usercontext.HeaderUserID)); raw != "" {
			if id, err := strconv.ParseUint(raw, 10, 32); err == nil {
				uc.UserID = uint(id)
			}
		}
		uc.IsAuthenticated = uc.UserID != 0 || uc.Email != ""
		c.Locals(usercontext.LocalsKey, uc)
		return c.Next()
	}
}
