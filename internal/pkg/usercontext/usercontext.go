package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext is the per-request identity resolved by the edge gateway.
type UserContext struct {
	UserID          uint   `json:"user_id"`
	Email           string `json:"email"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// GetUserContext retrieves the user context from the fiber context.
// Returns an anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(LocalsKey); ctx != nil {
		if uc, ok := ctx.(UserContext); ok {
			return uc
		}
	}
	return UserContext{}
}

// GetUserID returns the current user's id, or 0 if anonymous.
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
