package usercontext

import "github.com/gofiber/fiber/v2"

// UserContext represents the authenticated caller for one request.
// UserID is the identity provider's stable subject id ("provider:sub"),
// which is also the Subscriber directory's externalUserId key.
type UserContext struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	IsLoggedIn bool   `json:"is_logged_in"`
	Tier       string `json:"tier"`
}

const localsKey = "USER_CONTEXT"

// GetUserContext retrieves the user context from fiber context.
// Returns a default anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(localsKey); ctx != nil {
		return ctx.(UserContext)
	}
	return UserContext{IsLoggedIn: false}
}

// SetUserContext stores the user context on the fiber context.
func SetUserContext(c *fiber.Ctx, ctx UserContext) {
	c.Locals(localsKey, ctx)
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// GetUserID returns the current user's subject id, or "" if not logged in
func GetUserID(c *fiber.Ctx) string {
	return GetUserContext(c).UserID
}
