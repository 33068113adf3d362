package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/cache"
	"github.com/ladlebox/ladlebox/internal/pkg/session"
	"github.com/ladlebox/ladlebox/internal/pkg/usercontext"
)

// UserContextMiddleware builds the user context for every request from
// the session. This centralizes session handling so controllers never
// touch the store directly.
func UserContextMiddleware(c *fiber.Ctx) error {
	// Avoid interfering with Goth/Fiber session handling on OAuth routes.
	// Goth uses its own fiber session store and relies on per-request locals.
	// We skip our app session on /auth/* to prevent cross-store collisions.
	if strings.HasPrefix(c.Path(), "/auth/") {
		return c.Next()
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		usercontext.SetUserContext(c, usercontext.UserContext{IsLoggedIn: false})
		return c.Next()
	}

	userID, _ := sess.Get(usercontext.KeyUserID).(string)
	if userID == "" {
		usercontext.SetUserContext(c, usercontext.UserContext{IsLoggedIn: false})
		return c.Next()
	}

	// Tier with cache-first strategy; the cache entry is invalidated on
	// every entitlement write, so a miss here just falls back to free
	// until the next verify or webhook refreshes it.
	tier := cache.GetSubscriberTier(userID)
	if tier == "" {
		tier = models.TierFree
	}

	usercontext.SetUserContext(c, usercontext.UserContext{
		UserID:     userID,
		Email:      session.GetSessionValue(c, usercontext.KeyUserEmail),
		Name:       session.GetSessionValue(c, usercontext.KeyUserName),
		IsLoggedIn: true,
		Tier:       tier,
	})

	return c.Next()
}
