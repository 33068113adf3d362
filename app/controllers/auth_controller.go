package controllers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"
	"github.com/sujit-baniya/flash"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/cache"
	"github.com/ladlebox/ladlebox/internal/pkg/session"
	"github.com/ladlebox/ladlebox/internal/pkg/usercontext"
)

// HandleAuthLogin renders the login page with the provider buttons.
func HandleAuthLogin(c *fiber.Ctx) error {
	if usercontext.IsLoggedIn(c) {
		return c.Redirect("/", fiber.StatusSeeOther)
	}
	return c.Render("login", fiber.Map{
		"Title": "Sign in",
		"Flash": flash.Get(c),
	})
}

// HandleOAuthCallback completes the provider flow and logs the user in.
// The subscriber record is provisioned lazily on first login.
func HandleOAuthCallback(c *fiber.Ctx) error {
	u, err := gothfiber.CompleteUserAuth(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).SendString(fmt.Sprintf("OAuth failed: %v", err))
	}

	// The directory key is provider-scoped so two providers with the
	// same numeric subject never collide.
	externalUserID := u.Provider + ":" + u.UserID
	displayName := firstOf(u.Name, u.NickName, u.Email, "User")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, err := subscDir.EnsureSubscriber(ctx, externalUserID, u.Email, displayName)
	if err != nil {
		log.Printf("[Auth] provisioning %s: %v", externalUserID, err)
		return c.Status(fiber.StatusInternalServerError).SendString("account setup failed")
	}

	sess, err := session.GetSessionStore().Get(c)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session init failed")
	}
	sess.Set(usercontext.KeyLoggedIn, true)
	sess.Set(usercontext.KeyUserID, externalUserID)
	sess.Set(usercontext.KeyUserEmail, u.Email)
	sess.Set(usercontext.KeyUserName, displayName)
	if err := sess.Save(); err != nil {
		return c.Status(fiber.StatusInternalServerError).SendString("session save failed")
	}

	tier := sub.Tier
	if tier == "" {
		tier = models.TierFree
	}
	_ = cache.SetSubscriberTier(externalUserID, tier)
	_ = session.SetSessionValue(c, usercontext.KeyUserTier, tier)

	return flash.WithSuccess(c, fiber.Map{
		"type":    "success",
		"message": "Welcome back, " + displayName,
	}).Redirect("/", fiber.StatusSeeOther)
}

// HandleAuthLogout clears both the app session and the OAuth session.
func HandleAuthLogout(c *fiber.Ctx) error {
	userID := usercontext.GetUserID(c)
	cache.InvalidateSubscriberTier(userID)

	if sess, err := session.GetSessionStore().Get(c); err == nil {
		_ = sess.Destroy()
	}
	_ = gothfiber.Logout(c)

	return c.Redirect("/", fiber.StatusSeeOther)
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
