package controllers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sujit-baniya/flash"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/usercontext"
)

// HandleStart renders the landing page.
func HandleStart(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	return c.Render("index", fiber.Map{
		"Title":      "Ladlebox",
		"IsLoggedIn": userCtx.IsLoggedIn,
		"Username":   userCtx.Name,
		"IsPro":      userCtx.Tier == models.TierPro,
		"Flash":      flash.Get(c),
	})
}

// HandlePricing renders the plan comparison page.
func HandlePricing(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	return c.Render("pricing", fiber.Map{
		"Title":      "Pricing",
		"IsLoggedIn": userCtx.IsLoggedIn,
		"IsPro":      userCtx.Tier == models.TierPro,
		"PlanID":     appConfig.RazorpayPlanID,
		"Flash":      flash.Get(c),
	})
}

// HandleSubscriptionVerifyPage renders the page the gateway callback
// redirects to. The page's script posts the ids back to the verify API;
// the query parameters here are display hints, not trusted input.
func HandleSubscriptionVerifyPage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	return c.Render("subscription_verify", fiber.Map{
		"Title":            "Confirming your subscription",
		"IsLoggedIn":       userCtx.IsLoggedIn,
		"SubscriptionID":   c.Query("subscription_id"),
		"PaymentID":        c.Query("payment_id"),
		"ErrorCode":        c.Query("error_code"),
		"ErrorDescription": c.Query("error_description"),
	})
}
