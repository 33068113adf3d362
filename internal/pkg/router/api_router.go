package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ladlebox/ladlebox/app/controllers"
	"github.com/ladlebox/ladlebox/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		// Webhook deliveries must never be rate limited; the gateway
		// retries a rejected delivery and the storm compounds.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/webhooks/razorpay"
		},
	}))

	// Gateway push notifications, signature-verified in the controller.
	api.Post("/webhooks/razorpay", controllers.HandleRazorpayWebhook)

	v1 := api.Group("/v1")
	v1.Get("/subscription", middleware.RequireAPISessionAuth, controllers.HandleSubscriptionStatus)
	v1.Post("/subscription/create", middleware.RequireAPISessionAuth, controllers.HandleSubscriptionCreate)
	v1.Post("/subscription/verify", middleware.RequireAPISessionAuth, controllers.HandleSubscriptionVerify)
	v1.Post("/subscription/cancel", middleware.RequireAPISessionAuth, controllers.HandleSubscriptionCancel)
	v1.Post("/subscription/lifetime", middleware.RequireAPISessionAuth, controllers.HandleLifetimePurchase)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
