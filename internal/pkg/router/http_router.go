package router

import (
	"github.com/gofiber/fiber/v2"
	gothfiber "github.com/shareed2k/goth_fiber"

	"github.com/ladlebox/ladlebox/app/controllers"
	"github.com/ladlebox/ladlebox/internal/pkg/middleware"
	"github.com/ladlebox/ladlebox/internal/pkg/oauth"
	"github.com/ladlebox/ladlebox/internal/pkg/session"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// init session
	session.NewSessionStore()

	// init oauth providers
	oauth.Setup()

	// Apply UserContext middleware globally as first middleware
	app.Use(middleware.UserContextMiddleware)

	// Public pages
	app.Get("/", controllers.HandleStart)
	app.Get("/pricing", controllers.HandlePricing)
	app.Get("/subscription/verify", controllers.HandleSubscriptionVerifyPage)

	// Auth
	app.Get("/login", controllers.HandleAuthLogin)
	app.Post("/logout", middleware.RequireAuth, controllers.HandleAuthLogout)

	// Social OAuth
	app.Get("/auth/:provider", gothfiber.BeginAuthHandler)
	app.Get("/auth/:provider/callback", controllers.HandleOAuthCallback)

	// Gateway redirect callback. Arrives as GET or form POST depending
	// on the checkout flavor; no CSRF, integrity comes from the
	// signature verified in the controller.
	app.Get("/billing/razorpay/callback", controllers.HandleRazorpayCallback)
	app.Post("/billing/razorpay/callback", controllers.HandleRazorpayCallback)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
