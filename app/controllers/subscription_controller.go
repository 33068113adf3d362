package controllers

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/billing"
	"github.com/ladlebox/ladlebox/internal/pkg/cache"
	"github.com/ladlebox/ladlebox/internal/pkg/directory"
	"github.com/ladlebox/ladlebox/internal/pkg/session"
	"github.com/ladlebox/ladlebox/internal/pkg/usercontext"
)

const verifyPagePath = "/subscription/verify"

// HandleRazorpayWebhook receives push notifications from the gateway.
// Delivery is at-least-once: a 200 acknowledges, anything else makes the
// gateway retry later. Signature failure must not acknowledge and must
// not touch stored state.
func HandleRazorpayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("X-Razorpay-Signature"))

	valid, err := billing.VerifyWebhookSignature(rawBody, signature, appConfig.RazorpayWebhookSecret)
	if err != nil {
		log.Printf("[Webhook] %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook secret not configured"})
	}
	if !valid {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid signature"})
	}

	notification, err := billing.ParseWebhookNotification(rawBody)
	if err != nil {
		log.Printf("[Webhook] unparseable payload: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unparseable payload"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := engine.Apply(ctx, notification)
	if err != nil {
		// No subscriber anchors this event; acknowledge so the gateway
		// does not storm us with retries for a user we will never know.
		if errors.Is(err, billing.ErrUnresolvedSubscriber) {
			log.Printf("[Webhook] discarding: %v", err)
			return c.JSON(fiber.Map{"status": "ignored"})
		}
		// Transient storage trouble: fail the delivery so it is retried.
		log.Printf("[Webhook] apply failed for %s: %v", notification.EventType, err)
		return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": "event not applied"})
	}

	if outcome.Applied {
		cache.InvalidateSubscriberTier(outcome.Subscriber.ExternalUserID)
		log.Printf("[Webhook] applied %s: subscriber=%d tier=%s", notification.EventType, outcome.Subscriber.ID, outcome.Tier)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// HandleRazorpayCallback receives the browser redirect after checkout,
// as GET or form POST. It verifies the redirect signature when one is
// present, applies the result best-effort, and always lands the browser
// on the verification page with normalized query parameters. Errors are
// forwarded as codes, never thrown at the browser.
func HandleRazorpayCallback(c *fiber.Ctx) error {
	paymentID := formOrQuery(c, "razorpay_payment_id")
	subscriptionID := formOrQuery(c, "razorpay_subscription_id")
	signature := formOrQuery(c, "razorpay_signature")

	linkID := formOrQuery(c, "razorpay_payment_link_id")
	linkReferenceID := formOrQuery(c, "razorpay_payment_link_reference_id")
	linkStatus := formOrQuery(c, "razorpay_payment_link_status")
	if subscriptionID == "" {
		subscriptionID = linkID
	}

	errorCode := formOrQuery(c, "error_code")
	errorDescription := formOrQuery(c, "error_description")

	// A pure error redirect carries neither payment id nor signature;
	// nothing to verify and nothing to mutate.
	if signature != "" && paymentID != "" {
		var valid bool
		var err error
		if linkID != "" {
			valid, err = billing.VerifyPaymentLinkSignature(linkID, linkReferenceID, linkStatus, paymentID, signature, appConfig.RazorpayKeySecret)
		} else {
			valid, err = billing.VerifyCallbackSignature(paymentID, subscriptionID, signature, appConfig.RazorpayKeySecret)
		}
		switch {
		case err != nil:
			log.Printf("[Callback] %v", err)
			errorCode = "configuration_error"
		case !valid:
			errorCode = "signature_mismatch"
		default:
			applyCallbackResult(subscriptionID, paymentID)
		}
	}

	return c.Redirect(verifyRedirectURL(subscriptionID, paymentID, errorCode, errorDescription), fiber.StatusSeeOther)
}

// applyCallbackResult reconciles a signed success redirect. Best effort:
// the verification page re-runs the check client-side, so a transient
// failure here only delays activation.
func applyCallbackResult(subscriptionID, paymentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := engine.Verify(ctx, &billing.Notification{
		Kind:           billing.KindRedirectCallback,
		EventType:      billing.EventRedirectSuccess,
		SubscriptionID: subscriptionID,
		PaymentID:      paymentID,
	})
	if err != nil {
		log.Printf("[Callback] deferred to verify page: %v", err)
		return
	}
	if outcome.Applied {
		cache.InvalidateSubscriberTier(outcome.Subscriber.ExternalUserID)
	}
}

func verifyRedirectURL(subscriptionID, paymentID, errorCode, errorDescription string) string {
	params := url.Values{}
	if subscriptionID != "" {
		params.Set("subscription_id", subscriptionID)
	}
	if paymentID != "" {
		params.Set("payment_id", paymentID)
	}
	if errorCode != "" {
		params.Set("error_code", errorCode)
	}
	if errorDescription != "" {
		params.Set("error_description", errorDescription)
	}
	if len(params) == 0 {
		return verifyPagePath
	}
	return verifyPagePath + "?" + params.Encode()
}

type verifyRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required"`
	PaymentID      string `json:"paymentId"`
}

// HandleSubscriptionVerify is called by the verification page after the
// browser lands on it. The caller must be logged in; the claimed ids are
// never trusted directly, the engine re-reads them from the gateway.
func HandleSubscriptionVerify(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req verifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validator.New().Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "subscriptionId is required"})
	}
	if billing.IsPaymentLinkID(req.SubscriptionID) && strings.TrimSpace(req.PaymentID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "paymentId is required for payment-link purchases"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	outcome, err := engine.Verify(ctx, &billing.Notification{
		Kind:           billing.KindClientVerify,
		EventType:      billing.EventClientVerify,
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		PaymentID:      strings.TrimSpace(req.PaymentID),
		ExternalUserID: userCtx.UserID,
	})
	if err != nil {
		if errors.Is(err, billing.ErrUnresolvedSubscriber) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no subscriber record for this account"})
		}
		log.Printf("[Verify] %s: %v", userCtx.UserID, err)
		return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": verifyErrorMessage(err)})
	}

	if outcome.Applied {
		cache.InvalidateSubscriberTier(outcome.Subscriber.ExternalUserID)
	}
	if !outcome.Activated {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "subscription is not active"})
	}

	_ = cache.SetSubscriberTier(userCtx.UserID, models.TierPro)
	_ = session.SetSessionValue(c, usercontext.KeyUserTier, models.TierPro)
	return c.JSON(fiber.Map{"success": true})
}

func verifyErrorMessage(err error) string {
	switch {
	case errors.Is(err, billing.ErrOwnershipMismatch):
		return "this subscription belongs to a different account"
	case errors.Is(err, billing.ErrNotFound):
		return "unknown subscription or payment"
	case errors.Is(err, billing.ErrUpstreamUnavailable):
		return "payment provider unavailable, please retry"
	default:
		return "verification failed"
	}
}

type createRequest struct {
	PlanID string `json:"planId"`
}

// HandleSubscriptionCreate sets up a recurring subscription for the
// logged-in user and returns the hosted checkout URL. The gateway
// customer is created once and reused afterwards.
func HandleSubscriptionCreate(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	var req createRequest
	_ = c.BodyParser(&req)

	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		planID = appConfig.RazorpayPlanID
	}
	if planID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no plan configured"})
	}
	if appConfig.RazorpayPlanID != "" && planID != appConfig.RazorpayPlanID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown plan"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sub, err := subscDir.EnsureSubscriber(ctx, userCtx.UserID, userCtx.Email, userCtx.Name)
	if err != nil {
		log.Printf("[Create] ensure subscriber %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "account service unavailable"})
	}

	if sub.SubscriptionStatus == models.SubscriptionStatusActive {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "subscription already active"})
	}

	customerID := sub.CustomerID
	if customerID == "" {
		customer, err := gateway.CreateCustomer(ctx, userCtx.Name, userCtx.Email, userCtx.UserID)
		if err != nil {
			log.Printf("[Create] customer for %s: %v", userCtx.UserID, err)
			return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": "could not create billing profile"})
		}
		customerID = customer.ID
		if err := subscDir.Update(ctx, sub.ID, directory.Patch{"razorpayCustomerId": customerID}); err != nil {
			log.Printf("[Create] storing customer id for %d: %v", sub.ID, err)
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "account service unavailable"})
		}
	}

	created, err := gateway.CreateSubscription(ctx, customerID, planID, userCtx.Email)
	if err != nil {
		log.Printf("[Create] subscription for %s: %v", userCtx.UserID, err)
		return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": "could not create subscription"})
	}

	if err := subscDir.Update(ctx, sub.ID, directory.Patch{
		"razorpaySubscriptionId":     created.ID,
		"razorpaySubscriptionStatus": models.SubscriptionStatusCreated,
		"razorpayPlanId":             planID,
	}); err != nil {
		// The gateway object exists; the webhook stream will re-link it.
		log.Printf("[Create] storing subscription id for %d: %v", sub.ID, err)
	}

	return c.JSON(fiber.Map{
		"subscriptionId": created.ID,
		"checkoutUrl":    created.ShortURL,
		"keyId":          appConfig.RazorpayKeyID,
	})
}

// HandleLifetimePurchase creates a one-off payment link for the
// lifetime tier. The purchase is confirmed on the verification page via
// the payment-link flavor of the redirect signature.
func HandleLifetimePurchase(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	if appConfig.RazorpayLifetimeAmount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lifetime purchase not available"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sub, err := subscDir.EnsureSubscriber(ctx, userCtx.UserID, userCtx.Email, userCtx.Name)
	if err != nil {
		log.Printf("[Lifetime] ensure subscriber %s: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "account service unavailable"})
	}
	if sub.Tier == models.TierPro {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already on pro"})
	}

	link, err := gateway.CreatePaymentLink(
		ctx,
		appConfig.RazorpayLifetimeAmount,
		"Ladlebox Pro (lifetime)",
		userCtx.Email,
		appConfig.PublicBaseURL+"/billing/razorpay/callback",
	)
	if err != nil {
		log.Printf("[Lifetime] payment link for %s: %v", userCtx.UserID, err)
		return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": "could not create payment link"})
	}

	return c.JSON(fiber.Map{
		"paymentLinkId": link.ID,
		"checkoutUrl":   link.ShortURL,
	})
}

// HandleSubscriptionCancel cancels the user's recurring subscription at
// the gateway; the webhook confirms, but the record is downgraded
// immediately so the UI does not show a stale entitlement.
func HandleSubscriptionCancel(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sub, err := subscDir.FindByUserID(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrSubscriberNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no subscriber record"})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "account service unavailable"})
	}
	if sub.SubscriptionID == "" || models.IsTerminalStatus(sub.SubscriptionStatus) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active subscription"})
	}

	if _, err := gateway.CancelSubscription(ctx, sub.SubscriptionID); err != nil {
		log.Printf("[Cancel] %s: %v", sub.SubscriptionID, err)
		return c.Status(billing.HTTPStatus(err)).JSON(fiber.Map{"error": "could not cancel subscription"})
	}

	if err := subscDir.Update(ctx, sub.ID, directory.Patch{
		"razorpaySubscriptionStatus": models.SubscriptionStatusCancelled,
		"subscriptionTier":           models.TierFree,
	}); err != nil {
		log.Printf("[Cancel] storing cancellation for %d: %v", sub.ID, err)
	}
	cache.InvalidateSubscriberTier(userCtx.UserID)
	_ = session.SetSessionValue(c, usercontext.KeyUserTier, models.TierFree)

	return c.JSON(fiber.Map{"success": true, "status": models.SubscriptionStatusCancelled})
}

// HandleSubscriptionStatus reports the caller's current entitlement.
func HandleSubscriptionStatus(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub, err := subscDir.FindByUserID(ctx, userCtx.UserID)
	if err != nil {
		if errors.Is(err, directory.ErrSubscriberNotFound) {
			return c.JSON(fiber.Map{"tier": models.TierFree, "status": models.SubscriptionStatusNone})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "account service unavailable"})
	}

	tier := sub.Tier
	if tier == "" {
		tier = models.TierFree
	}
	_ = cache.SetSubscriberTier(userCtx.UserID, tier)

	return c.JSON(fiber.Map{
		"tier":           tier,
		"status":         sub.SubscriptionStatus,
		"subscriptionId": sub.SubscriptionID,
	})
}
