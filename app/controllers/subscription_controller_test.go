package controllers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ladlebox/ladlebox/internal/pkg/config"
)

const testWebhookSecret = "whsec-test"

func signBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// initTestControllers wires the package globals against test servers.
func initTestControllers(t *testing.T, contentHandler, gatewayHandler http.Handler) {
	t.Helper()
	if contentHandler == nil {
		contentHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected content-backend call: %s %s", r.Method, r.URL.String())
		})
	}
	if gatewayHandler == nil {
		gatewayHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("unexpected gateway call: %s %s", r.Method, r.URL.String())
		})
	}
	content := httptest.NewServer(contentHandler)
	t.Cleanup(content.Close)
	gatewaySrv := httptest.NewServer(gatewayHandler)
	t.Cleanup(gatewaySrv.Close)

	Initialize(&config.Config{
		PublicBaseURL:         "http://app.test",
		ContentBaseURL:        content.URL,
		ContentAPIToken:       "cms-token",
		RazorpayKeyID:         "rzp_key",
		RazorpayKeySecret:     "rzp_secret",
		RazorpayWebhookSecret: testWebhookSecret,
		RazorpayAPIBaseURL:    gatewaySrv.URL,
	})
}

func newWebhookApp() *fiber.App {
	app := fiber.New()
	app.Post("/api/webhooks/razorpay", HandleRazorpayWebhook)
	return app
}

func TestHandleRazorpayWebhook_InvalidSignatureRejectsWithoutBackendCall(t *testing.T) {
	initTestControllers(t, nil, nil)
	app := newWebhookApp()

	body := []byte(`{"event":"subscription.activated","payload":{"subscription":{"entity":{"id":"sub_S1"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Razorpay-Signature", signBody([]byte("different payload"), testWebhookSecret))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestHandleRazorpayWebhook_MissingSecretIsServerError(t *testing.T) {
	initTestControllers(t, nil, nil)
	appConfig.RazorpayWebhookSecret = ""
	app := newWebhookApp()

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", strings.NewReader(`{}`))
	req.Header.Set("X-Razorpay-Signature", "deadbeef")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestHandleRazorpayWebhook_AppliesActivation(t *testing.T) {
	var patch map[string]interface{}
	content := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("filters[razorpayCustomerId][$eq]") == "cust_C1":
			_, _ = w.Write([]byte(`[{"id":7,"externalUserId":"google:111","subscriptionTier":"free"}]`))
		case r.Method == http.MethodPut && r.URL.Path == "/api/users/7":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
			_, _ = w.Write([]byte(`{"id":7}`))
		default:
			t.Errorf("unexpected content-backend call: %s %s", r.Method, r.URL.String())
		}
	})
	initTestControllers(t, content, nil)
	app := newWebhookApp()

	body := []byte(`{"event":"subscription.activated","created_at":1735718400,"payload":{"subscription":{"entity":{"id":"sub_S1","customer_id":"cust_C1","plan_id":"plan_P1","status":"active"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Razorpay-Signature", signBody(body, testWebhookSecret))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.NotNil(t, patch)
	assert.Equal(t, "pro", patch["subscriptionTier"])
	assert.Equal(t, "active", patch["razorpaySubscriptionStatus"])
	assert.Equal(t, "sub_S1", patch["razorpaySubscriptionId"])
}

func TestHandleRazorpayWebhook_UnknownSubscriberIsAcknowledged(t *testing.T) {
	content := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		t.Errorf("unexpected write to content backend: %s %s", r.Method, r.URL.String())
	})
	initTestControllers(t, content, nil)
	app := newWebhookApp()

	body := []byte(`{"event":"subscription.activated","payload":{"subscription":{"entity":{"id":"sub_UNKNOWN","customer_id":"cust_UNKNOWN"}}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/razorpay", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signBody(body, testWebhookSecret))

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	// 200 so the gateway does not retry an event we can never anchor.
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func newCallbackApp() *fiber.App {
	app := fiber.New()
	app.Get("/billing/razorpay/callback", HandleRazorpayCallback)
	app.Post("/billing/razorpay/callback", HandleRazorpayCallback)
	return app
}

func TestHandleRazorpayCallback_ErrorRedirectForwardsCode(t *testing.T) {
	initTestControllers(t, nil, nil)
	app := newCallbackApp()

	req := httptest.NewRequest(http.MethodGet, "/billing/razorpay/callback?error_code=payment_failed&error_description=Card+declined", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/subscription/verify", loc.Path)
	assert.Equal(t, "payment_failed", loc.Query().Get("error_code"))
	assert.Equal(t, "Card declined", loc.Query().Get("error_description"))
}

func TestHandleRazorpayCallback_SignatureMismatch(t *testing.T) {
	initTestControllers(t, nil, nil)
	app := newCallbackApp()

	form := url.Values{}
	form.Set("razorpay_payment_id", "pay_1")
	form.Set("razorpay_subscription_id", "sub_S1")
	form.Set("razorpay_signature", signBody([]byte("pay_1|sub_OTHER"), "rzp_secret"))

	req := httptest.NewRequest(http.MethodPost, "/billing/razorpay/callback", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "signature_mismatch", loc.Query().Get("error_code"))
	assert.Equal(t, "sub_S1", loc.Query().Get("subscription_id"))
}

func TestVerifyRedirectURL(t *testing.T) {
	assert.Equal(t, "/subscription/verify", verifyRedirectURL("", "", "", ""))

	u, err := url.Parse(verifyRedirectURL("sub_S1", "pay_1", "", ""))
	require.NoError(t, err)
	assert.Equal(t, "sub_S1", u.Query().Get("subscription_id"))
	assert.Equal(t, "pay_1", u.Query().Get("payment_id"))
	assert.Empty(t, u.Query().Get("error_code"))
}
