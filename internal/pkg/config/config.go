package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ladlebox/ladlebox/internal/pkg/env"
)

// Config holds every secret and base URL the entitlement flow depends on.
// It is built once at boot and passed by reference; a missing required
// value is a construction error, never a mid-request surprise.
type Config struct {
	// PublicBaseURL is the externally reachable URL of this app. The
	// redirect-callback adapter builds browser redirects from it.
	PublicBaseURL string

	// Content backend (headless CMS holding the subscriber directory).
	ContentBaseURL  string
	ContentAPIToken string

	// Razorpay credentials. KeySecret signs redirect callbacks and
	// authenticates read-API calls; WebhookSecret signs webhook bodies.
	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string

	// RazorpayPlanID is the recurring plan used for checkout creation.
	// Optional at boot: checkout creation rejects per-request when unset.
	RazorpayPlanID string

	// RazorpayLifetimeAmount is the one-off lifetime price in the
	// currency's smallest unit. Zero disables the payment-link flow.
	RazorpayLifetimeAmount int64

	// RazorpayAPIBaseURL is overridable for tests.
	RazorpayAPIBaseURL string
}

const defaultRazorpayAPIBaseURL = "https://api.razorpay.com/v1"

// Load reads the configuration from the environment and validates the
// required fields.
func Load() (*Config, error) {
	cfg := &Config{
		PublicBaseURL:         strings.TrimRight(env.GetEnv("PUBLIC_APP_URL", ""), "/"),
		ContentBaseURL:        strings.TrimRight(env.GetEnv("CONTENT_API_URL", ""), "/"),
		ContentAPIToken:       strings.TrimSpace(env.GetEnv("CONTENT_API_TOKEN", "")),
		RazorpayKeyID:         strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_ID", "")),
		RazorpayKeySecret:     strings.TrimSpace(env.GetEnv("RAZORPAY_KEY_SECRET", "")),
		RazorpayWebhookSecret: strings.TrimSpace(env.GetEnv("RAZORPAY_WEBHOOK_SECRET", "")),
		RazorpayPlanID:        strings.TrimSpace(env.GetEnv("RAZORPAY_PLAN_ID", "")),
		RazorpayAPIBaseURL:    strings.TrimRight(env.GetEnv("RAZORPAY_API_BASE_URL", defaultRazorpayAPIBaseURL), "/"),
	}
	if raw := strings.TrimSpace(env.GetEnv("RAZORPAY_LIFETIME_AMOUNT", "")); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || amount < 0 {
			return nil, fmt.Errorf("config: RAZORPAY_LIFETIME_AMOUNT must be a non-negative integer, got %q", raw)
		}
		cfg.RazorpayLifetimeAmount = amount
	}

	required := []struct {
		key string
		val string
	}{
		{"PUBLIC_APP_URL", cfg.PublicBaseURL},
		{"CONTENT_API_URL", cfg.ContentBaseURL},
		{"CONTENT_API_TOKEN", cfg.ContentAPIToken},
		{"RAZORPAY_KEY_ID", cfg.RazorpayKeyID},
		{"RAZORPAY_KEY_SECRET", cfg.RazorpayKeySecret},
		{"RAZORPAY_WEBHOOK_SECRET", cfg.RazorpayWebhookSecret},
	}
	var missing []string
	for _, r := range required {
		if r.val == "" {
			missing = append(missing, r.key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	return cfg, nil
}
