package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ladlebox/ladlebox/internal/pkg/config"
)

const (
	gatewayMaxAttempts = 3
	gatewayRetryDelay  = 500 * time.Millisecond
)

// SubscriptionSnapshot is the authoritative subscription state as read
// from the gateway.
type SubscriptionSnapshot struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	PlanID     string `json:"plan_id"`
	Status     string `json:"status"`
	ShortURL   string `json:"short_url"`
	CreatedAt  int64  `json:"created_at"`
}

// PaymentSnapshot is the authoritative payment state as read from the
// gateway.
type PaymentSnapshot struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	CreatedAt      int64  `json:"created_at"`
}

// PaymentLinkSnapshot is a gateway payment-link object for one-off
// purchases.
type PaymentLinkSnapshot struct {
	ID          string `json:"id"`
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	ShortURL    string `json:"short_url"`
	Amount      int64  `json:"amount"`
}

// CustomerSnapshot is a gateway customer object.
type CustomerSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// GatewayClient reads and writes payment-gateway objects using the
// service credentials, never the end user's. Reads back the authoritative
// state that the client-verify path substitutes for a signature.
type GatewayClient struct {
	keyID     string
	keySecret string
	baseURL   string

	HTTPClient *http.Client
}

// NewGatewayClient creates a gateway client from the application config.
func NewGatewayClient(cfg *config.Config) *GatewayClient {
	return &GatewayClient{
		keyID:     cfg.RazorpayKeyID,
		keySecret: cfg.RazorpayKeySecret,
		baseURL:   strings.TrimRight(cfg.RazorpayAPIBaseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// FetchSubscription reads a subscription object by id.
func (c *GatewayClient) FetchSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error) {
	var snap SubscriptionSnapshot
	if err := c.get(ctx, "/subscriptions/"+strings.TrimSpace(id), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchPayment reads a payment object by id.
func (c *GatewayClient) FetchPayment(ctx context.Context, id string) (*PaymentSnapshot, error) {
	var snap PaymentSnapshot
	if err := c.get(ctx, "/payments/"+strings.TrimSpace(id), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CreateCustomer registers a gateway customer for a subscriber. The
// fail_existing flag makes re-creation for the same email return the
// existing object instead of erroring.
func (c *GatewayClient) CreateCustomer(ctx context.Context, name, email, externalUserID string) (*CustomerSnapshot, error) {
	body := map[string]interface{}{
		"name":          strings.TrimSpace(name),
		"email":         strings.TrimSpace(email),
		"fail_existing": "0",
		"notes": map[string]string{
			"externalUserId": externalUserID,
		},
	}
	var snap CustomerSnapshot
	if err := c.post(ctx, "/customers", body, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CreateSubscription creates a recurring subscription for a customer and
// returns the object including its hosted checkout URL.
func (c *GatewayClient) CreateSubscription(ctx context.Context, customerID, planID string, notifyEmail string) (*SubscriptionSnapshot, error) {
	body := map[string]interface{}{
		"customer_id":     strings.TrimSpace(customerID),
		"plan_id":         strings.TrimSpace(planID),
		"total_count":     1,
		"quantity":        1,
		"customer_notify": 1,
	}
	if e := strings.TrimSpace(notifyEmail); e != "" {
		body["notify_info"] = map[string]string{"email": e}
	}
	var snap SubscriptionSnapshot
	if err := c.post(ctx, "/subscriptions", body, &snap); err != nil {
		return nil, err
	}
	if snap.ShortURL == "" {
		return nil, errors.New("gateway: subscription response missing checkout url")
	}
	return &snap, nil
}

// CreatePaymentLink creates a one-off payment link. The reference id is
// generated here so the redirect signature can be recomputed later
// without trusting any client-supplied value.
func (c *GatewayClient) CreatePaymentLink(ctx context.Context, amount int64, description, email, callbackURL string) (*PaymentLinkSnapshot, error) {
	if amount <= 0 {
		return nil, errors.New("gateway: payment-link amount must be positive")
	}
	body := map[string]interface{}{
		"amount":       amount,
		"currency":     "INR",
		"description":  strings.TrimSpace(description),
		"reference_id": uuid.NewString(),
	}
	if e := strings.TrimSpace(email); e != "" {
		body["customer"] = map[string]string{"email": e}
		body["notify"] = map[string]bool{"email": true}
	}
	if u := strings.TrimSpace(callbackURL); u != "" {
		body["callback_url"] = u
		body["callback_method"] = "get"
	}
	var snap PaymentLinkSnapshot
	if err := c.post(ctx, "/payment_links", body, &snap); err != nil {
		return nil, err
	}
	if snap.ShortURL == "" {
		return nil, errors.New("gateway: payment-link response missing checkout url")
	}
	return &snap, nil
}

// CancelSubscription cancels a subscription at the gateway.
func (c *GatewayClient) CancelSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error) {
	var snap SubscriptionSnapshot
	if err := c.post(ctx, "/subscriptions/"+strings.TrimSpace(id)+"/cancel", map[string]interface{}{}, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// get performs an authenticated read with bounded retry on transport
// errors and 5xx responses.
func (c *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	if c.keyID == "" || c.keySecret == "" {
		return ErrMisconfiguredTrustBoundary
	}

	var lastErr error
	for attempt := 0; attempt < gatewayMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(gatewayRetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.keyID, c.keySecret)
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = &GatewayError{Op: "GET " + path, StatusCode: 0, Body: err.Error()}
			continue
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = &GatewayError{Op: "GET " + path, StatusCode: resp.StatusCode, Body: string(body)}
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			return &GatewayError{Op: "GET " + path, StatusCode: resp.StatusCode, Body: string(body)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &GatewayError{Op: "GET " + path, StatusCode: resp.StatusCode, Body: string(body)}
		}
		return json.Unmarshal(body, out)
	}
	return lastErr
}

// post performs an authenticated write. Writes are not retried; the
// calling flow owns any retry decision.
func (c *GatewayClient) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	if c.keyID == "" || c.keySecret == "" {
		return ErrMisconfiguredTrustBoundary
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &GatewayError{Op: "POST " + path, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &GatewayError{Op: "POST " + path, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.Unmarshal(body, out)
}
