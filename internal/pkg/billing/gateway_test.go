package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ladlebox/ladlebox/internal/pkg/config"
)

func newTestGateway(t *testing.T, handler http.Handler) (*GatewayClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewGatewayClient(&config.Config{
		RazorpayKeyID:      "rzp_test_key",
		RazorpayKeySecret:  "rzp_test_secret",
		RazorpayAPIBaseURL: server.URL,
	}), server
}

func TestFetchSubscription(t *testing.T) {
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_test_key" || pass != "rzp_test_secret" {
			t.Fatalf("expected basic auth with service credentials")
		}
		if r.URL.Path != "/subscriptions/sub_S1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_S1","customer_id":"cust_C1","plan_id":"plan_P1","status":"active","created_at":1735718400}`))
	}))

	snap, err := client.FetchSubscription(context.Background(), "sub_S1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.CustomerID != "cust_C1" || snap.Status != "active" || snap.CreatedAt != 1735718400 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFetchSubscription_NotFound(t *testing.T) {
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"description":"not found"}}`))
	}))

	_, err := client.FetchSubscription(context.Background(), "sub_NOPE")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFetchPayment_RetriesServerErrors(t *testing.T) {
	attempts := 0
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pay_1","customer_id":"cust_C1","status":"captured"}`))
	}))

	snap, err := client.FetchPayment(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if snap.Status != "captured" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestFetchPayment_GivesUpAfterBoundedRetries(t *testing.T) {
	attempts := 0
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.FetchPayment(context.Background(), "pay_1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if attempts != gatewayMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", gatewayMaxAttempts, attempts)
	}
}

func TestCreateSubscription(t *testing.T) {
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/subscriptions" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sub_NEW","customer_id":"cust_C1","plan_id":"plan_P1","status":"created","short_url":"https://rzp.io/i/abc"}`))
	}))

	snap, err := client.CreateSubscription(context.Background(), "cust_C1", "plan_P1", "cook@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.ID != "sub_NEW" || snap.ShortURL == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestCreatePaymentLink(t *testing.T) {
	var received map[string]interface{}
	client, _ := newTestGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/payment_links" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"plink_X","reference_id":"r","status":"created","short_url":"https://rzp.io/l/xyz","amount":49900}`))
	}))

	link, err := client.CreatePaymentLink(context.Background(), 49900, "Lifetime", "cook@example.com", "http://app.test/billing/razorpay/callback")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if link.ID != "plink_X" || link.ShortURL == "" {
		t.Fatalf("unexpected snapshot: %+v", link)
	}
	if ref, _ := received["reference_id"].(string); ref == "" {
		t.Fatalf("expected a generated reference id, got %v", received["reference_id"])
	}
	if received["callback_url"] != "http://app.test/billing/razorpay/callback" {
		t.Fatalf("expected callback url in request, got %v", received["callback_url"])
	}

	if _, err := client.CreatePaymentLink(context.Background(), 0, "Lifetime", "", ""); err == nil {
		t.Fatalf("expected zero amount to be rejected")
	}
}

func TestGateway_MissingCredentials(t *testing.T) {
	client := NewGatewayClient(&config.Config{RazorpayAPIBaseURL: "http://localhost:0"})
	if _, err := client.FetchSubscription(context.Background(), "sub_S1"); !errors.Is(err, ErrMisconfiguredTrustBoundary) {
		t.Fatalf("expected ErrMisconfiguredTrustBoundary, got %v", err)
	}
}
