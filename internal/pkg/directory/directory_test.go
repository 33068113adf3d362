package directory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/config"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(&config.Config{
		ContentBaseURL:  server.URL,
		ContentAPIToken: "cms-token",
	})
}

func TestFindByUserID_FlatArrayShape(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cms-token" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		if got := r.URL.Query().Get("filters[externalUserId][$eq]"); got != "google:111" {
			t.Fatalf("unexpected filter value %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":7,"externalUserId":"google:111","email":"cook@example.com","subscriptionTier":"pro"}]`))
	}))

	sub, err := client.FindByUserID(context.Background(), "google:111")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != 7 || sub.Tier != models.TierPro {
		t.Fatalf("unexpected subscriber: %+v", sub)
	}
}

func TestFindBySubscriptionID_EnvelopeShape(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":9,"attributes":{"externalUserId":"github:5","razorpaySubscriptionId":"sub_S1","razorpaySubscriptionStatus":"active"}}]}`))
	}))

	sub, err := client.FindBySubscriptionID(context.Background(), "sub_S1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != 9 || sub.SubscriptionID != "sub_S1" || sub.SubscriptionStatus != "active" {
		t.Fatalf("envelope shape not normalized: %+v", sub)
	}
}

func TestFindByEmail_NoMatch(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("filters[email][$eqi]"); got != "cook@example.com" {
			t.Fatalf("unexpected filter value %q", got)
		}
		_, _ = w.Write([]byte(`[]`))
	}))

	_, err := client.FindByEmail(context.Background(), "cook@example.com")
	if !errors.Is(err, ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
}

func TestUpdate_StripsEmptyGatewayIDs(t *testing.T) {
	var received map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/users/7" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decoding patch: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":7}`))
	}))

	err := client.Update(context.Background(), 7, Patch{
		"subscriptionTier":       models.TierPro,
		"razorpayCustomerId":     "",
		"razorpaySubscriptionId": " ",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := received["razorpayCustomerId"]; ok {
		t.Fatalf("empty customer id must not be written: %v", received)
	}
	if _, ok := received["razorpaySubscriptionId"]; ok {
		t.Fatalf("empty subscription id must not be written: %v", received)
	}
	if received["subscriptionTier"] != models.TierPro {
		t.Fatalf("expected tier in patch, got %v", received)
	}
}

func TestUpdate_AllEmptyPatchSkipsRequest(t *testing.T) {
	requests := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))

	if err := client.Update(context.Background(), 7, Patch{"razorpayCustomerId": ""}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if requests != 0 {
		t.Fatalf("expected no request for an effectively empty patch")
	}
}

func TestUpdate_ServerErrorIsUpstream(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := client.Update(context.Background(), 7, Patch{"subscriptionTier": models.TierFree})
	var upstream *UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestEnsureSubscriber_ExistingByUserID(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":3,"externalUserId":"google:111","email":"cook@example.com"}]`))
	}))

	sub, err := client.EnsureSubscriber(context.Background(), "google:111", "cook@example.com", "Cook")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != 3 {
		t.Fatalf("expected existing subscriber, got %+v", sub)
	}
}

func TestEnsureSubscriber_AdoptsByEmail(t *testing.T) {
	var adopted map[string]interface{}
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Query().Get("filters[externalUserId][$eq]") != "":
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodGet && r.URL.Query().Get("filters[email][$eqi]") != "":
			_, _ = w.Write([]byte(`[{"id":4,"email":"cook@example.com","username":"cook"}]`))
		case r.Method == http.MethodPut && r.URL.Path == "/api/users/4":
			if err := json.NewDecoder(r.Body).Decode(&adopted); err != nil {
				t.Fatalf("decoding adoption patch: %v", err)
			}
			_, _ = w.Write([]byte(`{"id":4}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.String())
		}
	}))

	sub, err := client.EnsureSubscriber(context.Background(), "google:111", "cook@example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != 4 || sub.ExternalUserID != "google:111" {
		t.Fatalf("expected adopted subscriber, got %+v", sub)
	}
	if adopted["externalUserId"] != "google:111" {
		t.Fatalf("expected subject id attached on adoption, got %v", adopted)
	}
}

func TestEnsureSubscriber_CreatesWhenUnknown(t *testing.T) {
	var created models.Subscriber
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`[]`))
		case r.Method == http.MethodPost && r.URL.Path == "/api/users":
			if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
				t.Fatalf("decoding create body: %v", err)
			}
			created.ID = 11
			_ = json.NewEncoder(w).Encode(created)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.String())
		}
	}))

	sub, err := client.EnsureSubscriber(context.Background(), "github:42", "new@example.com", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.ID != 11 || sub.ExternalUserID != "github:42" {
		t.Fatalf("unexpected subscriber: %+v", sub)
	}
	if created.Tier != models.TierFree {
		t.Fatalf("expected free tier on provisioning, got %q", created.Tier)
	}
	if created.Username != "new" {
		t.Fatalf("expected username derived from email, got %q", created.Username)
	}
}
