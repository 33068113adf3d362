package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/config"
)

// ErrSubscriberNotFound is returned when no subscriber matches a lookup key.
var ErrSubscriberNotFound = errors.New("subscriber not found")

// UpstreamError wraps a content-backend failure (network error or 5xx).
type UpstreamError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("directory: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("directory: %s failed: status=%d", e.Op, e.StatusCode)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Client is the Subscriber Directory: a thin data-access wrapper around the
// content backend's user collection. It normalizes the backend's response
// shapes at this boundary; nothing above it ever sees a raw envelope.
type Client struct {
	baseURL  string
	apiToken string

	HTTPClient *http.Client
}

// NewClient creates a directory client from the application config.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		baseURL:  strings.TrimRight(cfg.ContentBaseURL, "/"),
		apiToken: cfg.ContentAPIToken,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// FindByUserID looks a subscriber up by the identity provider subject id.
func (c *Client) FindByUserID(ctx context.Context, externalUserID string) (*models.Subscriber, error) {
	return c.findOne(ctx, "externalUserId", "$eq", externalUserID)
}

// FindByCustomerID looks a subscriber up by the gateway customer id.
func (c *Client) FindByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error) {
	return c.findOne(ctx, "razorpayCustomerId", "$eq", customerID)
}

// FindBySubscriptionID looks a subscriber up by the gateway subscription id.
func (c *Client) FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Subscriber, error) {
	return c.findOne(ctx, "razorpaySubscriptionId", "$eq", subscriptionID)
}

// FindByEmail looks a subscriber up case-insensitively by email address.
func (c *Client) FindByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	return c.findOne(ctx, "email", "$eqi", email)
}

func (c *Client) findOne(ctx context.Context, field, op, value string) (*models.Subscriber, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, ErrSubscriberNotFound
	}

	u := fmt.Sprintf("%s/api/users?filters[%s][%s]=%s", c.baseURL, field, op, url.QueryEscape(v))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	body, status, err := c.do(req, "find "+field)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrSubscriberNotFound
	}

	subs, err := decodeSubscriberList(body)
	if err != nil {
		return nil, fmt.Errorf("directory: decoding user list: %w", err)
	}
	if len(subs) == 0 {
		return nil, ErrSubscriberNotFound
	}
	return &subs[0], nil
}

// Create registers a new subscriber document.
func (c *Client) Create(ctx context.Context, sub *models.Subscriber) (*models.Subscriber, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/users", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	body, _, err := c.do(req, "create user")
	if err != nil {
		return nil, err
	}

	created, err := decodeSubscriber(body)
	if err != nil {
		return nil, fmt.Errorf("directory: decoding created user: %w", err)
	}
	return created, nil
}

// Update applies a merge patch to the subscriber with the given id. Only
// the fields present in the patch are written; assigned gateway ids are
// never overwritten with an empty value.
func (c *Client) Update(ctx context.Context, id int, patch Patch) error {
	if len(patch) == 0 {
		return nil
	}
	// Gateway ids are assign-once: an empty value in a patch would
	// downgrade a concrete id to null on the backend, so strip it.
	for _, key := range []string{"razorpayCustomerId", "razorpaySubscriptionId"} {
		if v, ok := patch[key]; ok {
			if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
				delete(patch, key)
			}
		}
	}
	if len(patch) == 0 {
		return nil
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	u := fmt.Sprintf("%s/api/users/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	_, status, err := c.do(req, "update user")
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return ErrSubscriberNotFound
	}
	return nil
}

// Patch is a partial subscriber write keyed by backend field names.
type Patch map[string]interface{}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Accept", "application/json")
}

// do executes the request and classifies transport/5xx failures as
// UpstreamError. 4xx responses are returned to the caller for
// per-operation handling.
func (c *Client) do(req *http.Request, op string) ([]byte, int, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, resp.StatusCode, &UpstreamError{Op: op, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return nil, resp.StatusCode, fmt.Errorf("directory: %s rejected: status=%d body=%s", op, resp.StatusCode, string(body))
	}
	return body, resp.StatusCode, nil
}

// The backend returns either a flat array of users or a {data:[...]}
// envelope whose entries may nest fields under "attributes", depending on
// version. Both shapes are folded into models.Subscriber here.
func decodeSubscriberList(body []byte) ([]models.Subscriber, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		var envelope struct {
			Data []json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		raw = envelope.Data
	}

	subs := make([]models.Subscriber, 0, len(raw))
	for _, entry := range raw {
		sub, err := decodeSubscriberEntry(entry)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

func decodeSubscriber(body []byte) (*models.Subscriber, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return decodeSubscriberEntry(envelope.Data)
	}
	return decodeSubscriberEntry(body)
}

func decodeSubscriberEntry(entry json.RawMessage) (*models.Subscriber, error) {
	var nested struct {
		ID         int             `json:"id"`
		Attributes json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(entry, &nested); err == nil && len(nested.Attributes) > 0 {
		var sub models.Subscriber
		if err := json.Unmarshal(nested.Attributes, &sub); err != nil {
			return nil, err
		}
		sub.ID = nested.ID
		return &sub, nil
	}

	var sub models.Subscriber
	if err := json.Unmarshal(entry, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
