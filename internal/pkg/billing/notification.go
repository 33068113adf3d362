package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// NotificationKind identifies which entry point produced a notification.
type NotificationKind string

const (
	KindWebhookEvent     NotificationKind = "webhook-event"
	KindRedirectCallback NotificationKind = "redirect-callback"
	KindClientVerify     NotificationKind = "client-verify"
)

// Gateway event types, plus the pseudo-events synthesized by the redirect
// and client-verify paths.
const (
	EventPaymentAuthorized         = "payment.authorized"
	EventPaymentCaptured           = "payment.captured"
	EventPaymentFailed             = "payment.failed"
	EventSubscriptionAuthenticated = "subscription.authenticated"
	EventSubscriptionActivated     = "subscription.activated"
	EventSubscriptionPaused        = "subscription.paused"
	EventSubscriptionResumed       = "subscription.resumed"
	EventSubscriptionCharged       = "subscription.charged"
	EventSubscriptionCancelled     = "subscription.cancelled"
	EventSubscriptionCompleted     = "subscription.completed"
	EventSubscriptionUpdated       = "subscription.updated"

	EventRedirectSuccess = "redirect.success"
	EventRedirectError   = "redirect.error"
	EventClientVerify    = "client.verify.request"
)

// Notification is the ephemeral value object for one inbound signal. It is
// never persisted; it exists only for the duration of one reconciliation
// pass.
type Notification struct {
	Kind      NotificationKind
	EventType string

	RawPayload []byte

	SubscriptionID string
	PaymentID      string
	CustomerID     string
	PlanID         string
	Status         string

	// EventAt is the gateway's own created_at for webhook events, unix
	// seconds. Zero for paths that carry no timestamp.
	EventAt int64

	// ExternalUserID anchors client-verify notifications to the
	// authenticated caller.
	ExternalUserID string

	ErrorCode        string
	ErrorDescription string
}

// IsPaymentLinkID reports whether an id belongs to the one-off payment-link
// object space rather than the recurring subscription space.
func IsPaymentLinkID(id string) bool {
	return strings.HasPrefix(strings.TrimSpace(id), "plink_")
}

type webhookEntity struct {
	ID             string `json:"id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	PlanID         string `json:"plan_id"`
	Status         string `json:"status"`
}

// ParseWebhookNotification extracts a Notification from a raw gateway
// webhook body. The envelope is {event, created_at, payload:{payment:
// {entity:{...}}, subscription:{entity:{...}}}}; payment fields win where
// both entities are present.
func ParseWebhookNotification(body []byte) (*Notification, error) {
	var raw struct {
		Event     string `json:"event"`
		CreatedAt int64  `json:"created_at"`
		Payload   struct {
			Payment struct {
				Entity webhookEntity `json:"entity"`
			} `json:"payment"`
			Subscription struct {
				Entity webhookEntity `json:"entity"`
			} `json:"subscription"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing webhook payload: %w", err)
	}
	if strings.TrimSpace(raw.Event) == "" {
		return nil, errors.New("webhook payload missing event type")
	}

	n := &Notification{
		Kind:       KindWebhookEvent,
		EventType:  strings.TrimSpace(raw.Event),
		RawPayload: body,
		EventAt:    raw.CreatedAt,
	}

	pay := raw.Payload.Payment.Entity
	sub := raw.Payload.Subscription.Entity

	if strings.HasPrefix(n.EventType, "payment.") {
		n.PaymentID = strings.TrimSpace(pay.ID)
		n.CustomerID = strings.TrimSpace(pay.CustomerID)
		n.SubscriptionID = strings.TrimSpace(pay.SubscriptionID)
		n.Status = strings.TrimSpace(pay.Status)
		// payment.* events for subscriptions also carry the subscription
		// entity; use it to fill gaps.
		if n.SubscriptionID == "" {
			n.SubscriptionID = strings.TrimSpace(sub.ID)
		}
		if n.CustomerID == "" {
			n.CustomerID = strings.TrimSpace(sub.CustomerID)
		}
		return n, nil
	}

	n.SubscriptionID = strings.TrimSpace(sub.ID)
	n.CustomerID = strings.TrimSpace(sub.CustomerID)
	n.PlanID = strings.TrimSpace(sub.PlanID)
	n.Status = strings.TrimSpace(sub.Status)
	return n, nil
}
