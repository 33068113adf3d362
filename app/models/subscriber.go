package models

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

// Entitlement tiers.
const (
	TierFree = "free"
	TierPro  = "pro"
)

// Subscription lifecycle statuses as mirrored from the payment gateway.
const (
	SubscriptionStatusNone          = ""
	SubscriptionStatusCreated       = "created"
	SubscriptionStatusAuthenticated = "authenticated"
	SubscriptionStatusActive        = "active"
	SubscriptionStatusPaused        = "paused"
	SubscriptionStatusCancelled     = "cancelled"
	SubscriptionStatusCompleted     = "completed"
)

// Last-payment statuses.
const (
	PaymentStatusNone     = ""
	PaymentStatusCaptured = "captured"
	PaymentStatusFailed   = "failed"
)

// Subscriber is this system's record of one user's entitlement and billing
// linkage, stored as a user document in the content backend. The JSON tags
// are the backend's field names.
type Subscriber struct {
	ID                 int    `json:"id"`
	ExternalUserID     string `json:"externalUserId" validate:"required"`
	Username           string `json:"username"`
	Email              string `json:"email" validate:"omitempty,email"`
	Tier               string `json:"subscriptionTier" validate:"omitempty,oneof=free pro"`
	CustomerID         string `json:"razorpayCustomerId"`
	SubscriptionID     string `json:"razorpaySubscriptionId"`
	SubscriptionStatus string `json:"razorpaySubscriptionStatus"`
	PaymentStatus      string `json:"razorpayPaymentStatus"`
	PlanID             string `json:"razorpayPlanId"`
	// EventAt is the gateway timestamp (unix seconds) of the last applied
	// status-changing event for SubscriptionID. Zero when the last write
	// came from a path that carries no gateway timestamp.
	EventAt int64 `json:"razorpayEventAt"`
}

func (s *Subscriber) Validate() error {
	v := validator.New()

	return v.Struct(s)
}

// IsTerminalStatus reports whether no further lifecycle transition applies
// to the subscription id currently stored.
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case SubscriptionStatusCancelled, SubscriptionStatusCompleted:
		return true
	default:
		return false
	}
}

// TierForStatus derives the entitlement tier from a subscription status.
func TierForStatus(status string) string {
	if strings.ToLower(strings.TrimSpace(status)) == SubscriptionStatusActive {
		return TierPro
	}
	return TierFree
}
