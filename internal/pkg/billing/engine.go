package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ladlebox/ladlebox/app/models"
	"github.com/ladlebox/ladlebox/internal/pkg/directory"
)

// Directory is the subscriber-directory surface the engine needs. The
// concrete implementation lives in internal/pkg/directory.
type Directory interface {
	FindByUserID(ctx context.Context, externalUserID string) (*models.Subscriber, error)
	FindByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error)
	FindBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Subscriber, error)
	Update(ctx context.Context, id int, patch directory.Patch) error
}

// Gateway is the read surface of the payment gateway used for
// authoritative re-fetches.
type Gateway interface {
	FetchSubscription(ctx context.Context, id string) (*SubscriptionSnapshot, error)
	FetchPayment(ctx context.Context, id string) (*PaymentSnapshot, error)
}

// Outcome reports what one reconciliation pass did.
type Outcome struct {
	// Applied is true when the pass wrote a patch to the directory. A
	// duplicate or stale notification yields Applied=false with no error.
	Applied bool

	// Activated is true when the pass left the subscriber entitled (pro).
	Activated bool

	Subscriber *models.Subscriber
	Tier       string

	// Reason explains a skipped write, for logging.
	Reason string
}

// Engine is the single reconciliation point for all three entry paths.
// It converges notifications onto the subscriber record; all ordering
// and idempotence policy lives here, because the directory has no
// transactions to lean on.
type Engine struct {
	dir Directory
	gw  Gateway
}

func NewEngine(dir Directory, gw Gateway) *Engine {
	return &Engine{dir: dir, gw: gw}
}

// Apply reconciles an already-verified webhook or redirect notification.
// Signature checking happens at the adapter; nothing unverified may
// reach this method.
func (e *Engine) Apply(ctx context.Context, n *Notification) (*Outcome, error) {
	if n == nil || strings.TrimSpace(n.EventType) == "" {
		return nil, errors.New("reconcile: empty notification")
	}

	// A pure error redirect carries no verified facts and must not touch
	// entitlement state.
	if n.EventType == EventRedirectError {
		return &Outcome{Applied: false, Reason: "error redirect carries no state"}, nil
	}

	sub, err := e.resolve(ctx, n)
	if err != nil {
		return nil, err
	}

	patch, activated, reason := buildEventPatch(sub, n)
	if len(patch) == 0 {
		return &Outcome{
			Applied:    false,
			Activated:  sub.Tier == models.TierPro,
			Subscriber: sub,
			Tier:       sub.Tier,
			Reason:     reason,
		}, nil
	}

	if err := e.dir.Update(ctx, sub.ID, patch); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	merged := mergePatch(sub, patch)
	return &Outcome{
		Applied:    true,
		Activated:  activated,
		Subscriber: merged,
		Tier:       merged.Tier,
	}, nil
}

// Verify handles the client-verify path and signed success redirects.
// The client's claim is never trusted: the subscription or payment is
// re-read from the gateway with service credentials, and the snapshot is
// what gets reconciled. Ownership of the gateway object by the resolved
// subscriber is enforced before any write.
func (e *Engine) Verify(ctx context.Context, n *Notification) (*Outcome, error) {
	if n == nil {
		return nil, errors.New("reconcile: empty notification")
	}
	if IsPaymentLinkID(n.SubscriptionID) {
		return e.verifyPaymentLink(ctx, n)
	}
	return e.verifySubscription(ctx, n)
}

func (e *Engine) verifySubscription(ctx context.Context, n *Notification) (*Outcome, error) {
	subID := strings.TrimSpace(n.SubscriptionID)
	if subID == "" {
		return nil, fmt.Errorf("%w: no subscription id to verify", ErrNotFound)
	}

	snap, err := e.gw.FetchSubscription(ctx, subID)
	if err != nil {
		return nil, err
	}

	// The snapshot's created_at is the object's creation time, not an
	// event time; stamping it here would make every later verify lose to
	// any webhook already applied for this subscription. Verify writes
	// stay timestampless so the next webhook always wins.
	resolved := *n
	resolved.CustomerID = firstNonEmpty(snap.CustomerID, n.CustomerID)
	resolved.PlanID = snap.PlanID
	resolved.EventAt = 0

	sub, err := e.resolve(ctx, &resolved)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sub, snap.CustomerID, n.ExternalUserID); err != nil {
		return nil, err
	}

	// Map the authoritative snapshot onto the recurring lifecycle. An
	// active, authenticated, or still-pending subscription entitles the
	// subscriber; pending is provisional and corrected by the next
	// webhook if the charge fails.
	verified := resolved
	switch strings.ToLower(strings.TrimSpace(snap.Status)) {
	case "active", "authenticated", "pending":
		verified.EventType = EventSubscriptionActivated
		verified.Status = models.SubscriptionStatusActive
	case models.SubscriptionStatusPaused:
		verified.EventType = EventSubscriptionPaused
	case models.SubscriptionStatusCancelled:
		verified.EventType = EventSubscriptionCancelled
	case models.SubscriptionStatusCompleted:
		verified.EventType = EventSubscriptionCompleted
	default:
		verified.EventType = EventSubscriptionUpdated
		verified.Status = strings.ToLower(strings.TrimSpace(snap.Status))
	}

	patch, activated, reason := buildEventPatch(sub, &verified)
	if len(patch) == 0 {
		return &Outcome{
			Applied:    false,
			Activated:  sub.Tier == models.TierPro,
			Subscriber: sub,
			Tier:       sub.Tier,
			Reason:     reason,
		}, nil
	}

	if err := e.dir.Update(ctx, sub.ID, patch); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	merged := mergePatch(sub, patch)
	return &Outcome{
		Applied:    true,
		Activated:  activated,
		Subscriber: merged,
		Tier:       merged.Tier,
	}, nil
}

func (e *Engine) verifyPaymentLink(ctx context.Context, n *Notification) (*Outcome, error) {
	payID := strings.TrimSpace(n.PaymentID)
	if payID == "" {
		return nil, fmt.Errorf("%w: payment-link verify requires a payment id", ErrNotFound)
	}

	snap, err := e.gw.FetchPayment(ctx, payID)
	if err != nil {
		return nil, err
	}

	resolved := *n
	resolved.CustomerID = firstNonEmpty(snap.CustomerID, n.CustomerID)

	sub, err := e.resolve(ctx, &resolved)
	if err != nil {
		return nil, err
	}
	if err := checkOwnership(sub, snap.CustomerID, n.ExternalUserID); err != nil {
		return nil, err
	}

	status := strings.ToLower(strings.TrimSpace(snap.Status))
	if status != models.PaymentStatusCaptured {
		return &Outcome{
			Applied:    false,
			Activated:  sub.Tier == models.TierPro,
			Subscriber: sub,
			Tier:       sub.Tier,
			Reason:     "payment not captured: " + status,
		}, nil
	}

	// One-off purchase: the grant is direct, no recurring lifecycle. The
	// stored subscription status stays informational.
	patch := directory.Patch{
		"subscriptionTier":      models.TierPro,
		"razorpayPaymentStatus": models.PaymentStatusCaptured,
	}
	if sub.CustomerID == "" && snap.CustomerID != "" {
		patch["razorpayCustomerId"] = snap.CustomerID
	}

	if err := e.dir.Update(ctx, sub.ID, patch); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	merged := mergePatch(sub, patch)
	return &Outcome{
		Applied:    true,
		Activated:  true,
		Subscriber: merged,
		Tier:       models.TierPro,
	}, nil
}

// resolve anchors a notification to a subscriber record: customer id
// first, then subscription id, then the authenticated caller. A
// notification with no anchor is discarded, never turned into a new
// record.
func (e *Engine) resolve(ctx context.Context, n *Notification) (*models.Subscriber, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*models.Subscriber, error)
	}{
		{n.CustomerID, e.dir.FindByCustomerID},
		{n.SubscriptionID, e.dir.FindBySubscriptionID},
		{n.ExternalUserID, e.dir.FindByUserID},
	}

	for _, l := range lookups {
		key := strings.TrimSpace(l.key)
		if key == "" || IsPaymentLinkID(key) {
			continue
		}
		sub, err := l.find(ctx, key)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, directory.ErrSubscriberNotFound) {
			var upstream *directory.UpstreamError
			if errors.As(err, &upstream) {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			}
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: event=%s subscription=%s customer=%s",
		ErrUnresolvedSubscriber, n.EventType, n.SubscriptionID, n.CustomerID)
}

// checkOwnership rejects a verified notification whose gateway customer
// does not match the resolved subscriber. Signature validity alone does
// not authorize applying someone else's notification.
func checkOwnership(sub *models.Subscriber, snapshotCustomerID, callerUserID string) error {
	stored := strings.TrimSpace(sub.CustomerID)
	claimed := strings.TrimSpace(snapshotCustomerID)
	if stored != "" && claimed != "" && stored != claimed {
		return fmt.Errorf("%w: customer %s does not belong to subscriber %d", ErrOwnershipMismatch, claimed, sub.ID)
	}
	caller := strings.TrimSpace(callerUserID)
	if caller != "" && sub.ExternalUserID != "" && caller != sub.ExternalUserID {
		return fmt.Errorf("%w: caller %s is not subscriber %d", ErrOwnershipMismatch, caller, sub.ID)
	}
	return nil
}

// buildEventPatch computes the merge patch for one event against the
// current record. An empty patch means the event is a duplicate, stale,
// or blocked by the terminal-state rule; the returned reason says which.
func buildEventPatch(sub *models.Subscriber, n *Notification) (directory.Patch, bool, string) {
	sameSubscription := n.SubscriptionID != "" && n.SubscriptionID == sub.SubscriptionID

	// Terminal states are sticky per subscription id. Only a brand-new
	// subscription object re-enters the lifecycle.
	if sameSubscription && models.IsTerminalStatus(sub.SubscriptionStatus) {
		if isLifecycleEvent(n.EventType) && !isTerminalEvent(n.EventType) {
			return nil, false, "terminal state is sticky for " + sub.SubscriptionID
		}
	}

	// Gateway delivery is unordered; the stored event timestamp makes
	// staleness decidable when both sides carry one.
	if sameSubscription && n.EventAt > 0 && sub.EventAt > 0 && n.EventAt < sub.EventAt {
		return nil, false, fmt.Sprintf("stale event: %d < %d", n.EventAt, sub.EventAt)
	}

	patch := directory.Patch{}
	targetStatus := ""
	targetTier := ""
	activated := false

	switch n.EventType {
	case EventPaymentAuthorized:
		// Transitional: the stored payment status only knows captured and
		// failed, and one of those follows. Id linkage below still applies.

	case EventPaymentCaptured:
		if sub.PaymentStatus != models.PaymentStatusCaptured {
			patch["razorpayPaymentStatus"] = models.PaymentStatusCaptured
		}
		// A captured one-off payment-link purchase grants the tier
		// directly; recurring activation waits for subscription.*.
		if IsPaymentLinkID(n.SubscriptionID) {
			targetTier = models.TierPro
			activated = true
		}

	case EventPaymentFailed:
		if sub.PaymentStatus != models.PaymentStatusFailed {
			patch["razorpayPaymentStatus"] = models.PaymentStatusFailed
		}
		targetTier = models.TierFree

	case EventSubscriptionAuthenticated:
		switch sub.SubscriptionStatus {
		case models.SubscriptionStatusNone, models.SubscriptionStatusCreated:
			targetStatus = models.SubscriptionStatusAuthenticated
		default:
			return nil, false, "authenticated does not regress " + sub.SubscriptionStatus
		}

	case EventSubscriptionActivated, EventSubscriptionCharged, EventSubscriptionResumed, EventRedirectSuccess:
		targetStatus = models.SubscriptionStatusActive
		targetTier = models.TierPro
		activated = true

	case EventSubscriptionPaused:
		targetStatus = models.SubscriptionStatusPaused
		targetTier = models.TierFree

	case EventSubscriptionCancelled:
		targetStatus = models.SubscriptionStatusCancelled
		targetTier = models.TierFree

	case EventSubscriptionCompleted:
		targetStatus = models.SubscriptionStatusCompleted
		targetTier = models.TierFree

	case EventSubscriptionUpdated:
		// Informational only: mirror the plan and raw status, leave the
		// tier alone.
		if n.PlanID != "" && n.PlanID != sub.PlanID {
			patch["razorpayPlanId"] = n.PlanID
		}
		if st := strings.TrimSpace(n.Status); st != "" && st != sub.SubscriptionStatus {
			patch["razorpaySubscriptionStatus"] = st
		}

	default:
		log.Printf("[Billing] ignoring unhandled event type %s", n.EventType)
		return nil, false, "unhandled event type " + n.EventType
	}

	if targetStatus != "" && targetStatus != sub.SubscriptionStatus {
		patch["razorpaySubscriptionStatus"] = targetStatus
	}
	if targetTier != "" && targetTier != sub.Tier {
		patch["subscriptionTier"] = targetTier
	}
	if n.SubscriptionID != "" && !IsPaymentLinkID(n.SubscriptionID) && n.SubscriptionID != sub.SubscriptionID {
		patch["razorpaySubscriptionId"] = n.SubscriptionID
	}
	if n.CustomerID != "" && sub.CustomerID == "" {
		patch["razorpayCustomerId"] = n.CustomerID
	}
	if n.PlanID != "" && n.PlanID != sub.PlanID {
		patch["razorpayPlanId"] = n.PlanID
	}
	if len(patch) > 0 && n.EventAt > 0 && n.EventAt != sub.EventAt {
		patch["razorpayEventAt"] = n.EventAt
	}

	if len(patch) == 0 {
		return nil, activated, "already applied"
	}
	return patch, activated || (targetTier == "" && sub.Tier == models.TierPro), ""
}

func isLifecycleEvent(eventType string) bool {
	switch eventType {
	case EventSubscriptionAuthenticated, EventSubscriptionActivated,
		EventSubscriptionCharged, EventSubscriptionResumed,
		EventSubscriptionPaused, EventRedirectSuccess:
		return true
	default:
		return false
	}
}

func isTerminalEvent(eventType string) bool {
	return eventType == EventSubscriptionCancelled || eventType == EventSubscriptionCompleted
}

// mergePatch projects a patch onto a copy of the record, giving callers
// the post-write view without a second directory round trip.
func mergePatch(sub *models.Subscriber, patch directory.Patch) *models.Subscriber {
	merged := *sub
	for key, value := range patch {
		s, _ := value.(string)
		switch key {
		case "subscriptionTier":
			merged.Tier = s
		case "razorpayCustomerId":
			merged.CustomerID = s
		case "razorpaySubscriptionId":
			merged.SubscriptionID = s
		case "razorpaySubscriptionStatus":
			merged.SubscriptionStatus = s
		case "razorpayPaymentStatus":
			merged.PaymentStatus = s
		case "razorpayPlanId":
			merged.PlanID = s
		case "razorpayEventAt":
			if at, ok := value.(int64); ok {
				merged.EventAt = at
			}
		}
	}
	return &merged
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
