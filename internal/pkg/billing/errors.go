package billing

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the entitlement flow. Adapters translate these to
// HTTP statuses at the boundary; nothing below an adapter writes state
// once one of the rejecting errors has been raised.
var (
	// ErrUntrustedNotification means a signature did not match. No
	// mutation, no retry on our side.
	ErrUntrustedNotification = errors.New("untrusted notification")

	// ErrMisconfiguredTrustBoundary means a signing secret or base URL is
	// absent. Fatal for the request; must never silently pass.
	ErrMisconfiguredTrustBoundary = errors.New("misconfigured trust boundary")

	// ErrOwnershipMismatch means the authenticated caller does not own the
	// claimed gateway object.
	ErrOwnershipMismatch = errors.New("ownership mismatch")

	// ErrUpstreamUnavailable means the gateway or content backend could
	// not be reached after bounded retries.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound means the referenced gateway object does not exist.
	ErrNotFound = errors.New("gateway object not found")

	// ErrUnresolvedSubscriber means no subscriber record anchors the
	// notification. Logged and discarded by the caller.
	ErrUnresolvedSubscriber = errors.New("unresolved subscriber")
)

// GatewayError carries the numeric status class of a gateway rejection
// alongside the upstream error body for logging. The body is never
// relayed verbatim to a browser.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s failed: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

// Is maps gateway status classes onto the taxonomy sentinels.
func (e *GatewayError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUpstreamUnavailable:
		return e.StatusCode >= 500 || e.StatusCode == 0
	default:
		return false
	}
}

// HTTPStatus maps a taxonomy error to the response status an adapter
// should emit.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUntrustedNotification):
		return http.StatusUnauthorized
	case errors.Is(err, ErrOwnershipMismatch):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrMisconfiguredTrustBoundary):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
