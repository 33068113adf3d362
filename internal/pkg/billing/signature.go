package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyWebhookSignature checks the gateway's whole-body webhook signature:
// hex(HMAC-SHA256(raw body, webhook secret)). A missing secret is a
// configuration fault, never a pass.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) (bool, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return false, ErrMisconfiguredTrustBoundary
	}
	return verifyHexHMAC(payload, signatureHeader, secret), nil
}

// VerifyCallbackSignature checks the redirect-callback signature for
// recurring subscriptions. The signed message is "paymentID|subscriptionID"
// keyed with the API key secret.
func VerifyCallbackSignature(paymentID, subscriptionID, signatureParam, keySecret string) (bool, error) {
	secret := strings.TrimSpace(keySecret)
	if secret == "" {
		return false, ErrMisconfiguredTrustBoundary
	}
	message := strings.TrimSpace(paymentID) + "|" + strings.TrimSpace(subscriptionID)
	return verifyHexHMAC([]byte(message), signatureParam, secret), nil
}

// VerifyPaymentLinkSignature checks the redirect-callback signature for
// one-off payment links, whose canonical message is
// "linkID|referenceID|linkStatus|paymentID".
func VerifyPaymentLinkSignature(linkID, referenceID, linkStatus, paymentID, signatureParam, keySecret string) (bool, error) {
	secret := strings.TrimSpace(keySecret)
	if secret == "" {
		return false, ErrMisconfiguredTrustBoundary
	}
	message := strings.Join([]string{
		strings.TrimSpace(linkID),
		strings.TrimSpace(referenceID),
		strings.TrimSpace(linkStatus),
		strings.TrimSpace(paymentID),
	}, "|")
	return verifyHexHMAC([]byte(message), signatureParam, secret), nil
}

func verifyHexHMAC(message []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), decoded)
}
