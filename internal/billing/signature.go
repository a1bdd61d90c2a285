package billing

import (
	"fmt"
	"net/http"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
)

// Standard Webhooks headers.
const (
	HeaderWebhookID        = standardwebhooks.HeaderWebhookID
	HeaderWebhookTimestamp = standardwebhooks.HeaderWebhookTimestamp
	HeaderWebhookSignature = standardwebhooks.HeaderWebhookSignature
)

// SignatureVerifier checks Standard Webhooks signatures made with a raw
// shared secret. Timestamps more than five minutes from the local clock are
// rejected.
type SignatureVerifier struct {
	hook *standardwebhooks.Webhook
}

// NewSignatureVerifier creates a verifier for the given shared secret. The
// secret is used as is, without base64 decoding.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	// NewWebhookRaw only wraps the key and never fails.
	hook, _ := standardwebhooks.NewWebhookRaw([]byte(secret))
	return &SignatureVerifier{hook: hook}
}

// Sign returns the "v1,<sig>" signature for a message.
func (v *SignatureVerifier) Sign(id string, timestamp time.Time, payload []byte) string {
	sig, _ := v.hook.Sign(id, timestamp, payload)
	return sig
}

// Verify checks the headers against the payload and returns the webhook id.
// Failures wrap both ErrInvalidSignature and the library's reason.
func (v *SignatureVerifier) Verify(header http.Header, payload []byte) (string, error) {
	if err := v.hook.Verify(payload, header); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return header.Get(HeaderWebhookID), nil
}
