// Package webhooks verifies provider callbacks carrying payment receipts for
// intent-based settlement rails. A receipt is only trusted after its HMAC
// signature checks out against the shared provider secret.
package webhooks

import (
	"net/http"
	"time"
)

// VerificationResult reports the outcome of checking one callback. Details
// carries scheme-specific diagnostics for audit logging; it never contains
// the secret or the raw signature.
type VerificationResult struct {
	Valid           bool           `json:"valid"`
	Scheme          string         `json:"scheme"`
	Details         map[string]any `json:"details"`
	ProviderEventID string         `json:"provider_event_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
}

// Verifier authenticates raw provider callbacks. Implementations must treat
// rawBody as untrusted input and never parse it before the signature passes.
type Verifier interface {
	Provider() string
	Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error)
}
