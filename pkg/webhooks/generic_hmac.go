package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	genericDigestHeader    = "Apex-Receipt-Digest"
	genericEventIDHeader   = "Apex-Event-Id"
	genericEventTypeHeader = "Apex-Event-Type"
	genericScheme          = "receipt-digest/v1"
)

// genericHMACVerifier authenticates the body-digest scheme: the provider puts
// a hex HMAC-SHA256 of the raw body in Apex-Receipt-Digest and event metadata
// in plain headers. The scheme carries no timestamp, so it gives no replay
// bound; prefer the intent scheme where the provider supports it.
type genericHMACVerifier struct {
	provider string
}

// NewGenericHMACVerifier builds a body-digest verifier for the provider.
func NewGenericHMACVerifier(provider string) Verifier {
	return &genericHMACVerifier{provider: strings.TrimSpace(provider)}
}

func (v *genericHMACVerifier) Provider() string {
	return v.provider
}

func (v *genericHMACVerifier) Verify(headers http.Header, rawBody []byte, _ time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	digestHex := strings.TrimSpace(headers.Get(genericDigestHeader))
	eventType := strings.TrimSpace(headers.Get(genericEventTypeHeader))
	if eventType == "" {
		eventType = "unknown"
	}
	result := VerificationResult{
		Scheme: genericScheme,
		Details: map[string]any{
			"digest_header_present": digestHex != "",
			"digest_decodable":      false,
			"provider":              v.provider,
		},
		ProviderEventID: strings.TrimSpace(headers.Get(genericEventIDHeader)),
		EventType:       eventType,
	}
	if digestHex == "" {
		return result, nil
	}

	provided, err := hex.DecodeString(digestHex)
	if err != nil {
		return result, nil
	}
	result.Details["digest_decodable"] = true

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	result.Valid = hmac.Equal(mac.Sum(nil), provided)
	return result, nil
}
