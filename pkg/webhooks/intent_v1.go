package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	intentSignatureHeader   = "Apex-Receipt-Signature"
	intentScheme            = "intent-receipt/v1"
	defaultIntentToleranceS = 300
)

// intentV1Verifier checks the timestamped signature scheme used by
// payment-intent providers: header `t=<unix>,v1=<hex>[,v1=<hex>...]`, with
// the HMAC computed over `<timestamp>.<raw body>`. The timestamp bounds
// replay of captured callbacks.
type intentV1Verifier struct {
	provider         string
	toleranceSeconds int
}

// NewIntentV1Verifier builds a verifier with the default 300s tolerance.
func NewIntentV1Verifier(provider string) Verifier {
	return &intentV1Verifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: defaultIntentToleranceS,
	}
}

// NewIntentV1VerifierWithTolerance overrides the replay tolerance. Zero or
// negative disables the timestamp check entirely.
func NewIntentV1VerifierWithTolerance(provider string, toleranceSeconds int) Verifier {
	return &intentV1Verifier{
		provider:         strings.TrimSpace(provider),
		toleranceSeconds: toleranceSeconds,
	}
}

func (v *intentV1Verifier) Provider() string {
	return v.provider
}

func (v *intentV1Verifier) Verify(headers http.Header, rawBody []byte, receivedAt time.Time, secret string) (VerificationResult, error) {
	if strings.TrimSpace(secret) == "" {
		return VerificationResult{}, fmt.Errorf("webhook verifier secret is empty")
	}

	timestamp, signatures := parseIntentSignatureHeader(headers.Values(intentSignatureHeader))
	timestampUnix, parseErr := strconv.ParseInt(timestamp, 10, 64)
	if parseErr != nil {
		timestampUnix = 0
	}
	skew := 0
	if timestampUnix > 0 {
		skew = int(receivedAt.UTC().Unix() - timestampUnix)
		if skew < 0 {
			skew = -skew
		}
	}

	result := VerificationResult{
		Valid:  false,
		Scheme: intentScheme,
		Details: map[string]any{
			"signature_header_present": len(strings.TrimSpace(strings.Join(headers.Values(intentSignatureHeader), ","))) > 0,
			"parsed_timestamp":         timestampUnix,
			"tolerance_seconds":        v.toleranceSeconds,
			"skew_seconds":             skew,
			"v1_present":               len(signatures) > 0,
		},
		EventType: "unknown",
	}
	if !result.Details["signature_header_present"].(bool) || timestampUnix <= 0 || len(signatures) == 0 {
		return result, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	signedPayload := append([]byte(timestamp), '.')
	signedPayload = append(signedPayload, rawBody...)
	_, _ = mac.Write(signedPayload)
	expectedSig := mac.Sum(nil)

	validSig := false
	for _, sigHex := range signatures {
		decoded, err := hex.DecodeString(sigHex)
		if err != nil {
			continue
		}
		if hmac.Equal(expectedSig, decoded) {
			validSig = true
			break
		}
	}
	if !validSig {
		return result, nil
	}
	if v.toleranceSeconds > 0 && skew > v.toleranceSeconds {
		return result, nil
	}

	result.Valid = true
	var evt struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(rawBody, &evt); err == nil {
		result.ProviderEventID = strings.TrimSpace(evt.ID)
		if t := strings.TrimSpace(evt.Type); t != "" {
			result.EventType = t
		}
	}
	return result, nil
}

func parseIntentSignatureHeader(values []string) (string, []string) {
	joined := strings.TrimSpace(strings.Join(values, ","))
	if joined == "" {
		return "", nil
	}
	var t string
	v1 := make([]string, 0, 2)
	for _, part := range strings.Split(joined, ",") {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if k == "t" && t == "" {
			t = val
			continue
		}
		if k == "v1" && val != "" {
			v1 = append(v1, val)
		}
	}
	return t, v1
}
