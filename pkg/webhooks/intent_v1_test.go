package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func signIntent(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", timestamp)))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestIntentV1Verifier_ValidSignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	now := time.Unix(1700000000, 0)

	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s", now.Unix(), signIntent(secret, now.Unix(), body)))

	v := NewIntentV1Verifier("stripe")
	got, err := v.Verify(headers, body, now, secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid signature, details=%v", got.Details)
	}
	if got.ProviderEventID != "evt_1" || got.EventType != "payment_intent.succeeded" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestIntentV1Verifier_StaleTimestamp(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	signedAt := time.Unix(1700000000, 0)
	receivedAt := signedAt.Add(301 * time.Second)

	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s", signedAt.Unix(), signIntent(secret, signedAt.Unix(), body)))

	v := NewIntentV1Verifier("stripe")
	got, err := v.Verify(headers, body, receivedAt, secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected stale timestamp to be rejected")
	}
}

func TestIntentV1Verifier_ToleranceDisabled(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	signedAt := time.Unix(1700000000, 0)
	receivedAt := signedAt.Add(24 * time.Hour)

	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s", signedAt.Unix(), signIntent(secret, signedAt.Unix(), body)))

	v := NewIntentV1VerifierWithTolerance("stripe", 0)
	got, err := v.Verify(headers, body, receivedAt, secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid with tolerance disabled")
	}
}

func TestIntentV1Verifier_WrongSecret(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s", now.Unix(), signIntent("other-secret", now.Unix(), body)))

	v := NewIntentV1Verifier("stripe")
	got, err := v.Verify(headers, body, now, "whsec_test")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected signature from wrong secret to be rejected")
	}
}

func TestIntentV1Verifier_MissingHeader(t *testing.T) {
	v := NewIntentV1Verifier("stripe")
	got, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(1700000000, 0), "whsec_test")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected missing header to be rejected")
	}
	if present, _ := got.Details["signature_header_present"].(bool); present {
		t.Fatalf("expected signature_header_present=false")
	}
}

func TestIntentV1Verifier_SecondV1SignatureAccepted(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1"}`)
	now := time.Unix(1700000000, 0)

	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(),
			hex.EncodeToString([]byte("rotated-out")),
			signIntent(secret, now.Unix(), body)))

	v := NewIntentV1Verifier("stripe")
	got, err := v.Verify(headers, body, now, secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected second v1 signature to validate during key rotation")
	}
}

func TestIntentV1Verifier_EmptySecret(t *testing.T) {
	v := NewIntentV1Verifier("stripe")
	if _, err := v.Verify(http.Header{}, nil, time.Now(), "  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
