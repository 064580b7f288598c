package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"
	"time"
)

func digestBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGenericHMACVerifier_ValidDigest(t *testing.T) {
	secret := "topsecret"
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("Apex-Receipt-Digest", digestBody(secret, body))
	headers.Set("Apex-Event-Id", "evt_123")
	headers.Set("Apex-Event-Type", "payment_intent.succeeded")

	v := NewGenericHMACVerifier("apexpay")
	got, err := v.Verify(headers, body, time.Unix(0, 0), secret)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if !got.Valid {
		t.Fatalf("expected valid digest")
	}
	if got.Scheme != "receipt-digest/v1" {
		t.Fatalf("unexpected scheme: %s", got.Scheme)
	}
	if got.ProviderEventID != "evt_123" || got.EventType != "payment_intent.succeeded" {
		t.Fatalf("unexpected event metadata: %#v", got)
	}
}

func TestGenericHMACVerifier_InvalidDigest(t *testing.T) {
	body := []byte(`{"ok":true}`)
	headers := http.Header{}
	headers.Set("Apex-Receipt-Digest", hex.EncodeToString([]byte("wrong-sig")))

	v := NewGenericHMACVerifier("apexpay")
	got, err := v.Verify(headers, body, time.Unix(0, 0), "topsecret")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid digest")
	}
}

func TestGenericHMACVerifier_MissingDigest(t *testing.T) {
	v := NewGenericHMACVerifier("apexpay")
	got, err := v.Verify(http.Header{}, []byte(`{"ok":true}`), time.Unix(0, 0), "topsecret")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid when digest header missing")
	}
	if present, _ := got.Details["digest_header_present"].(bool); present {
		t.Fatalf("expected digest_header_present=false")
	}
}

func TestGenericHMACVerifier_BadHex(t *testing.T) {
	headers := http.Header{}
	headers.Set("Apex-Receipt-Digest", "zzzz")

	v := NewGenericHMACVerifier("apexpay")
	got, err := v.Verify(headers, []byte(`{"ok":true}`), time.Unix(0, 0), "topsecret")
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got.Valid {
		t.Fatalf("expected invalid for undecodable digest")
	}
	if decodable, _ := got.Details["digest_decodable"].(bool); decodable {
		t.Fatalf("expected digest_decodable=false")
	}
}

func TestGenericHMACVerifier_EmptySecret(t *testing.T) {
	v := NewGenericHMACVerifier("apexpay")
	if _, err := v.Verify(http.Header{}, []byte(`{}`), time.Unix(0, 0), "  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
