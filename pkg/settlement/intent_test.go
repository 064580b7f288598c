package settlement

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/webhooks"
)

const intentSecret = "whsec_test"

func receiptBody(t *testing.T, intentID string, amountMinor int64, recipient string, capturedAt time.Time) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"intent_id":    intentID,
			"amount_minor": amountMinor,
			"currency":     "USDC",
			"recipient":    recipient,
			"captured_at":  capturedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		t.Fatalf("marshal receipt: %v", err)
	}
	return body
}

func signedHeaders(body []byte, at time.Time) http.Header {
	mac := hmac.New(sha256.New, []byte(intentSecret))
	fmt.Fprintf(mac, "%d.", at.Unix())
	mac.Write(body)
	h := http.Header{}
	h.Set("Apex-Receipt-Signature",
		fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil))))
	return h
}

func newIntentRail(now time.Time) *Intent {
	return NewIntent(IntentConfig{
		Verifier: webhooks.NewIntentV1Verifier("stripe"),
		Secret:   intentSecret,
		Now:      func() time.Time { return now },
	})
}

func TestIntentCallbackThenVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newIntentRail(now)

	body := receiptBody(t, "pi_123", 50_000_000, "acct_seller", now.Add(-time.Minute))
	intentID, err := g.HandleCallback(signedHeaders(body, now), body, now)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if intentID != "pi_123" {
		t.Fatalf("intent id = %q, want pi_123", intentID)
	}

	rec, err := g.Verify(context.Background(),
		Proof{JobID: "job-1", Rail: RailIntent, Reference: "pi_123"},
		Expectation{Amount: usdc(t, "50.00"), Recipient: "acct_seller"})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Status != StatusLocked {
		t.Fatalf("status = %s, want locked", rec.Status)
	}
}

func TestIntentCallbackRejectsBadSignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newIntentRail(now)

	body := receiptBody(t, "pi_123", 50_000_000, "acct_seller", now)
	headers := http.Header{}
	headers.Set("Apex-Receipt-Signature", fmt.Sprintf("t=%d,v1=deadbeef", now.Unix()))

	if _, err := g.HandleCallback(headers, body, now); !apexerr.IsCode(err, apexerr.CodePaymentInvalid) {
		t.Fatalf("err = %v, want code 3002", err)
	}
	// The unsigned receipt must not be queryable.
	if _, err := g.Verify(context.Background(),
		Proof{JobID: "job-1", Reference: "pi_123"},
		Expectation{Amount: usdc(t, "50.00"), Recipient: "acct_seller"}); !apexerr.IsCode(err, apexerr.CodePaymentInvalid) {
		t.Fatalf("verify err = %v, want code 3002", err)
	}
}

func TestIntentCallbackRejectsWrongEventType(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newIntentRail(now)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt_2",
		"type": "payment_intent.created",
		"data": map[string]any{"intent_id": "pi_9", "amount_minor": 1},
	})
	if _, err := g.HandleCallback(signedHeaders(body, now), body, now); !apexerr.IsCode(err, apexerr.CodePaymentInvalid) {
		t.Fatalf("err = %v, want code 3002", err)
	}
}

func TestIntentVerifyExpiredReceipt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newIntentRail(now)

	body := receiptBody(t, "pi_old", 50_000_000, "acct_seller", now.Add(-16*time.Minute))
	if _, err := g.HandleCallback(signedHeaders(body, now), body, now); err != nil {
		t.Fatalf("callback: %v", err)
	}
	_, err := g.Verify(context.Background(),
		Proof{JobID: "job-1", Reference: "pi_old"},
		Expectation{Amount: usdc(t, "50.00"), Recipient: "acct_seller"})
	if !apexerr.IsCode(err, apexerr.CodePaymentExpired) {
		t.Fatalf("err = %v, want code 3003", err)
	}
}

func TestIntentVerifyAmountMismatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newIntentRail(now)

	body := receiptBody(t, "pi_low", 40_000_000, "acct_seller", now)
	if _, err := g.HandleCallback(signedHeaders(body, now), body, now); err != nil {
		t.Fatalf("callback: %v", err)
	}
	_, err := g.Verify(context.Background(),
		Proof{JobID: "job-1", Reference: "pi_low"},
		Expectation{Amount: usdc(t, "50.00"), Recipient: "acct_seller"})
	if !apexerr.IsCode(err, apexerr.CodeInsufficientAmount) {
		t.Fatalf("err = %v, want code 3004", err)
	}
}
