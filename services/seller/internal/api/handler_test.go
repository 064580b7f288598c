package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/client"
	"github.com/apexprotocol/apex-go/pkg/estimate"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/negotiation"
	"github.com/apexprotocol/apex-go/pkg/pricing"
	"github.com/apexprotocol/apex-go/pkg/settlement"
	"github.com/apexprotocol/apex-go/pkg/transcript"
	"github.com/apexprotocol/apex-go/pkg/webhooks"
)

const (
	testSeller = "0xSellerOperator"
	testSecret = "whsec_handler_test"
)

func newTestServer(t *testing.T) (*httptest.Server, *settlement.Intent) {
	t.Helper()
	return newTestServerWith(t, webhooks.NewIntentV1Verifier("testprovider"))
}

func newTestServerWith(t *testing.T, verifier webhooks.Verifier) (*httptest.Server, *settlement.Intent) {
	t.Helper()

	capabilities := map[string]negotiation.Capability{
		"echo": {
			Name:               "echo",
			Pricing:            negotiation.PricingConfig{Mode: negotiation.PricingFixed, Fixed: money.MustParse("USD", "5.00")},
			ImmediateExecution: true,
		},
		"translate": {
			Name: "translate",
			Pricing: negotiation.PricingConfig{
				Mode:      negotiation.PricingNegotiated,
				Target:    money.MustParse("USD", "50.00"),
				Minimum:   money.MustParse("USD", "25.00"),
				MaxRounds: 5,
			},
			RequirePrepayment: true,
		},
	}

	intent := settlement.NewIntent(settlement.IntentConfig{
		Verifier: verifier,
		Secret:   testSecret,
	})
	mock, err := settlement.NewMock(true)
	if err != nil {
		t.Fatalf("mock rail: %v", err)
	}
	estimates := estimate.NewStore()

	engine, err := negotiation.NewEngine(negotiation.Config{
		Capabilities: capabilities,
		Strategy:     pricing.NewCurve(pricing.RiskBalanced),
		Settlements:  settlement.NewRegistry(mock, intent),
		Transcript:   transcript.NewLedger(nil),
		Estimates:    estimates,
		Executor: negotiation.ExecutorFunc(func(_ context.Context, job negotiation.Snapshot) (string, error) {
			return "ok: " + job.Input, nil
		}),
		SellerAddress: testSeller,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	h := NewHandler(Config{
		Engine:       engine,
		Estimator:    estimate.NewEstimator(estimates, nil, nil),
		Capabilities: capabilities,
		Intent:       intent,
	})
	r := chi.NewRouter()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, intent
}

func TestDispatchFixedPriceFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(srv.URL)
	ctx := context.Background()

	res, err := c.Propose(ctx, negotiation.ProposeRequest{
		Capability: "echo",
		Input:      "hello",
		Offer:      money.MustParse("USD", "5.00"),
		Rail:       settlement.RailMock,
	})
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	if res.State != negotiation.StateCompleted {
		t.Fatalf("Propose() state = %q", res.State)
	}
	if res.Output != "ok: hello" {
		t.Fatalf("Propose() output = %q", res.Output)
	}

	snap, err := c.Status(ctx, res.JobID)
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if snap.State != negotiation.StateCompleted {
		t.Fatalf("Status() state = %q", snap.State)
	}
}

func TestDispatchErrorsCarryProtocolCodes(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(srv.URL)
	ctx := context.Background()

	_, err := c.Propose(ctx, negotiation.ProposeRequest{
		Capability: "echo",
		Offer:      money.MustParse("USD", "1.00"),
		Rail:       settlement.RailMock,
	})
	if apexerr.CodeOf(err) != apexerr.CodeOfferTooLow {
		t.Fatalf("lowball error = %v, want code %d", err, apexerr.CodeOfferTooLow)
	}

	_, err = c.Status(ctx, "job_nope")
	if apexerr.CodeOf(err) != apexerr.CodeInvalidJobID {
		t.Fatalf("status error = %v, want code %d", err, apexerr.CodeInvalidJobID)
	}
}

func TestDispatchEstimate(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(srv.URL)

	est, err := c.Estimate(context.Background(), "translate", "a short paragraph")
	if err != nil {
		t.Fatalf("Estimate() error: %v", err)
	}
	if est.ID == "" || !est.Amount.Equal(money.MustParse("USD", "50.00")) {
		t.Fatalf("Estimate() = %+v", est)
	}

	_, err = c.Estimate(context.Background(), "alchemy", "")
	if apexerr.CodeOf(err) != apexerr.CodeUnknownCapability {
		t.Fatalf("unknown capability error = %v", err)
	}
}

func TestReceiptWebhookFundsJob(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.New(srv.URL)
	ctx := context.Background()

	// Negotiate up to an agreed price on the intent rail.
	res, err := c.Propose(ctx, negotiation.ProposeRequest{
		Capability: "translate",
		Input:      "bonjour",
		Offer:      money.MustParse("USD", "50.00"),
		Rail:       settlement.RailIntent,
	})
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}
	if res.State != negotiation.StateAccepted {
		t.Fatalf("Propose() state = %q", res.State)
	}

	// Provider posts the signed capture receipt.
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"intent_id":    "pi_42",
			"amount_minor": 5000,
			"currency":     "USD",
			"recipient":    testSeller,
			"captured_at":  time.Now().UTC().Format(time.RFC3339),
		},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/receipts", bytes.NewReader(body))
	req.Header.Set("Apex-Receipt-Signature", signReceipt(body, testSecret))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	// The buyer's accept references the captured intent.
	final, err := c.Accept(ctx, negotiation.AcceptRequest{
		JobID: res.JobID,
		Proof: &settlement.Proof{Rail: settlement.RailIntent, Reference: "pi_42"},
	})
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if final.State != negotiation.StateCompleted {
		t.Fatalf("Accept() state = %q", final.State)
	}
	if final.Output != "ok: bonjour" {
		t.Fatalf("Accept() output = %q", final.Output)
	}
}

func TestReceiptWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)

	body := []byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{"intent_id":"pi_43","amount_minor":100,"currency":"USD","recipient":"x"}}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/receipts", bytes.NewReader(body))
	req.Header.Set("Apex-Receipt-Signature", signReceipt(body, "wrong-secret"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("webhook status = %d, want 401", resp.StatusCode)
	}
}

func TestReceiptWebhookGenericScheme(t *testing.T) {
	srv, _ := newTestServerWith(t, webhooks.NewGenericHMACVerifier("testprovider"))
	c := client.New(srv.URL)
	ctx := context.Background()

	res, err := c.Propose(ctx, negotiation.ProposeRequest{
		Capability: "translate",
		Input:      "hola",
		Offer:      money.MustParse("USD", "50.00"),
		Rail:       settlement.RailIntent,
	})
	if err != nil {
		t.Fatalf("Propose() error: %v", err)
	}

	// Provider signs only the raw body, metadata rides in headers.
	body, _ := json.Marshal(map[string]any{
		"id":   "evt_7",
		"type": "payment_intent.succeeded",
		"data": map[string]any{
			"intent_id":    "pi_77",
			"amount_minor": 5000,
			"currency":     "USD",
			"recipient":    testSeller,
			"captured_at":  time.Now().UTC().Format(time.RFC3339),
		},
	})
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/receipts", bytes.NewReader(body))
	req.Header.Set("Apex-Receipt-Digest", hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Apex-Event-Id", "evt_7")
	req.Header.Set("Apex-Event-Type", "payment_intent.succeeded")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	final, err := c.Accept(ctx, negotiation.AcceptRequest{
		JobID: res.JobID,
		Proof: &settlement.Proof{Rail: settlement.RailIntent, Reference: "pi_77"},
	})
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if final.State != negotiation.StateCompleted {
		t.Fatalf("Accept() state = %q", final.State)
	}

	// An intent-style timestamped header is meaningless to this scheme.
	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/receipts", bytes.NewReader(body))
	req2.Header.Set("Apex-Receipt-Signature", signReceipt(body, testSecret))
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatalf("webhook POST: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("webhook status = %d, want 401", resp2.StatusCode)
	}
}

func signReceipt(body []byte, secret string) string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
