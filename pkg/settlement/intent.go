package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/webhooks"
)

// DefaultReceiptTTL bounds how long a verified receipt can back a proof.
const DefaultReceiptTTL = 15 * time.Minute

// Receipt is a provider's confirmation that a payment intent was captured.
// Receipts arrive over signed webhooks and are held until the buyer's accept
// references them by intent id.
type Receipt struct {
	IntentID    string    `json:"intent_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Recipient   string    `json:"recipient"`
	CapturedAt  time.Time `json:"captured_at"`
}

type receiptEvent struct {
	ID   string  `json:"id"`
	Type string  `json:"type"`
	Data Receipt `json:"data"`
}

// IntentConfig configures the intent rail.
type IntentConfig struct {
	Verifier   webhooks.Verifier
	Secret     string
	ReceiptTTL time.Duration
	Now        func() time.Time
	Logger     logging.Logger
}

// Intent settles against provider-captured payment intents. The provider
// posts a signed receipt webhook when funds are captured; Verify then matches
// the buyer's proof (the intent id) against the stored receipt.
type Intent struct {
	cfg    IntentConfig
	ledger *ledger

	mu       sync.Mutex
	receipts map[string]Receipt
}

// NewIntent builds the intent rail.
func NewIntent(cfg IntentConfig) *Intent {
	if cfg.ReceiptTTL <= 0 {
		cfg.ReceiptTTL = DefaultReceiptTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp()
	}
	return &Intent{
		cfg:      cfg,
		ledger:   newLedger(cfg.Now),
		receipts: make(map[string]Receipt),
	}
}

func (g *Intent) Rail() string { return RailIntent }

// HandleCallback ingests one provider webhook. The body is only parsed after
// the signature verifies. Returns the receipt's intent id on success.
func (g *Intent) HandleCallback(headers http.Header, rawBody []byte, receivedAt time.Time) (string, error) {
	result, err := g.cfg.Verifier.Verify(headers, rawBody, receivedAt, g.cfg.Secret)
	if err != nil {
		return "", err
	}
	if !result.Valid {
		return "", apexerr.New(apexerr.CodePaymentInvalid, "receipt signature verification failed")
	}

	var evt receiptEvent
	if err := json.Unmarshal(rawBody, &evt); err != nil {
		return "", apexerr.New(apexerr.CodePaymentInvalid, "malformed receipt payload")
	}
	if evt.Type != "payment_intent.succeeded" {
		return "", apexerr.Newf(apexerr.CodePaymentInvalid, "unexpected receipt event type %q", evt.Type)
	}
	if strings.TrimSpace(evt.Data.IntentID) == "" || evt.Data.AmountMinor <= 0 {
		return "", apexerr.New(apexerr.CodePaymentInvalid, "receipt missing intent id or amount")
	}

	g.mu.Lock()
	g.receipts[evt.Data.IntentID] = evt.Data
	g.mu.Unlock()

	g.cfg.Logger.Info("payment receipt stored",
		"provider", g.cfg.Verifier.Provider(),
		"intent_id", evt.Data.IntentID,
		"event_id", result.ProviderEventID)
	return evt.Data.IntentID, nil
}

func (g *Intent) Lock(_ context.Context, jobID string, amount money.Amount, recipient string) (Record, error) {
	return g.ledger.lock(RailIntent, jobID, amount, recipient)
}

// Verify matches the proof's intent id against a stored receipt. A receipt
// older than the configured TTL fails with code 3003.
func (g *Intent) Verify(_ context.Context, proof Proof, want Expectation) (Record, error) {
	intentID := strings.TrimSpace(proof.Reference)
	if intentID == "" {
		return Record{}, apexerr.New(apexerr.CodePaymentInvalid, "missing payment intent id")
	}

	g.mu.Lock()
	receipt, ok := g.receipts[intentID]
	g.mu.Unlock()
	if !ok {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"no captured receipt for intent %s", intentID)
	}
	if g.cfg.Now().UTC().Sub(receipt.CapturedAt.UTC()) > g.cfg.ReceiptTTL {
		return Record{}, apexerr.Newf(apexerr.CodePaymentExpired,
			"receipt for intent %s is older than the payment window", intentID)
	}

	paid := money.Amount{Currency: strings.ToUpper(receipt.Currency), Minor: receipt.AmountMinor}
	if err := checkExpectation(paid, receipt.Recipient, want); err != nil {
		return Record{}, err
	}
	return g.ledger.lock(RailIntent, proof.JobID, paid, intentID)
}

func (g *Intent) Release(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusReleased)
}

func (g *Intent) Refund(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusRefunded)
}
