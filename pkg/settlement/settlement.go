// Package settlement defines the value-transfer contract that gates job
// execution: funds are locked, verified, and only then may work begin;
// completed work releases the lock, failed work refunds it. Rails are
// pluggable; the engine only speaks the Gateway interface.
package settlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/money"
)

// Rail names recognized by the registry.
const (
	RailOnChain = "onchain"
	RailIntent  = "intent"
	RailMock    = "mock"
)

// Status of a job's settlement record.
type Status string

const (
	StatusNone     Status = "none"
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusDisputed Status = "disputed"
)

// Proof is the buyer's claim that payment happened, interpreted by the rail
// named in Rail. Reference is rail-specific: a transaction hash on chain, a
// payment-intent id for intent rails.
type Proof struct {
	JobID     string        `json:"job_id"`
	Rail      string        `json:"rail"`
	Reference string        `json:"reference"`
	Network   string        `json:"network,omitempty"`
	Amount    *money.Amount `json:"amount,omitempty"`
	From      string        `json:"from,omitempty"`
	To        string        `json:"to,omitempty"`
}

// Expectation is what the seller requires a proof to demonstrate. Amounts
// compare exactly: an overpaying proof is rejected the same as an
// underpaying one, so a buyer can never bind an unintended amount to a job.
type Expectation struct {
	Amount    money.Amount
	Recipient string
}

// Record is a gateway's durable view of one job's settlement.
type Record struct {
	JobID     string       `json:"job_id"`
	Rail      string       `json:"rail"`
	Status    Status       `json:"status"`
	Amount    money.Amount `json:"amount"`
	Reference string       `json:"reference,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Gateway is the settlement contract a payment rail must satisfy. Lock is
// idempotent per job: a second lock with identical parameters returns the
// existing record rather than double-reserving; different parameters fail.
type Gateway interface {
	Rail() string
	Lock(ctx context.Context, jobID string, amount money.Amount, recipient string) (Record, error)
	Verify(ctx context.Context, proof Proof, want Expectation) (Record, error)
	Release(ctx context.Context, jobID string) (Record, error)
	Refund(ctx context.Context, jobID string) (Record, error)
}

// Registry routes by rail name. Unknown rails surface code 3006.
type Registry struct {
	mu    sync.RWMutex
	rails map[string]Gateway
}

// NewRegistry builds a registry over the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{rails: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.rails[g.Rail()] = g
	}
	return r
}

// Get resolves a rail by name.
func (r *Registry) Get(rail string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.rails[strings.TrimSpace(rail)]
	if !ok {
		return nil, apexerr.Newf(apexerr.CodeUnsupportedRail, "unsupported payment rail %q", rail)
	}
	return g, nil
}

// Rails lists the registered rail names.
func (r *Registry) Rails() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rails))
	for name := range r.rails {
		names = append(names, name)
	}
	return names
}

// ledger is the shared per-job lock bookkeeping embedded by every rail.
type ledger struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func newLedger(now func() time.Time) *ledger {
	if now == nil {
		now = time.Now
	}
	return &ledger{records: make(map[string]Record), now: now}
}

// lock reserves funds for a job. Re-locking with the same amount and
// reference is a no-op returning the existing record.
func (l *ledger) lock(rail, jobID string, amount money.Amount, reference string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[jobID]; ok {
		if existing.Status != StatusLocked {
			return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
				"job %s already settled with status %s", jobID, existing.Status)
		}
		if !existing.Amount.Equal(amount) || existing.Reference != reference {
			return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
				"job %s already locked with different parameters", jobID)
		}
		return existing, nil
	}

	rec := Record{
		JobID:     jobID,
		Rail:      rail,
		Status:    StatusLocked,
		Amount:    amount,
		Reference: reference,
		UpdatedAt: l.now().UTC(),
	}
	l.records[jobID] = rec
	return rec, nil
}

// transition moves a locked record to a terminal status.
func (l *ledger) transition(jobID string, to Status) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[jobID]
	if !ok {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid, "no settlement record for job %s", jobID)
	}
	if rec.Status == to {
		return rec, nil
	}
	if rec.Status != StatusLocked {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"job %s settlement is %s, cannot move to %s", jobID, rec.Status, to)
	}
	rec.Status = to
	rec.UpdatedAt = l.now().UTC()
	l.records[jobID] = rec
	return rec, nil
}

// checkExpectation applies the shared proof-versus-expectation rules.
func checkExpectation(paid money.Amount, recipient string, want Expectation) error {
	if paid.Currency != want.Amount.Currency {
		return apexerr.Newf(apexerr.CodeUnsupportedCurrency,
			"paid in %s, expected %s", paid.Currency, want.Amount.Currency)
	}
	if paid.LT(want.Amount) {
		return apexerr.Newf(apexerr.CodeInsufficientAmount,
			"paid %s, required %s", paid, want.Amount).WithData(map[string]any{
			"paid":     paid.String(),
			"required": want.Amount.String(),
		})
	}
	if !paid.Equal(want.Amount) {
		return apexerr.Newf(apexerr.CodePaymentInvalid,
			"paid %s does not match agreed %s", paid, want.Amount)
	}
	if !strings.EqualFold(strings.TrimSpace(recipient), strings.TrimSpace(want.Recipient)) {
		return apexerr.Newf(apexerr.CodeWrongRecipient,
			"payment recipient %s is not the seller", recipient)
	}
	return nil
}
