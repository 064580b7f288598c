package settlement

import (
	"context"
	"fmt"
	"strings"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/money"
)

// mockReferencePrefix marks proofs meant for the mock rail so a stray mock
// proof can never be mistaken for a real one.
const mockReferencePrefix = "mock:"

// Mock is the testing rail: it accepts any well-formed proof whose declared
// amount and recipient match the expectation. It must never be registered in
// a production build; NewMock refuses to construct unless explicitly allowed.
type Mock struct {
	ledger *ledger
}

// NewMock builds the mock rail. allow is the production safety latch, wired
// from configuration that defaults to false.
func NewMock(allow bool) (*Mock, error) {
	if !allow {
		return nil, fmt.Errorf("settlement: mock rail is disabled; enable it explicitly for tests only")
	}
	return &Mock{ledger: newLedger(nil)}, nil
}

func (g *Mock) Rail() string { return RailMock }

func (g *Mock) Lock(_ context.Context, jobID string, amount money.Amount, recipient string) (Record, error) {
	return g.ledger.lock(RailMock, jobID, amount, recipient)
}

func (g *Mock) Verify(_ context.Context, proof Proof, want Expectation) (Record, error) {
	if !strings.HasPrefix(proof.Reference, mockReferencePrefix) {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"reference %q is not a mock payment", proof.Reference)
	}
	if proof.Amount == nil {
		return Record{}, apexerr.New(apexerr.CodePaymentInvalid, "mock proof missing amount")
	}
	if err := checkExpectation(*proof.Amount, proof.To, want); err != nil {
		return Record{}, err
	}
	return g.ledger.lock(RailMock, proof.JobID, *proof.Amount, proof.Reference)
}

func (g *Mock) Release(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusReleased)
}

func (g *Mock) Refund(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusRefunded)
}
