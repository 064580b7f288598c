package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
)

// DefaultPaymentWindow is how old an on-chain transfer may be and still
// settle a job. Older transfers fail with code 3003.
const DefaultPaymentWindow = 15 * time.Minute

// Transfer is a chain reader's view of one token transfer.
type Transfer struct {
	TxHash        string
	Token         string
	From          string
	To            string
	AmountMinor   int64
	Confirmations int
	Timestamp     time.Time
	Succeeded     bool
}

// ChainReader resolves transfers from chain state. Implementations wrap an
// RPC node or indexer; the gateway never talks to a chain directly.
type ChainReader interface {
	TransferByHash(ctx context.Context, network Network, txHash string) (Transfer, error)
}

// OnChainConfig configures the on-chain rail.
type OnChainConfig struct {
	Reader        ChainReader
	PaymentWindow time.Duration
	Now           func() time.Time
	Logger        logging.Logger
}

// OnChain settles against direct token transfers: the buyer pays the seller's
// address and submits the transaction hash as proof. Lock only reserves the
// job's settlement slot locally; funds move on chain.
type OnChain struct {
	cfg    OnChainConfig
	ledger *ledger
}

// NewOnChain builds the on-chain rail.
func NewOnChain(cfg OnChainConfig) *OnChain {
	if cfg.PaymentWindow <= 0 {
		cfg.PaymentWindow = DefaultPaymentWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp()
	}
	return &OnChain{cfg: cfg, ledger: newLedger(cfg.Now)}
}

func (g *OnChain) Rail() string { return RailOnChain }

func (g *OnChain) Lock(_ context.Context, jobID string, amount money.Amount, recipient string) (Record, error) {
	return g.ledger.lock(RailOnChain, jobID, amount, strings.ToLower(recipient))
}

// Verify resolves the proof's transaction and checks it against the job's
// expectation: right network, right token for the currency, exact amount,
// right recipient, enough confirmations, and recent enough.
func (g *OnChain) Verify(ctx context.Context, proof Proof, want Expectation) (Record, error) {
	if strings.TrimSpace(proof.Reference) == "" {
		return Record{}, apexerr.New(apexerr.CodePaymentInvalid, "missing transaction hash")
	}
	network, err := LookupNetwork(proof.Network)
	if err != nil {
		return Record{}, err
	}
	token, err := network.TokenAddress(want.Amount.Currency)
	if err != nil {
		return Record{}, err
	}

	transfer, err := g.cfg.Reader.TransferByHash(ctx, network, proof.Reference)
	if err != nil {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"transaction %s not found on %s: %v", proof.Reference, network.Name, err)
	}
	if !transfer.Succeeded {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"transaction %s reverted", proof.Reference)
	}
	if !strings.EqualFold(transfer.Token, token) {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"transaction %s moved token %s, expected %s", proof.Reference, transfer.Token, token)
	}
	if transfer.Confirmations < network.MinConfirmations {
		return Record{}, apexerr.Newf(apexerr.CodePaymentInvalid,
			"transaction %s has %d confirmations, need %d",
			proof.Reference, transfer.Confirmations, network.MinConfirmations)
	}
	if g.cfg.Now().UTC().Sub(transfer.Timestamp.UTC()) > g.cfg.PaymentWindow {
		return Record{}, apexerr.Newf(apexerr.CodePaymentExpired,
			"transaction %s is older than the payment window", proof.Reference)
	}

	paid := money.Amount{Currency: want.Amount.Currency, Minor: transfer.AmountMinor}
	if err := checkExpectation(paid, transfer.To, want); err != nil {
		return Record{}, err
	}

	rec, err := g.ledger.lock(RailOnChain, proof.JobID, paid, transfer.TxHash)
	if err != nil {
		return Record{}, err
	}
	g.cfg.Logger.Info("onchain settlement verified",
		"job_id", proof.JobID,
		"network", network.Name,
		"tx_hash", transfer.TxHash,
		"amount", paid.String())
	return rec, nil
}

func (g *OnChain) Release(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusReleased)
}

func (g *OnChain) Refund(_ context.Context, jobID string) (Record, error) {
	return g.ledger.transition(jobID, StatusRefunded)
}
