// Package negotiation implements the job lifecycle state machine at the
// heart of the protocol: it accepts inbound propose/counter/accept/reject
// messages, consults the pluggable pricing strategy, enforces bounds, round
// budgets, and deadlines, and gates execution behind verified settlement.
// Every state transition is appended to the job's hash-chained transcript
// before it is considered durable.
package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/estimate"
	"github.com/apexprotocol/apex-go/pkg/identity"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/pricing"
	"github.com/apexprotocol/apex-go/pkg/settlement"
	"github.com/apexprotocol/apex-go/pkg/transcript"
)

// Default deadlines, set per phase when a job enters it.
const (
	DefaultNegotiationTTL = 300 * time.Second
	DefaultPaymentTTL     = 300 * time.Second
)

// DefaultTerminalRetention is how long finished jobs stay queryable before
// the sweeper drops them and their transcripts from memory.
const DefaultTerminalRetention = time.Hour

// Executor runs the actual work once a job may execute. It is external to
// the protocol core; the engine only sequences when it is invoked.
type Executor interface {
	Execute(ctx context.Context, job Snapshot) (output string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Snapshot) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Snapshot) (string, error) {
	return f(ctx, job)
}

// Config wires the engine's collaborators. Capabilities, Strategy,
// Settlements, and Transcript are required; the rest default sensibly.
type Config struct {
	Capabilities map[string]Capability
	Strategy     pricing.Strategy
	Settlements  *settlement.Registry
	Transcript   *transcript.Ledger
	Estimates    *estimate.Store
	Identity     *identity.Verifier
	Executor     Executor

	// SellerAddress is the settlement recipient proofs must pay.
	SellerAddress string

	NegotiationTTL time.Duration
	PaymentTTL     time.Duration

	// TerminalRetention bounds how long terminal jobs are kept in memory.
	// Within the window a finished job still answers Status and blocks id
	// reuse; after it the sweeper forgets the job entirely.
	TerminalRetention time.Duration

	Now    func() time.Time
	Logger logging.Logger

	// OnTransition observes every durable state change, e.g. to archive
	// jobs and transcripts. Called outside the per-job lock.
	OnTransition func(Snapshot)
}

// Engine is the negotiation state machine. Operations on different jobs run
// fully in parallel; operations on the same job are serialized by a per-job
// lock. Slow settlement and execution calls release that lock and mark the
// job busy instead, so one funding job never stalls the rest.
type Engine struct {
	cfg Config

	mu   sync.RWMutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	mu  sync.Mutex
	job job
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if len(cfg.Capabilities) == 0 {
		return nil, fmt.Errorf("negotiation: no capabilities configured")
	}
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("negotiation: pricing strategy is required")
	}
	if cfg.Settlements == nil {
		return nil, fmt.Errorf("negotiation: settlement registry is required")
	}
	if cfg.Transcript == nil {
		return nil, fmt.Errorf("negotiation: transcript ledger is required")
	}
	if cfg.NegotiationTTL <= 0 {
		cfg.NegotiationTTL = DefaultNegotiationTTL
	}
	if cfg.PaymentTTL <= 0 {
		cfg.PaymentTTL = DefaultPaymentTTL
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp()
	}
	return &Engine{cfg: cfg, jobs: make(map[string]*jobEntry)}, nil
}

// ProposeRequest opens a negotiation.
type ProposeRequest struct {
	JobID      string             `json:"job_id,omitempty"`
	Capability string             `json:"capability"`
	Input      string             `json:"input,omitempty"`
	Offer      money.Amount       `json:"offer"`
	EstimateID string             `json:"estimate_id,omitempty"`
	Rail       string             `json:"rail"`
	Buyer      string             `json:"buyer,omitempty"`
	Signature  *identity.Envelope `json:"signature,omitempty"`
}

// CounterRequest continues a negotiation. Round is the buyer's view of the
// round this counter belongs to and must match the engine's tracking.
type CounterRequest struct {
	JobID     string             `json:"job_id"`
	Offer     money.Amount       `json:"offer"`
	Round     int                `json:"round"`
	Buyer     string             `json:"buyer,omitempty"`
	Signature *identity.Envelope `json:"signature,omitempty"`
}

// AcceptRequest closes on the seller's last price, optionally carrying
// payment proof.
type AcceptRequest struct {
	JobID     string             `json:"job_id"`
	Terms     *money.Amount      `json:"terms,omitempty"`
	Proof     *settlement.Proof  `json:"payment_proof,omitempty"`
	Buyer     string             `json:"buyer,omitempty"`
	Signature *identity.Envelope `json:"signature,omitempty"`
}

// Result is the engine's answer to a protocol message.
type Result struct {
	JobID          string        `json:"job_id"`
	State          State         `json:"state"`
	Round          int           `json:"round"`
	Price          *money.Amount `json:"price,omitempty"`
	Output         string        `json:"output,omitempty"`
	TranscriptHead string        `json:"transcript_head,omitempty"`
}

// Propose opens a job. The job id must be fresh; bounds come from a consumed
// estimate when given, otherwise from the capability's pricing config.
func (e *Engine) Propose(ctx context.Context, req ProposeRequest) (Result, error) {
	cap, ok := e.cfg.Capabilities[req.Capability]
	if !ok {
		return Result{}, apexerr.Newf(apexerr.CodeUnknownCapability, "unknown capability %q", req.Capability)
	}
	if !money.Supported(req.Offer.Currency) {
		return Result{}, apexerr.Newf(apexerr.CodeUnsupportedCurrency, "unsupported currency %q", req.Offer.Currency)
	}
	if _, err := e.cfg.Settlements.Get(req.Rail); err != nil {
		return Result{}, err
	}
	if err := e.checkSignature(cap, req.JobID, req.Buyer, req.Offer, req.Signature, req.signingPayload()); err != nil {
		return Result{}, err
	}
	// A fixed price is met or the proposal fails outright; no job state is
	// created for a lowball against a non-negotiable capability.
	if cap.Pricing.Mode == PricingFixed && req.EstimateID == "" {
		if cap.Pricing.Fixed.Currency != req.Offer.Currency {
			return Result{}, apexerr.Newf(apexerr.CodeUnsupportedCurrency,
				"capability %q is priced in %s", cap.Name, cap.Pricing.Fixed.Currency)
		}
		if req.Offer.LT(cap.Pricing.Fixed) {
			return Result{}, apexerr.Newf(apexerr.CodeOfferTooLow,
				"capability %q costs %s", cap.Name, cap.Pricing.Fixed).WithData(map[string]any{
				"required": cap.Pricing.Fixed.Decimal(),
				"currency": cap.Pricing.Fixed.Currency,
			})
		}
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = "job_" + uuid.NewString()
	}

	// Reserve the id before any slow work so concurrent proposals with the
	// same id race on the map, not on half-built jobs.
	entry := &jobEntry{}
	e.mu.Lock()
	if _, exists := e.jobs[jobID]; exists {
		e.mu.Unlock()
		return Result{}, apexerr.Newf(apexerr.CodeInvalidJobID, "job id %q already exists", jobID)
	}
	e.jobs[jobID] = entry
	e.mu.Unlock()

	entry.mu.Lock()

	now := e.cfg.Now().UTC()
	entry.job = job{
		ID:         jobID,
		Capability: req.Capability,
		Buyer:      req.Buyer,
		Input:      req.Input,
		State:      StatePending,
		MaxRounds:  cap.Pricing.MaxRounds,
		Negotiable: cap.Pricing.Mode == PricingNegotiated,
		Rail:       req.Rail,
		Deadline:   now.Add(e.cfg.NegotiationTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.bindBounds(entry, cap, req); err != nil {
		entry.mu.Unlock()
		e.dropJob(jobID)
		return Result{}, err
	}

	if err := e.applyOffer(entry, transcript.PartyBuyer, transcript.ActionOffer, req.Offer); err != nil {
		entry.mu.Unlock()
		e.dropJob(jobID)
		return Result{}, err
	}
	e.setState(entry, StateProposed, nil, "")

	if !entry.job.Negotiable {
		// Returns with the entry lock released.
		return e.evaluateFixed(ctx, entry, cap, req.Offer)
	}
	res, err := e.evaluateNegotiated(ctx, entry, req.Offer)
	entry.mu.Unlock()
	return res, err
}

// Counter advances a negotiation by one buyer offer. Valid only from
// NEGOTIATING with the expected round number.
func (e *Engine) Counter(ctx context.Context, req CounterRequest) (Result, error) {
	entry, err := e.entry(req.JobID)
	if err != nil {
		return Result{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	j := &entry.job
	if err := e.expireIfPastDeadline(entry); err != nil {
		return Result{}, err
	}
	if j.busy || j.State != StateNegotiating {
		return Result{}, apexerr.Newf(apexerr.CodeInvalidState, "counter is not valid for job %s", req.JobID)
	}
	cap := e.cfg.Capabilities[j.Capability]
	if err := e.checkSignature(cap, j.ID, req.Buyer, req.Offer, req.Signature, req.signingPayload()); err != nil {
		return Result{}, err
	}
	if req.Round != j.Round+1 {
		return Result{}, apexerr.Newf(apexerr.CodeRoundMismatch,
			"expected round %d, got %d", j.Round+1, req.Round)
	}
	if req.Round > j.MaxRounds {
		e.appendEntry(entry, transcript.PartySystem, transcript.ActionReject, nil, "max rounds exceeded")
		e.setState(entry, StateRejected, nil, "")
		return Result{}, apexerr.Newf(apexerr.CodeMaxRoundsExceeded,
			"negotiation exhausted after %d rounds", j.MaxRounds)
	}

	if err := e.applyOffer(entry, transcript.PartyBuyer, transcript.ActionCounter, req.Offer); err != nil {
		return Result{}, err
	}
	return e.evaluateNegotiated(ctx, entry, req.Offer)
}

// Accept closes the negotiation on the seller's last price. When the seller
// requires prepayment the request must carry a verifiable proof; the job
// does not move at all on a missing or failed proof.
func (e *Engine) Accept(ctx context.Context, req AcceptRequest) (Result, error) {
	entry, err := e.entry(req.JobID)
	if err != nil {
		return Result{}, err
	}

	entry.mu.Lock()

	j := &entry.job
	if err := e.expireIfPastDeadline(entry); err != nil {
		entry.mu.Unlock()
		return Result{}, err
	}
	if j.busy || (j.State != StateNegotiating && j.State != StateAccepted) {
		entry.mu.Unlock()
		return Result{}, apexerr.Newf(apexerr.CodeInvalidState, "accept is not valid for job %s", req.JobID)
	}

	agreed := j.AgreedPrice
	if j.State == StateNegotiating {
		if j.OfferParty != transcript.PartySeller {
			// The buyer would be accepting its own standing offer, which the
			// strategy already declined.
			entry.mu.Unlock()
			return Result{}, apexerr.Newf(apexerr.CodeInvalidState, "no seller price to accept for job %s", req.JobID)
		}
		agreed = j.CurrentOffer
	}
	if req.Terms != nil && !req.Terms.Equal(agreed) {
		entry.mu.Unlock()
		return Result{}, apexerr.Newf(apexerr.CodeInvalidState,
			"terms %s do not match the agreed price", req.Terms)
	}

	cap := e.cfg.Capabilities[j.Capability]
	if err := e.checkSignature(cap, j.ID, req.Buyer, agreed, req.Signature, req.signingPayload()); err != nil {
		entry.mu.Unlock()
		return Result{}, err
	}

	if cap.RequirePrepayment && req.Proof == nil {
		entry.mu.Unlock()
		return Result{}, apexerr.New(apexerr.CodePaymentRequired, "payment proof required before execution")
	}

	if j.State == StateNegotiating {
		j.AgreedPrice = agreed
		e.appendEntry(entry, transcript.PartyBuyer, transcript.ActionAccept, &agreed, "")
		e.setState(entry, StateAccepted, nil, "")
		j.Deadline = e.cfg.Now().UTC().Add(e.cfg.PaymentTTL)
	}

	if req.Proof == nil {
		if cap.ImmediateExecution && e.cfg.Executor != nil {
			// Returns with the entry lock released.
			return e.execute(ctx, entry, nil)
		}
		res := e.result(entry, &entry.job.AgreedPrice)
		entry.mu.Unlock()
		return res, nil
	}
	return e.fund(ctx, entry, *req.Proof)
}

// Reject cancels a job on behalf of either party. The reason lands in the
// transcript as metadata only; it is never evaluated. Rejecting an
// already-terminal job is a no-op success.
func (e *Engine) Reject(_ context.Context, jobID string, party transcript.Party, reason string) (Result, error) {
	entry, err := e.entry(jobID)
	if err != nil {
		return Result{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	j := &entry.job
	if j.State.Terminal() {
		return e.result(entry, nil), nil
	}
	if j.busy {
		return Result{}, apexerr.Newf(apexerr.CodeInvalidState, "job %s is settling", jobID)
	}
	e.appendEntry(entry, party, transcript.ActionReject, nil, reason)
	e.setState(entry, StateRejected, nil, "")
	return e.result(entry, nil), nil
}

// Status reports a job without mutating it.
func (e *Engine) Status(jobID string) (Snapshot, error) {
	entry, err := e.entry(jobID)
	if err != nil {
		return Snapshot{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return e.snapshot(entry), nil
}

// VerifyTranscript recomputes a job's transcript hash chain.
func (e *Engine) VerifyTranscript(jobID string) (bool, error) {
	if _, err := e.entry(jobID); err != nil {
		return false, err
	}
	return e.cfg.Transcript.VerifyChain(jobID)
}

// expireIfPastDeadline expires a live job whose deadline has already passed,
// so a late message never advances a dead negotiation between sweeps. Called
// with the entry lock held.
func (e *Engine) expireIfPastDeadline(entry *jobEntry) error {
	j := &entry.job
	if j.busy || j.State.Terminal() {
		return nil
	}
	if !e.cfg.Now().UTC().After(j.Deadline) {
		return nil
	}
	e.setState(entry, StateExpired, nil, "deadline passed")
	return apexerr.Newf(apexerr.CodeExpired, "job %s expired at %s",
		j.ID, j.Deadline.Format(time.RFC3339))
}

// SweepExpired transitions every job past its deadline to EXPIRED and
// reports how many moved. Jobs mid-settlement are skipped; their deadline is
// re-checked on the next sweep. Terminal jobs past the retention window are
// dropped along with their transcripts.
func (e *Engine) SweepExpired() int {
	e.mu.RLock()
	entries := make([]*jobEntry, 0, len(e.jobs))
	for _, entry := range e.jobs {
		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	now := e.cfg.Now().UTC()
	expired := 0
	var forget []string
	for _, entry := range entries {
		entry.mu.Lock()
		j := &entry.job
		switch {
		case !j.busy && !j.State.Terminal() && now.After(j.Deadline):
			e.setState(entry, StateExpired, nil, "deadline passed")
			expired++
		case j.State.Terminal() && now.Sub(j.UpdatedAt) > e.cfg.TerminalRetention:
			forget = append(forget, j.ID)
		}
		entry.mu.Unlock()
	}

	if len(forget) > 0 {
		e.mu.Lock()
		for _, id := range forget {
			delete(e.jobs, id)
		}
		e.mu.Unlock()
		for _, id := range forget {
			e.cfg.Transcript.Drop(id)
		}
		e.cfg.Logger.Info("terminal jobs forgotten", "count", len(forget))
	}
	if expired > 0 {
		e.cfg.Logger.Info("expired jobs swept", "count", expired)
	}
	return expired
}

// RunSweeper sweeps on the given interval until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepExpired()
		}
	}
}

// bindBounds resolves the job's bounds from an estimate or the capability's
// static pricing. The estimate is consumed (one-time) on success.
func (e *Engine) bindBounds(entry *jobEntry, cap Capability, req ProposeRequest) error {
	j := &entry.job
	if req.EstimateID != "" {
		if !j.Negotiable {
			return apexerr.Newf(apexerr.CodeNotNegotiable,
				"capability %q has a fixed price and takes no estimates", cap.Name)
		}
		if e.cfg.Estimates == nil {
			return apexerr.New(apexerr.CodeEstimateInvalid, "estimates are not enabled")
		}
		bounds, err := e.cfg.Estimates.Consume(req.EstimateID)
		if err != nil {
			return err
		}
		if bounds.Currency != req.Offer.Currency {
			return apexerr.Newf(apexerr.CodeUnsupportedCurrency,
				"estimate is in %s, offer in %s", bounds.Currency, req.Offer.Currency)
		}
		j.Target = bounds.Target
		j.Minimum = bounds.Minimum
		return nil
	}

	switch cap.Pricing.Mode {
	case PricingFixed:
		if cap.Pricing.Fixed.Currency != req.Offer.Currency {
			return apexerr.Newf(apexerr.CodeUnsupportedCurrency,
				"capability %q is priced in %s", cap.Name, cap.Pricing.Fixed.Currency)
		}
		j.Target = cap.Pricing.Fixed
		j.Minimum = cap.Pricing.Fixed
	case PricingNegotiated:
		if cap.Pricing.Target.Currency != req.Offer.Currency {
			return apexerr.Newf(apexerr.CodeUnsupportedCurrency,
				"capability %q is priced in %s", cap.Name, cap.Pricing.Target.Currency)
		}
		j.Target = cap.Pricing.Target
		j.Minimum = cap.Pricing.Minimum
	default:
		return apexerr.Newf(apexerr.CodeNotNegotiable, "capability %q has no pricing mode", cap.Name)
	}
	return nil
}

// evaluateFixed accepts a fixed-price proposal that met the price; the
// lowball case was rejected before the job existed. Called with the entry
// lock held; returns with it released.
func (e *Engine) evaluateFixed(ctx context.Context, entry *jobEntry, cap Capability, offer money.Amount) (Result, error) {
	j := &entry.job
	j.AgreedPrice = offer
	e.appendEntry(entry, transcript.PartySeller, transcript.ActionAccept, &offer, "")
	e.setState(entry, StateAccepted, nil, "")
	j.Deadline = e.cfg.Now().UTC().Add(e.cfg.PaymentTTL)

	if !cap.RequirePrepayment && cap.ImmediateExecution && e.cfg.Executor != nil {
		return e.execute(ctx, entry, nil)
	}
	res := e.result(entry, &j.AgreedPrice)
	entry.mu.Unlock()
	return res, nil
}

// evaluateNegotiated runs the strategy against the buyer's offer and applies
// its decision. Called with the entry lock held and the offer already on the
// transcript.
func (e *Engine) evaluateNegotiated(ctx context.Context, entry *jobEntry, offer money.Amount) (Result, error) {
	j := &entry.job
	j.Round++

	decision, err := e.cfg.Strategy.Decide(ctx, pricing.State{
		Capability: j.Capability,
		Round:      j.Round,
		MaxRounds:  j.MaxRounds,
		Offer:      offer,
		Target:     j.Target,
		Minimum:    j.Minimum,
		History:    append([]pricing.PastOffer(nil), j.History...),
	})
	if err != nil {
		return Result{}, apexerr.Newf(apexerr.CodeEstimationFailed, "pricing strategy failed: %v", err)
	}

	switch decision.Action {
	case pricing.ActionAccept:
		if decision.Price.LT(j.Minimum) {
			// A strategy bug must not breach the floor.
			decision.Action = pricing.ActionReject
			break
		}
		j.AgreedPrice = decision.Price
		e.appendEntry(entry, transcript.PartySeller, transcript.ActionAccept, &decision.Price, decision.Reason)
		e.setState(entry, StateAccepted, nil, "")
		j.Deadline = e.cfg.Now().UTC().Add(e.cfg.PaymentTTL)
		return e.result(entry, &j.AgreedPrice), nil

	case pricing.ActionCounter:
		if err := e.applyOffer(entry, transcript.PartySeller, transcript.ActionCounter, decision.Price); err != nil {
			return Result{}, err
		}
		e.setState(entry, StateNegotiating, nil, "")
		price := decision.Price
		return e.result(entry, &price), nil
	}

	e.appendEntry(entry, transcript.PartySeller, transcript.ActionReject, nil, decision.Reason)
	e.setState(entry, StateRejected, nil, "")
	return Result{}, apexerr.New(apexerr.CodeOfferRejected, "offer rejected")
}

// fund verifies payment and runs the executor. The slow settlement call is
// awaited outside the per-job lock; the busy flag keeps the job serialized
// meanwhile.
func (e *Engine) fund(ctx context.Context, entry *jobEntry, proof settlement.Proof) (Result, error) {
	j := &entry.job
	gateway, err := e.cfg.Settlements.Get(j.Rail)
	if err != nil {
		entry.mu.Unlock()
		return Result{}, err
	}
	if proof.Rail != "" && proof.Rail != j.Rail {
		entry.mu.Unlock()
		return Result{}, apexerr.Newf(apexerr.CodeRailImmutable,
			"job %s settles on rail %q", j.ID, j.Rail)
	}
	proof.JobID = j.ID
	want := settlement.Expectation{Amount: j.AgreedPrice, Recipient: e.cfg.SellerAddress}

	j.busy = true
	entry.mu.Unlock()

	record, verifyErr := gateway.Verify(ctx, proof, want)

	entry.mu.Lock()
	j.busy = false
	if j.State != StateAccepted {
		// Expired or rejected while verification was in flight; any
		// verified funds stay locked for out-of-band resolution.
		entry.mu.Unlock()
		return Result{}, apexerr.Newf(apexerr.CodeInvalidState,
			"job %s left ACCEPTED during settlement", j.ID)
	}
	if verifyErr != nil {
		entry.mu.Unlock()
		return Result{}, verifyErr
	}

	e.setState(entry, StateFunded, nil, "payment verified: "+record.Reference)
	e.cfg.Logger.Info("job funded",
		"job_id", j.ID,
		"rail", j.Rail,
		"amount", j.AgreedPrice.String(),
		"reference", record.Reference)

	if e.cfg.Executor == nil {
		res := e.result(entry, &j.AgreedPrice)
		entry.mu.Unlock()
		return res, nil
	}
	return e.execute(ctx, entry, gateway)
}

// execute drives the job through EXECUTING to a terminal state. gateway is
// non-nil only when settlement funds are locked; the lock is released on
// success and refunded on failure. Called with the entry lock held; returns
// with it released.
func (e *Engine) execute(ctx context.Context, entry *jobEntry, gateway settlement.Gateway) (Result, error) {
	j := &entry.job
	e.setState(entry, StateExecuting, nil, "")
	snap := e.snapshot(entry)

	j.busy = true
	entry.mu.Unlock()

	output, execErr := e.cfg.Executor.Execute(ctx, snap)

	entry.mu.Lock()
	defer entry.mu.Unlock()
	j.busy = false

	if execErr != nil {
		e.setState(entry, StateFailed, nil, execErr.Error())
		if gateway != nil {
			if _, refundErr := gateway.Refund(ctx, j.ID); refundErr == nil {
				e.setState(entry, StateRefunded, nil, "refund issued")
			} else {
				e.cfg.Logger.Error("refund failed", "job_id", j.ID, "error", refundErr)
			}
		}
		return Result{}, apexerr.Newf(apexerr.CodeExecutionFailed, "execution failed: %v", execErr)
	}

	j.Output = output
	e.setState(entry, StateCompleted, nil, "")
	if gateway != nil {
		if _, releaseErr := gateway.Release(ctx, j.ID); releaseErr != nil {
			e.cfg.Logger.Error("release failed", "job_id", j.ID, "error", releaseErr)
		}
	}
	return e.result(entry, &j.AgreedPrice), nil
}

// checkSignature enforces the capability's signature threshold: offers at or
// above it must carry a valid, non-replayed envelope from the named buyer.
func (e *Engine) checkSignature(cap Capability, jobID, buyer string, amount money.Amount, env *identity.Envelope, payload any) error {
	if cap.SignatureThreshold == nil || e.cfg.Identity == nil {
		return nil
	}
	if amount.Currency != cap.SignatureThreshold.Currency || amount.LT(*cap.SignatureThreshold) {
		return nil
	}
	if env == nil {
		return apexerr.Newf(apexerr.CodeSignatureRequired,
			"offers of %s and above must be signed", cap.SignatureThreshold)
	}
	issuedAt, err := e.cfg.Identity.Verify(buyer, *env, payload)
	if err != nil {
		return apexerr.Newf(apexerr.CodeSignatureInvalid, "signature rejected: %v", err)
	}
	// Proposals may arrive without a job id; key their replay records on the
	// signed payload hash so distinct simultaneous proposals never collide.
	replayKey := jobID
	if replayKey == "" {
		replayKey = env.PayloadHash
	}
	if err := e.cfg.Identity.CheckReplay(replayKey, buyer, issuedAt); err != nil {
		return apexerr.Newf(apexerr.CodeSignatureInvalid, "signature rejected: %v", err)
	}
	return nil
}

// signingPayload returns the request as signed: everything but the envelope.
func (r ProposeRequest) signingPayload() ProposeRequest {
	r.Signature = nil
	return r
}

func (r CounterRequest) signingPayload() CounterRequest {
	r.Signature = nil
	return r
}

func (r AcceptRequest) signingPayload() AcceptRequest {
	r.Signature = nil
	return r
}

// applyOffer validates currency, records the price on the table, and appends
// the transcript entry.
func (e *Engine) applyOffer(entry *jobEntry, party transcript.Party, action transcript.Action, price money.Amount) error {
	j := &entry.job
	if price.Currency != j.Target.Currency {
		return apexerr.Newf(apexerr.CodeUnsupportedCurrency,
			"job %s negotiates in %s", j.ID, j.Target.Currency)
	}
	j.CurrentOffer = price
	j.OfferParty = party
	j.History = append(j.History, pricing.PastOffer{Party: string(party), Price: price})
	e.appendEntry(entry, party, action, &price, "")
	return nil
}

// setState transitions the job and appends the transcript entry that makes
// the transition durable, then notifies the observer.
func (e *Engine) setState(entry *jobEntry, to State, price *money.Amount, metadata string) {
	j := &entry.job
	from := j.State
	j.State = to
	j.UpdatedAt = e.cfg.Now().UTC()

	switch to {
	case StateExpired:
		e.appendEntry(entry, transcript.PartySystem, transcript.ActionExpired, nil, metadata)
	case StateFunded, StateExecuting, StateCompleted, StateFailed, StateRefunded:
		e.appendEntry(entry, transcript.PartySystem, transcript.ActionAccept, price, stateMetadata(to, metadata))
	}

	e.cfg.Logger.Debug("job transition",
		"job_id", j.ID, "from", string(from), "to", string(to))

	if e.cfg.OnTransition != nil {
		snap := e.snapshot(entry)
		go e.cfg.OnTransition(snap)
	}
}

func stateMetadata(to State, metadata string) string {
	tag := map[State]string{
		StateFunded:    "funded",
		StateExecuting: "executing",
		StateCompleted: "completed",
		StateFailed:    "failed",
		StateRefunded:  "refunded",
	}[to]
	if metadata == "" {
		return tag
	}
	return tag + ": " + metadata
}

func (e *Engine) appendEntry(entry *jobEntry, party transcript.Party, action transcript.Action, price *money.Amount, metadata string) {
	if _, err := e.cfg.Transcript.Append(entry.job.ID, party, action, price, metadata); err != nil {
		e.cfg.Logger.Error("transcript append failed", "job_id", entry.job.ID, "error", err)
	}
}

func (e *Engine) entry(jobID string) (*jobEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.jobs[jobID]
	if !ok {
		return nil, apexerr.Newf(apexerr.CodeInvalidJobID, "unknown job %q", jobID)
	}
	return entry, nil
}

// dropJob removes a job that failed validation before it ever became
// visible to callers.
func (e *Engine) dropJob(jobID string) {
	e.mu.Lock()
	delete(e.jobs, jobID)
	e.mu.Unlock()
	e.cfg.Transcript.Drop(jobID)
}

func (e *Engine) snapshot(entry *jobEntry) Snapshot {
	j := &entry.job
	return Snapshot{
		JobID:          j.ID,
		Capability:     j.Capability,
		Buyer:          j.Buyer,
		Input:          j.Input,
		State:          j.State,
		Round:          j.Round,
		MaxRounds:      j.MaxRounds,
		CurrentOffer:   j.CurrentOffer,
		AgreedPrice:    j.AgreedPrice,
		Rail:           j.Rail,
		Deadline:       j.Deadline,
		Output:         j.Output,
		TranscriptHead: e.cfg.Transcript.Head(j.ID),
		UpdatedAt:      j.UpdatedAt,
	}
}

func (e *Engine) result(entry *jobEntry, price *money.Amount) Result {
	j := &entry.job
	res := Result{
		JobID:          j.ID,
		State:          j.State,
		Round:          j.Round,
		Output:         j.Output,
		TranscriptHead: e.cfg.Transcript.Head(j.ID),
	}
	if price != nil {
		p := *price
		res.Price = &p
	}
	return res
}
