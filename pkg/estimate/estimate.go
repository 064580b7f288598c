// Package estimate issues time-boxed, one-time-use price quotes and tracks
// their consumption. An estimate that is expired or already used can never
// back a new proposal.
package estimate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apexprotocol/apex-go/pkg/apexerr"
	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/reasoning"
)

// DefaultTTL bounds how long an estimate stays usable after issuance.
const DefaultTTL = 300 * time.Second

// MinimumRatio fixes the negotiation floor relative to the quoted amount.
const MinimumRatio = 0.80

// Multiplier bounds keep model-derived pricing within sane limits.
const (
	MinMultiplier = 0.25
	MaxMultiplier = 4.0
)

// Estimate is a priced quote issued before negotiation. Amount is the quoted
// price, Minimum the floor the seller will accept for it.
type Estimate struct {
	ID         string       `json:"estimate_id"`
	Capability string       `json:"capability"`
	Amount     money.Amount `json:"amount"`
	Minimum    money.Amount `json:"minimum"`
	IssuedAt   time.Time    `json:"issued_at"`
	ExpiresAt  time.Time    `json:"expires_at"`

	used bool
}

// Bounds are the negotiation limits an estimate was consumed into.
type Bounds struct {
	Target   money.Amount
	Minimum  money.Amount
	Currency string
}

// Store tracks live estimates keyed by id. Consumption is atomic: exactly
// one concurrent caller wins a given estimate.
type Store struct {
	mu        sync.Mutex
	estimates map[string]*Estimate
	ttl       time.Duration
	now       func() time.Time
	log       logging.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithTTL overrides the default estimate lifetime.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(log logging.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore constructs an empty estimate store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		estimates: make(map[string]*Estimate),
		ttl:       DefaultTTL,
		now:       time.Now,
		log:       logging.NoOp(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates and stores a fresh estimate for capability at the given
// quoted amount. The minimum is derived from MinimumRatio, rounded half up
// in minor units.
func (s *Store) Issue(capability string, amount money.Amount) (Estimate, error) {
	if !money.Supported(amount.Currency) {
		return Estimate{}, apexerr.Newf(apexerr.CodeUnsupportedCurrency, "unsupported currency %q", amount.Currency)
	}
	if amount.Minor <= 0 {
		return Estimate{}, apexerr.New(apexerr.CodeEstimationFailed, "estimate amount must be positive")
	}

	now := s.now().UTC()
	est := Estimate{
		ID:         "est_" + uuid.NewString(),
		Capability: capability,
		Amount:     amount,
		Minimum:    scaleAmount(amount, MinimumRatio),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	}

	s.mu.Lock()
	s.estimates[est.ID] = &est
	s.mu.Unlock()

	s.log.Debug("estimate issued",
		"estimate_id", est.ID,
		"capability", capability,
		"amount", amount.String(),
		"expires_at", est.ExpiresAt)
	return est, nil
}

// Consume marks the estimate used and returns its bounds. It fails with
// code 5001 if the estimate is missing, expired, or already used. At most
// one caller ever succeeds for a given id.
func (s *Store) Consume(estimateID string) (Bounds, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	est, ok := s.estimates[estimateID]
	if !ok {
		return Bounds{}, apexerr.Newf(apexerr.CodeEstimateInvalid, "estimate %q not found", estimateID)
	}
	if est.used {
		return Bounds{}, apexerr.Newf(apexerr.CodeEstimateInvalid, "estimate %q already used", estimateID)
	}
	if !s.now().Before(est.ExpiresAt) {
		return Bounds{}, apexerr.Newf(apexerr.CodeEstimateInvalid, "estimate %q expired", estimateID)
	}
	est.used = true
	return Bounds{Target: est.Amount, Minimum: est.Minimum, Currency: est.Amount.Currency}, nil
}

// Sweep removes expired or consumed entries and reports how many were
// dropped. Purely garbage collection: an expired estimate is already
// unusable before the sweep runs.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, est := range s.estimates {
		if est.used || !now.Before(est.ExpiresAt) {
			delete(s.estimates, id)
			removed++
		}
	}
	return removed
}

// Len reports how many estimates are currently tracked, including used ones
// not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.estimates)
}

func scaleAmount(a money.Amount, ratio float64) money.Amount {
	minor := int64(float64(a.Minor)*ratio + 0.5)
	return money.Amount{Currency: a.Currency, Minor: minor}
}

// Estimator turns a capability base rate and a job input into a concrete
// quote, optionally consulting a reasoning model for a complexity multiplier.
type Estimator struct {
	store *Store
	model reasoning.Model
	log   logging.Logger
}

// NewEstimator builds an estimator over store. model may be nil, in which
// case every estimate uses the base rate unchanged.
func NewEstimator(store *Store, model reasoning.Model, log logging.Logger) *Estimator {
	if log == nil {
		log = logging.NoOp()
	}
	return &Estimator{store: store, model: model, log: log}
}

const multiplierSystemPrompt = `You estimate the relative complexity of a piece of work.
Respond with a single JSON object: {"multiplier": <number>, "reason": "<short explanation>"}.
A multiplier of 1.0 means typical effort for this capability; use values below 1.0
for trivial requests and above 1.0 for unusually large or difficult ones.`

type multiplierReply struct {
	Multiplier float64 `json:"multiplier"`
	Reason     string  `json:"reason"`
}

// Estimate issues a quote of baseRate scaled by a model-derived complexity
// multiplier, clamped to [MinMultiplier, MaxMultiplier]. Model failures fall
// back to the base rate rather than blocking the quote.
func (e *Estimator) Estimate(ctx context.Context, capability, input string, baseRate money.Amount) (Estimate, error) {
	multiplier := 1.0
	if e.model != nil {
		m, err := e.askModel(ctx, capability, input)
		if err != nil {
			e.log.Warn("complexity estimation failed, using base rate",
				"capability", capability, "error", err)
		} else {
			multiplier = clampMultiplier(m)
		}
	}
	return e.store.Issue(capability, scaleAmount(baseRate, multiplier))
}

func (e *Estimator) askModel(ctx context.Context, capability, input string) (float64, error) {
	user := fmt.Sprintf("Capability: %s\nRequest input:\n%s", capability, input)
	raw, err := e.model.Complete(ctx, multiplierSystemPrompt, user)
	if err != nil {
		return 0, err
	}
	body := reasoning.ExtractJSON(raw)
	if body == "" {
		return 0, fmt.Errorf("no JSON object in model reply")
	}
	var reply multiplierReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return 0, fmt.Errorf("parse model reply: %w", err)
	}
	if reply.Multiplier <= 0 {
		return 0, fmt.Errorf("non-positive multiplier %v", reply.Multiplier)
	}
	return reply.Multiplier, nil
}

func clampMultiplier(m float64) float64 {
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}
