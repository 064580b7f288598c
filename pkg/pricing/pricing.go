// Package pricing holds the pluggable strategies the negotiation engine
// consults for counter-offers. The engine never looks inside a strategy; it
// only enforces the legality of the resulting transition and the bounds.
package pricing

import (
	"context"
	"fmt"
	"math"

	"github.com/apexprotocol/apex-go/pkg/money"
)

// Action is a strategy's verdict on the offer currently on the table.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionCounter Action = "counter"
	ActionReject  Action = "reject"
)

// PastOffer is one historical price exchange, oldest first.
type PastOffer struct {
	Party string       `json:"party"`
	Price money.Amount `json:"price"`
}

// State is the negotiation snapshot a strategy decides from.
type State struct {
	Capability string
	Round      int
	MaxRounds  int
	Offer      money.Amount
	Target     money.Amount
	Minimum    money.Amount
	History    []PastOffer
}

// Decision is what a strategy wants the engine to do next. Price is only
// meaningful for ActionCounter and ActionAccept.
type Decision struct {
	Action Action
	Price  money.Amount
	Reason string
}

// Strategy maps a negotiation state to a pricing decision. Implementations
// must be safe for concurrent use; the engine may consult them from many
// jobs at once.
type Strategy interface {
	Decide(ctx context.Context, state State) (Decision, error)
}

// RiskProfile tunes how quickly a curve strategy concedes toward its minimum.
type RiskProfile string

const (
	RiskFirm     RiskProfile = "firm"
	RiskBalanced RiskProfile = "balanced"
	RiskFlexible RiskProfile = "flexible"
)

var riskFactors = map[RiskProfile]float64{
	RiskFirm:     0.30,
	RiskBalanced: 0.60,
	RiskFlexible: 0.85,
}

const concessionRate = 0.65

// Curve is an exponential-concession strategy: each round it moves its ask
// from the target toward the minimum along a decaying curve, accepting any
// offer at or above the current ask. It never accepts below the minimum.
type Curve struct {
	Profile RiskProfile
}

// NewCurve builds a curve strategy, defaulting to the balanced profile when
// the given one is unknown.
func NewCurve(profile RiskProfile) *Curve {
	if _, ok := riskFactors[profile]; !ok {
		profile = RiskBalanced
	}
	return &Curve{Profile: profile}
}

func (c *Curve) Decide(_ context.Context, state State) (Decision, error) {
	if err := validateState(state); err != nil {
		return Decision{}, err
	}
	ask := c.ask(state)

	if state.Offer.GTE(state.Target) || state.Offer.GTE(ask) {
		if state.Offer.LT(state.Minimum) {
			return Decision{Action: ActionReject, Reason: "offer below minimum"}, nil
		}
		return Decision{Action: ActionAccept, Price: state.Offer, Reason: "offer meets ask"}, nil
	}
	return Decision{
		Action: ActionCounter,
		Price:  ask,
		Reason: fmt.Sprintf("round %d of %d", state.Round, state.MaxRounds),
	}, nil
}

// ask computes the price the strategy holds out for at the current round.
func (c *Curve) ask(state State) money.Amount {
	risk := riskFactors[c.Profile]
	progress := float64(state.Round) / float64(state.MaxRounds)
	spread := float64(state.Target.Minor - state.Minimum.Minor)
	concession := spread * (1 - math.Exp(-concessionRate*risk*progress))
	minor := state.Target.Minor - int64(concession+0.5)
	if minor < state.Minimum.Minor {
		minor = state.Minimum.Minor
	}
	return money.Amount{Currency: state.Target.Currency, Minor: minor}
}

// Schedule is a fixed-schedule strategy: it asks the configured price for
// each round and holds the last price once the schedule runs out.
type Schedule struct {
	Prices []money.Amount
}

// NewSchedule builds a schedule strategy from per-round asks, round 1 first.
func NewSchedule(prices ...money.Amount) (*Schedule, error) {
	if len(prices) == 0 {
		return nil, fmt.Errorf("pricing: schedule needs at least one price")
	}
	for i := 1; i < len(prices); i++ {
		if prices[i].Currency != prices[0].Currency {
			return nil, money.ErrCurrencyMismatch
		}
	}
	return &Schedule{Prices: prices}, nil
}

func (s *Schedule) Decide(_ context.Context, state State) (Decision, error) {
	if err := validateState(state); err != nil {
		return Decision{}, err
	}
	idx := state.Round - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Prices) {
		idx = len(s.Prices) - 1
	}
	ask := s.Prices[idx]

	if state.Offer.GTE(ask) {
		if state.Offer.LT(state.Minimum) {
			return Decision{Action: ActionReject, Reason: "offer below minimum"}, nil
		}
		return Decision{Action: ActionAccept, Price: state.Offer, Reason: "offer meets scheduled ask"}, nil
	}
	return Decision{
		Action: ActionCounter,
		Price:  ask,
		Reason: fmt.Sprintf("scheduled ask for round %d", state.Round),
	}, nil
}

func validateState(state State) error {
	if state.MaxRounds <= 0 {
		return fmt.Errorf("pricing: max rounds must be positive")
	}
	if state.Minimum.Currency != state.Target.Currency || state.Offer.Currency != state.Target.Currency {
		return money.ErrCurrencyMismatch
	}
	if state.Minimum.Minor > state.Target.Minor {
		return fmt.Errorf("pricing: minimum %s above target %s", state.Minimum, state.Target)
	}
	return nil
}

// clampToBounds forces a counter price into [minimum, target].
func clampToBounds(price money.Amount, state State) money.Amount {
	if price.Minor < state.Minimum.Minor {
		price.Minor = state.Minimum.Minor
	}
	if price.Minor > state.Target.Minor {
		price.Minor = state.Target.Minor
	}
	price.Currency = state.Target.Currency
	return price
}
