package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/apexprotocol/apex-go/pkg/logging"
	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/reasoning"
)

// LLM delegates the counter-offer decision to a reasoning model, with the
// seller's instructions folded into the prompt. Every model decision is
// clamped to the job's bounds, and any model failure falls back to the
// configured fallback strategy so a flaky API can never stall a negotiation.
type LLM struct {
	model        reasoning.Model
	instructions string
	fallback     Strategy
	log          logging.Logger
}

// NewLLM builds a model-backed strategy. fallback may be nil, in which case
// a balanced curve is used. instructions are free-form seller guidance.
func NewLLM(model reasoning.Model, instructions string, fallback Strategy, log logging.Logger) *LLM {
	if fallback == nil {
		fallback = NewCurve(RiskBalanced)
	}
	if log == nil {
		log = logging.NoOp()
	}
	return &LLM{model: model, instructions: instructions, fallback: fallback, log: log}
}

const decideSystemPrompt = `You negotiate the price of a service on behalf of the seller.
Respond with a single JSON object: {"action": "accept"|"counter"|"reject", "price": <number or null>, "reason": "<short explanation>"}.
"price" is required for "counter" and is the major-unit amount (e.g. 42.50).
Never go below the stated minimum and never counter above the target.`

type llmReply struct {
	Action string   `json:"action"`
	Price  *float64 `json:"price"`
	Reason string   `json:"reason"`
}

func (l *LLM) Decide(ctx context.Context, state State) (Decision, error) {
	if err := validateState(state); err != nil {
		return Decision{}, err
	}

	raw, err := l.model.Complete(ctx, decideSystemPrompt, l.buildPrompt(state))
	if err != nil {
		l.log.Warn("pricing model failed, using fallback strategy", "error", err)
		return l.fallback.Decide(ctx, state)
	}
	decision, err := l.parseReply(raw, state)
	if err != nil {
		l.log.Warn("pricing model reply unusable, using fallback strategy", "error", err)
		return l.fallback.Decide(ctx, state)
	}
	return sanitize(decision, state), nil
}

func (l *LLM) buildPrompt(state State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capability: %s\n", state.Capability)
	fmt.Fprintf(&b, "Round %d of %d\n", state.Round, state.MaxRounds)
	fmt.Fprintf(&b, "Buyer offer: %s\n", state.Offer)
	fmt.Fprintf(&b, "Target price: %s\n", state.Target)
	fmt.Fprintf(&b, "Minimum acceptable: %s\n", state.Minimum)
	if len(state.History) > 0 {
		b.WriteString("Prior exchanges:\n")
		for _, h := range state.History {
			fmt.Fprintf(&b, "  %s offered %s\n", h.Party, h.Price)
		}
	}
	if l.instructions != "" {
		fmt.Fprintf(&b, "Seller instructions: %s\n", l.instructions)
	}
	return b.String()
}

func (l *LLM) parseReply(raw string, state State) (Decision, error) {
	body := reasoning.ExtractJSON(raw)
	if body == "" {
		return Decision{}, fmt.Errorf("no JSON object in model reply")
	}
	var reply llmReply
	if err := json.Unmarshal([]byte(body), &reply); err != nil {
		return Decision{}, fmt.Errorf("parse model reply: %w", err)
	}

	switch Action(reply.Action) {
	case ActionAccept:
		return Decision{Action: ActionAccept, Price: state.Offer, Reason: reply.Reason}, nil
	case ActionReject:
		return Decision{Action: ActionReject, Reason: reply.Reason}, nil
	case ActionCounter:
		if reply.Price == nil {
			return Decision{}, fmt.Errorf("counter without a price")
		}
		price, err := money.FromFloat(state.Target.Currency, *reply.Price)
		if err != nil {
			return Decision{}, fmt.Errorf("counter price: %w", err)
		}
		return Decision{Action: ActionCounter, Price: price, Reason: reply.Reason}, nil
	default:
		return Decision{}, fmt.Errorf("unknown action %q", reply.Action)
	}
}

// sanitize enforces the bounds no matter what the model said: accepts below
// the minimum become rejects, rejects of acceptable offers become counters
// at the minimum, and counter prices are clamped into [minimum, target].
func sanitize(d Decision, state State) Decision {
	switch d.Action {
	case ActionAccept:
		if state.Offer.LT(state.Minimum) {
			return Decision{Action: ActionReject, Reason: "offer below minimum"}
		}
		d.Price = state.Offer
	case ActionReject:
		if state.Offer.GTE(state.Minimum) {
			return Decision{Action: ActionCounter, Price: state.Minimum, Reason: d.Reason}
		}
	case ActionCounter:
		d.Price = clampToBounds(d.Price, state)
	}
	return d
}
