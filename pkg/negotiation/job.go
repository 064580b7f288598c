package negotiation

import (
	"time"

	"github.com/apexprotocol/apex-go/pkg/money"
	"github.com/apexprotocol/apex-go/pkg/pricing"
	"github.com/apexprotocol/apex-go/pkg/transcript"
)

// State of a job in its lifecycle.
type State string

const (
	StatePending     State = "PENDING"
	StateProposed    State = "PROPOSED"
	StateNegotiating State = "NEGOTIATING"
	StateAccepted    State = "ACCEPTED"
	StateRejected    State = "REJECTED"
	StateFunded      State = "FUNDED"
	StateExecuting   State = "EXECUTING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateRefunded    State = "REFUNDED"
	StateExpired     State = "EXPIRED"
)

// Terminal reports whether a state accepts no further protocol messages
// except status.
func (s State) Terminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateRefunded, StateExpired:
		return true
	}
	return false
}

// PricingMode selects how a capability prices its work.
type PricingMode string

const (
	PricingFixed      PricingMode = "fixed"
	PricingNegotiated PricingMode = "negotiated"
)

// PricingConfig is a capability's static pricing. Fixed capabilities quote
// one non-negotiable price; negotiated ones expose a target/minimum band and
// a round budget.
type PricingConfig struct {
	Mode      PricingMode  `json:"mode"`
	Fixed     money.Amount `json:"fixed,omitempty"`
	Target    money.Amount `json:"target,omitempty"`
	Minimum   money.Amount `json:"minimum,omitempty"`
	MaxRounds int          `json:"max_rounds,omitempty"`
}

// Capability is one sellable service and its protocol policy.
type Capability struct {
	Name    string
	Pricing PricingConfig

	// RequirePrepayment gates execution behind verified settlement.
	RequirePrepayment bool

	// ImmediateExecution runs the job inside the accepting call and returns
	// its output in the same response. Only honored when prepayment is not
	// required; funded jobs always execute after verification.
	ImmediateExecution bool

	// SignatureThreshold requires signed messages for offers at or above
	// this amount. Nil disables signature gating.
	SignatureThreshold *money.Amount
}

// job is the engine's mutable per-negotiation state. All access happens
// under the owning entry's lock.
type job struct {
	ID         string
	Capability string
	Buyer      string
	Input      string
	State      State
	Round      int
	MaxRounds  int
	Negotiable bool

	Target  money.Amount
	Minimum money.Amount

	CurrentOffer money.Amount
	OfferParty   transcript.Party
	AgreedPrice  money.Amount

	Rail     string
	Deadline time.Time
	Output   string

	History []pricing.PastOffer

	CreatedAt time.Time
	UpdatedAt time.Time

	// busy marks a slow settlement or execution call in flight; concurrent
	// protocol messages observe it as an invalid state.
	busy bool
}

// Snapshot is the read-only view handed to callers, executors, and
// transition observers.
type Snapshot struct {
	JobID          string       `json:"job_id"`
	Capability     string       `json:"capability"`
	Buyer          string       `json:"buyer,omitempty"`
	Input          string       `json:"input,omitempty"`
	State          State        `json:"state"`
	Round          int          `json:"round"`
	MaxRounds      int          `json:"max_rounds"`
	CurrentOffer   money.Amount `json:"current_offer"`
	AgreedPrice    money.Amount `json:"agreed_price,omitempty"`
	Rail           string       `json:"rail"`
	Deadline       time.Time    `json:"deadline"`
	Output         string       `json:"output,omitempty"`
	TranscriptHead string       `json:"transcript_head"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
