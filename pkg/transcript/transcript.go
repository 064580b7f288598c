// Package transcript keeps the tamper-evident audit trail of a negotiation:
// an append-only, hash-chained sequence of events per job. Each entry's hash
// covers the previous hash plus the canonical encoding of the entry itself,
// so altering any stored entry breaks every hash after it.
package transcript

import (
	"errors"
	"sync"
	"time"

	"github.com/apexprotocol/apex-go/pkg/canonhash"
	"github.com/apexprotocol/apex-go/pkg/money"
)

// GenesisHash seeds the chain before the first entry.
const GenesisHash = "0"

// Party identifies who produced a transcript event.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartySystem Party = "system"
)

// Action is the event kind recorded in the transcript.
type Action string

const (
	ActionOffer   Action = "offer"
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionExpired Action = "expired"
)

var ErrUnknownJob = errors.New("no transcript for job")

// Entry is one immutable event in a job's audit trail.
type Entry struct {
	Party     Party         `json:"party"`
	Action    Action        `json:"action"`
	Price     *money.Amount `json:"price,omitempty"`
	Metadata  string        `json:"metadata,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	PrevHash  string        `json:"prev_hash"`
	Hash      string        `json:"hash"`
}

// hashablePart is the portion of an entry covered by its hash. The stored
// hash itself is excluded; PrevHash is mixed in separately as the chain seed.
type hashablePart struct {
	Party     Party         `json:"party"`
	Action    Action        `json:"action"`
	Price     *money.Amount `json:"price,omitempty"`
	Metadata  string        `json:"metadata,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Ledger holds the transcript chains of all live jobs. Safe for concurrent
// use; entries are copied out so callers cannot mutate stored state.
type Ledger struct {
	mu     sync.RWMutex
	chains map[string][]Entry
	now    func() time.Time
}

// NewLedger constructs an empty ledger. now may be nil for the wall clock.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{chains: make(map[string][]Entry), now: now}
}

// Append records an event for jobID and returns the new head hash. The entry
// becomes durable only once Append returns.
func (l *Ledger) Append(jobID string, party Party, action Action, price *money.Amount, metadata string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[jobID]
	prev := GenesisHash
	if n := len(chain); n > 0 {
		prev = chain[n-1].Hash
	}
	entry := Entry{
		Party:     party,
		Action:    action,
		Price:     copyPrice(price),
		Metadata:  metadata,
		Timestamp: l.now().UTC(),
		PrevHash:  prev,
	}
	hash, err := canonhash.SumChained(prev, hashable(entry))
	if err != nil {
		return "", err
	}
	entry.Hash = hash
	l.chains[jobID] = append(chain, entry)
	return hash, nil
}

// Entries returns a copy of the job's transcript in append order.
func (l *Ledger) Entries(jobID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[jobID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out
}

// Head returns the current head hash for a job, or GenesisHash if the job
// has no entries yet.
func (l *Ledger) Head(jobID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[jobID]
	if len(chain) == 0 {
		return GenesisHash
	}
	return chain[len(chain)-1].Hash
}

// VerifyChain recomputes every hash in the job's transcript from the first
// entry. It returns false on any mismatch, including a broken prev link.
func (l *Ledger) VerifyChain(jobID string) (bool, error) {
	l.mu.RLock()
	chain, ok := l.chains[jobID]
	if ok {
		// Work on a copy so verification never races appends.
		tmp := make([]Entry, len(chain))
		copy(tmp, chain)
		chain = tmp
	}
	l.mu.RUnlock()
	if !ok {
		return false, ErrUnknownJob
	}
	return VerifyEntries(chain), nil
}

// VerifyEntries checks a standalone transcript slice, e.g. one reloaded from
// an archive, against its own hash chain.
func VerifyEntries(chain []Entry) bool {
	prev := GenesisHash
	for _, e := range chain {
		if e.PrevHash != prev {
			return false
		}
		hash, err := canonhash.SumChained(prev, hashable(e))
		if err != nil || hash != e.Hash {
			return false
		}
		prev = e.Hash
	}
	return true
}

// Drop discards a job's transcript, once it has been archived elsewhere.
func (l *Ledger) Drop(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.chains, jobID)
}

func hashable(e Entry) hashablePart {
	return hashablePart{
		Party:     e.Party,
		Action:    e.Action,
		Price:     e.Price,
		Metadata:  e.Metadata,
		Timestamp: e.Timestamp,
	}
}

func copyPrice(p *money.Amount) *money.Amount {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
