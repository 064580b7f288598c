package transcript

import (
	"testing"
	"time"

	"github.com/apexprotocol/apex-go/pkg/money"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestAppendChainsHashes(t *testing.T) {
	l := NewLedger(fixedClock())

	offer := money.MustParse("USD", "40.00")
	h1, err := l.Append("job-1", PartyBuyer, ActionOffer, &offer, "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	counter := money.MustParse("USD", "45.00")
	h2, err := l.Append("job-1", PartySeller, ActionCounter, &counter, "")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if h1 == h2 {
		t.Fatal("consecutive entries produced identical hashes")
	}

	entries := l.Entries("job-1")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].PrevHash != GenesisHash {
		t.Fatalf("first prev_hash = %q, want genesis", entries[0].PrevHash)
	}
	if entries[1].PrevHash != entries[0].Hash {
		t.Fatal("second entry does not link to first")
	}
	if got := l.Head("job-1"); got != h2 {
		t.Fatalf("head = %q, want %q", got, h2)
	}

	ok, err := l.VerifyChain("job-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid chain failed verification")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	l := NewLedger(fixedClock())
	offer := money.MustParse("USD", "40.00")
	if _, err := l.Append("job-1", PartyBuyer, ActionOffer, &offer, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append("job-1", PartySeller, ActionAccept, &offer, ""); err != nil {
		t.Fatalf("append: %v", err)
	}

	chain := l.Entries("job-1")
	tampered := money.MustParse("USD", "1.00")
	chain[0].Price = &tampered
	if VerifyEntries(chain) {
		t.Fatal("tampered price passed verification")
	}

	chain = l.Entries("job-1")
	chain[1].PrevHash = "deadbeef"
	if VerifyEntries(chain) {
		t.Fatal("broken prev link passed verification")
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	l := NewLedger(fixedClock())
	offer := money.MustParse("USD", "40.00")
	if _, err := l.Append("job-1", PartyBuyer, ActionOffer, &offer, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := l.Entries("job-1")
	got[0].Hash = "mutated"
	ok, err := l.VerifyChain("job-1")
	if err != nil || !ok {
		t.Fatalf("ledger state mutated through Entries copy (ok=%v err=%v)", ok, err)
	}
}

func TestHeadAndVerifyUnknownJob(t *testing.T) {
	l := NewLedger(nil)
	if got := l.Head("missing"); got != GenesisHash {
		t.Fatalf("head of unknown job = %q, want genesis", got)
	}
	if _, err := l.VerifyChain("missing"); err != ErrUnknownJob {
		t.Fatalf("verify unknown job err = %v, want ErrUnknownJob", err)
	}
}

func TestDrop(t *testing.T) {
	l := NewLedger(fixedClock())
	offer := money.MustParse("USD", "40.00")
	if _, err := l.Append("job-1", PartyBuyer, ActionOffer, &offer, ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	l.Drop("job-1")
	if got := len(l.Entries("job-1")); got != 0 {
		t.Fatalf("entries after drop = %d, want 0", got)
	}
}
