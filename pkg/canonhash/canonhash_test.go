package canonhash

import "testing"

func TestSumObjectDeterministic(t *testing.T) {
	a := map[string]any{"b": "two", "a": 1}
	b := map[string]any{"a": 1, "b": "two"}

	ha, _, err := SumObject(a)
	if err != nil {
		t.Fatalf("SumObject: %v", err)
	}
	hb, _, err := SumObject(b)
	if err != nil {
		t.Fatalf("SumObject: %v", err)
	}
	if ha != hb {
		t.Fatalf("map key order changed the hash: %s != %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(ha))
	}
}

func TestSumChainedDependsOnPrev(t *testing.T) {
	entry := map[string]any{"party": "buyer", "action": "offer"}
	h1, err := SumChained("0", entry)
	if err != nil {
		t.Fatalf("SumChained: %v", err)
	}
	h2, err := SumChained(h1, entry)
	if err != nil {
		t.Fatalf("SumChained: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("chained hash ignored previous hash")
	}
}

func TestSumString(t *testing.T) {
	if SumString("a") == SumString("b") {
		t.Fatal("distinct inputs collided")
	}
}
