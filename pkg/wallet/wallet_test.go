package wallet

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/apexprotocol/apex-go/pkg/identity"
)

func TestGenerateAddress(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !identity.IsValidAgentID(w.Address()) {
		t.Fatalf("address is not a valid agent id: %s", w.Address())
	}
}

func TestFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("rand: %v", err)
	}
	w1, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("FromSeed: %v", err)
	}
	w2, _ := FromSeed(seed)
	if w1.Address() != w2.Address() {
		t.Fatal("same seed produced different addresses")
	}
}

func TestFromEnv(t *testing.T) {
	seed := make([]byte, 32)
	_, _ = rand.Read(seed)
	t.Setenv("SELLER_KEY", "0x"+hex.EncodeToString(seed))

	w, err := FromEnv("SELLER_KEY")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !strings.HasPrefix(w.Address(), "agent:pk:ed25519:") {
		t.Fatalf("unexpected address: %s", w.Address())
	}

	if _, err := FromEnv("SELLER_KEY_UNSET"); err == nil {
		t.Fatal("expected error for unset env var")
	}
}

func TestSignVerifies(t *testing.T) {
	w, _ := Generate()
	payload := map[string]any{"job_id": "j1", "offer": "12.50"}

	env, err := w.Sign(payload, "propose")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	v := identity.NewVerifier(identity.Config{})
	if _, err := v.Verify(w.Address(), env, payload); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
