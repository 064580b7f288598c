// Package wallet manages the ed25519 keypair an agent signs protocol
// messages with. A wallet's address is its agent identity
// (agent:pk:ed25519:<key>), so possession of the key is possession of the
// identity.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apexprotocol/apex-go/pkg/identity"
)

var ErrMissingKey = errors.New("wallet key not set")

// Wallet holds an ed25519 keypair and derives the agent identity from it.
type Wallet struct {
	priv    ed25519.PrivateKey
	address string
}

// Generate creates a fresh wallet with a random keypair.
func Generate() (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromKey(priv, pub)
}

// FromSeed builds a wallet from a 32-byte ed25519 seed.
func FromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromKey(priv, priv.Public().(ed25519.PublicKey))
}

// FromEnv loads a hex-encoded 32-byte seed from the named environment
// variable.
func FromEnv(name string) (*Wallet, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingKey, name)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid hex seed", name)
	}
	return FromSeed(seed)
}

func fromKey(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*Wallet, error) {
	address, err := identity.AgentIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, address: address}, nil
}

// Address returns the agent identity derived from the wallet's public key.
func (w *Wallet) Address() string { return w.address }

// Sign produces a signature envelope over payload, issued now.
func (w *Wallet) Sign(payload any, context string) (identity.Envelope, error) {
	return identity.Sign(payload, w.priv, time.Now(), context)
}

// SignAt signs with an explicit issue time; used by tests exercising the
// skew window.
func (w *Wallet) SignAt(payload any, context string, issuedAt time.Time) (identity.Envelope, error) {
	return identity.Sign(payload, w.priv, issuedAt, context)
}
