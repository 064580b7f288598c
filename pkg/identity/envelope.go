// Package identity implements the signer identity and signature verification
// contract gating high-value protocol messages. A signature envelope binds a
// canonical payload hash to an ed25519 public key; the signer's protocol
// identity is derived from that key, so a verified envelope both
// authenticates the payload and proves who signed it.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/apexprotocol/apex-go/pkg/canonhash"
)

const (
	// EnvelopeVersion identifies the only envelope format this package emits.
	EnvelopeVersion = "apex-sig-v1"

	agentIDPrefix = "agent:pk:ed25519:"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrSignerMismatch       = errors.New("signer does not match signing key")
	ErrTimestampSkew        = errors.New("timestamp outside skew window")
	ErrReplay               = errors.New("replayed message")
)

// Envelope carries a detached signature over the canonical hash of a payload.
// IssuedAt MUST be RFC3339 (nanosecond precision allowed) in UTC with a Z
// suffix; any other rendering fails verification everywhere, by construction.
type Envelope struct {
	Version     string `json:"version"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	PayloadHash string `json:"payload_hash"`
	IssuedAt    string `json:"issued_at"`
	Context     string `json:"context,omitempty"`
}

// Sign produces an envelope over the canonical hash of payload.
func Sign(payload any, priv ed25519.PrivateKey, issuedAt time.Time, context string) (Envelope, error) {
	hashHex, _, err := canonhash.SumObject(payload)
	if err != nil {
		return Envelope{}, err
	}
	hashBytes, err := decodeLowerHex32(hashHex)
	if err != nil {
		return Envelope{}, err
	}
	sig := ed25519.Sign(priv, hashBytes)
	pub := priv.Public().(ed25519.PublicKey)
	return Envelope{
		Version:     EnvelopeVersion,
		Algorithm:   "ed25519",
		PublicKey:   base64.StdEncoding.EncodeToString(pub),
		Signature:   base64.StdEncoding.EncodeToString(sig),
		PayloadHash: hashHex,
		IssuedAt:    issuedAt.UTC().Format(time.RFC3339Nano),
		Context:     strings.TrimSpace(context),
	}, nil
}

// AgentIDFromPublicKey derives the protocol identity of an ed25519 key.
func AgentIDFromPublicKey(pub []byte) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", errors.New("ed25519 public key must be 32 bytes")
	}
	return agentIDPrefix + base64.RawURLEncoding.EncodeToString(pub), nil
}

// ParseAgentID splits an agent id into its algorithm and raw public key.
func ParseAgentID(id string) (algo string, pub []byte, err error) {
	parts := strings.Split(id, ":")
	if len(parts) != 4 || parts[0] != "agent" || parts[1] != "pk" {
		return "", nil, errors.New("invalid agent id format")
	}
	if parts[2] != "ed25519" {
		return "", nil, ErrUnsupportedAlgorithm
	}
	b64 := parts[3]
	if b64 == "" || strings.Contains(b64, "=") {
		return "", nil, errors.New("invalid agent id public key")
	}
	decoded, decodeErr := base64.RawURLEncoding.DecodeString(b64)
	if decodeErr != nil || len(decoded) != ed25519.PublicKeySize {
		return "", nil, errors.New("invalid agent id public key")
	}
	return "ed25519", decoded, nil
}

// IsValidAgentID reports whether id parses as an agent identity.
func IsValidAgentID(id string) bool {
	_, _, err := ParseAgentID(id)
	return err == nil
}
