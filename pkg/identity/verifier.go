package identity

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/apexprotocol/apex-go/pkg/canonhash"
)

// DefaultSkewWindow bounds how far a message timestamp may drift from the
// verifier's clock in either direction.
const DefaultSkewWindow = 5 * time.Minute

// Config parameterizes a Verifier. The zero value is usable: the default
// skew window applies and the wall clock is used.
type Config struct {
	SkewWindow time.Duration
	Now        func() time.Time
}

// Verifier validates signature envelopes against claimed signer identities
// and rejects replays of (job, signer, timestamp) tuples within the skew
// window. Safe for concurrent use.
type Verifier struct {
	skew time.Duration
	now  func() time.Time

	mu   sync.Mutex
	seen map[replayKey]time.Time
}

type replayKey struct {
	jobID    string
	signer   string
	issuedAt int64 // unix nanos
}

// NewVerifier constructs a Verifier from cfg.
func NewVerifier(cfg Config) *Verifier {
	skew := cfg.SkewWindow
	if skew <= 0 {
		skew = DefaultSkewWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{skew: skew, now: now, seen: make(map[replayKey]time.Time)}
}

// Verify recomputes the canonical hash of payload (which must exclude the
// envelope itself), checks the envelope signature against the key bound to
// signer, and enforces the timestamp skew window. It returns the parsed
// issue time on success.
func (v *Verifier) Verify(signer string, env Envelope, payload any) (time.Time, error) {
	if strings.TrimSpace(env.Version) != EnvelopeVersion {
		return time.Time{}, ErrUnsupportedAlgorithm
	}
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != "ed25519" {
		return time.Time{}, ErrUnsupportedAlgorithm
	}
	issuedAt, err := parseIssuedAt(env.IssuedAt)
	if err != nil {
		return time.Time{}, err
	}

	expectedHex, _, err := canonhash.SumObject(payload)
	if err != nil {
		return time.Time{}, err
	}
	expected, err := decodeLowerHex32(expectedHex)
	if err != nil {
		return time.Time{}, err
	}
	claimed, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return time.Time{}, err
	}
	if subtle.ConstantTimeCompare(expected, claimed) != 1 {
		return time.Time{}, ErrPayloadHashMismatch
	}

	pub, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.PublicKey))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return time.Time{}, ErrInvalidEncoding
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(env.Signature))
	if err != nil || len(sig) != ed25519.SignatureSize {
		return time.Time{}, ErrInvalidEncoding
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), claimed, sig) {
		return time.Time{}, ErrInvalidSignature
	}

	// Bind the key to the claimed signer identity.
	derived, err := AgentIDFromPublicKey(pub)
	if err != nil {
		return time.Time{}, err
	}
	if derived != strings.TrimSpace(signer) {
		return time.Time{}, ErrSignerMismatch
	}

	if d := v.now().Sub(issuedAt); d > v.skew || d < -v.skew {
		return time.Time{}, ErrTimestampSkew
	}
	return issuedAt, nil
}

// CheckReplay records (jobID, signer, issuedAt) and fails if the identical
// tuple was already seen within the skew window. Entries past the window are
// pruned opportunistically; an expired timestamp is rejected by Verify anyway.
func (v *Verifier) CheckReplay(jobID, signer string, issuedAt time.Time) error {
	key := replayKey{jobID: jobID, signer: signer, issuedAt: issuedAt.UnixNano()}
	now := v.now()

	v.mu.Lock()
	defer v.mu.Unlock()
	for k, seenAt := range v.seen {
		if now.Sub(seenAt) > 2*v.skew {
			delete(v.seen, k)
		}
	}
	if _, dup := v.seen[key]; dup {
		return ErrReplay
	}
	v.seen[key] = now
	return nil
}

func parseIssuedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || !strings.HasSuffix(s, "Z") {
		return time.Time{}, ErrInvalidIssuedAt
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, ErrInvalidIssuedAt
	}
	return t.UTC(), nil
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
