// Package canonhash provides the canonical payload hashing used across the
// protocol: JSON-encode the value with encoding/json (struct field order is
// fixed by declaration, map keys are sorted), hash the bytes with SHA-256.
// Every party verifying a transcript or signature MUST use this exact
// serialization or hashes will disagree across implementations.
package canonhash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// SumObject returns the lowercase hex SHA-256 of the canonical JSON encoding
// of v, along with the encoded bytes.
func SumObject(v any) (hexHash string, encoded []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// SumString returns the lowercase hex SHA-256 of a raw string.
func SumString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SumChained hashes an entry in a hash chain: SHA-256 over the previous hash
// concatenated with the canonical encoding of v.
func SumChained(prevHash string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}
