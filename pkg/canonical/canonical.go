// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and SHA-256 content hashing. Both the instruction signer and
// the output verifier hash through this package, so any two semantically
// equal payloads always produce identical bytes regardless of map iteration
// order or process run.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Genesis is the previous-hash sentinel hashed into the first entry of a
// verification chain.
const Genesis = "genesis"

// separator joins the framed fields of a signature payload and the preimage
// of a chain hash. Fixed by the wire format; changing it invalidates every
// existing signature and chain.
const separator = "|"

// Marshal returns the RFC 8785 canonical JSON encoding of v: keys sorted by
// UTF-8 byte order, no insignificant whitespace, no HTML escaping. Input
// that encoding/json cannot marshal is a caller error and fails fast.
func Marshal(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SignaturePayload frames an instruction with its timestamp and nonce into
// the byte sequence covered by the instruction MAC:
//
//	canonical(instruction) "|" timestamp "|" nonce
func SignaturePayload(instruction map[string]any, timestamp, nonce string) ([]byte, error) {
	body, err := Marshal(instruction)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 0, len(body)+len(timestamp)+len(nonce)+2*len(separator))
	payload = append(payload, body...)
	payload = append(payload, separator...)
	payload = append(payload, timestamp...)
	payload = append(payload, separator...)
	payload = append(payload, nonce...)
	return payload, nil
}

// ChainHash binds a content hash to the previous entry's chain hash. An
// empty previousHash denotes the first entry of a chain and hashes against
// the Genesis sentinel.
func ChainHash(contentHash, previousHash string) string {
	if previousHash == "" {
		previousHash = Genesis
	}
	return HashBytes([]byte(contentHash + separator + previousHash))
}
