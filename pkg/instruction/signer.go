package instruction

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/quorumlabs/trustplane/pkg/canonical"
)

// DefaultMaxAge is the default validity window for a signed instruction.
const DefaultMaxAge = 5 * time.Minute

// nonceBytes yields 128-bit nonces.
const nonceBytes = 16

// ErrEmptyKey is returned when a signer is constructed without key material.
var ErrEmptyKey = errors.New("instruction: signing key must not be empty")

// Signer authenticates instructions with HMAC-SHA256 under a secret key and
// guards against replay through a NonceStore. Safe for concurrent use.
type Signer struct {
	key    []byte
	maxAge time.Duration
	nonces NonceStore
	now    func() time.Time
}

// NewSigner creates a Signer with the default max age and an in-memory nonce
// store whose TTL matches it.
func NewSigner(key []byte) (*Signer, error) {
	return NewSignerWithStore(key, DefaultMaxAge, nil)
}

// NewSignerWithStore creates a Signer with an explicit max age and nonce
// store. A nil store gets a memory store with TTL equal to maxAge; a
// non-positive maxAge falls back to DefaultMaxAge.
func NewSignerWithStore(key []byte, maxAge time.Duration, nonces NonceStore) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if nonces == nil {
		nonces = NewMemoryNonceStore(maxAge)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k, maxAge: maxAge, nonces: nonces, now: time.Now}, nil
}

// NewEphemeralSigner generates a random signing key. Signatures from an
// ephemeral signer cannot be verified after the process exits, which is
// acceptable only for single-run sessions.
func NewEphemeralSigner() *Signer {
	return NewEphemeralSignerWithStore(DefaultMaxAge, nil)
}

// NewEphemeralSignerWithStore is NewEphemeralSigner with an explicit max age
// and nonce store, for processes that share replay state despite not sharing
// key material.
func NewEphemeralSignerWithStore(maxAge time.Duration, nonces NonceStore) *Signer {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("instruction: crypto/rand unavailable: %v", err))
	}
	s, err := NewSignerWithStore(key, maxAge, nonces)
	if err != nil {
		panic(err)
	}
	return s
}

// NewSignerFromMaster derives a dedicated signing key from a master secret
// with HKDF-SHA256, so one operator secret backs multiple independent
// subsystems without key reuse. The purpose string separates derivations.
func NewSignerFromMaster(master []byte, purpose string) (*Signer, error) {
	if len(master) == 0 {
		return nil, ErrEmptyKey
	}
	r := hkdf.New(sha256.New, master, nil, []byte("trustplane/"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("instruction: key derivation failed: %w", err)
	}
	return NewSignerWithStore(key, DefaultMaxAge, nil)
}

// MaxAge returns the signer's default validity window.
func (s *Signer) MaxAge() time.Duration { return s.maxAge }

// Sign authenticates an instruction: fresh UTC timestamp, 128-bit random
// nonce, HMAC-SHA256 over the canonical (instruction, timestamp, nonce)
// framing, base64 signature.
func (s *Signer) Sign(instr map[string]any) (*SignedInstruction, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)
	mac, err := s.mac(instr, ts, nonce)
	if err != nil {
		return nil, err
	}
	return &SignedInstruction{
		Instruction: instr,
		Signature:   base64.StdEncoding.EncodeToString(mac),
		Timestamp:   ts,
		Nonce:       nonce,
		Version:     SchemaVersion,
	}, nil
}

// Verify checks the signature of signed with a constant-time compare. With
// checkNonce, a nonce is accepted at most once per store: the first
// successful verification atomically claims it and every later attempt,
// concurrent ones included, is rejected as a replay.
func (s *Signer) Verify(signed *SignedInstruction, checkNonce bool) bool {
	if signed == nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(signed.Signature)
	if err != nil {
		return false
	}
	got, err := s.mac(signed.Instruction, signed.Timestamp, signed.Nonce)
	if err != nil {
		return false
	}
	if !hmac.Equal(want, got) {
		return false
	}
	if checkNonce {
		// Claim only after the MAC check so forged envelopes cannot burn
		// a nonce. The claim is atomic; a lost claim is a replay.
		return s.nonces.CheckAndMark(signed.Nonce)
	}
	return true
}

// IsExpired reports whether signed is older than the signer's max age.
func (s *Signer) IsExpired(signed *SignedInstruction) bool {
	return s.IsExpiredWithin(signed, s.maxAge)
}

// IsExpiredWithin reports whether signed is older than maxAge. An
// unparseable timestamp counts as expired (fail closed).
func (s *Signer) IsExpiredWithin(signed *SignedInstruction, maxAge time.Duration) bool {
	if signed == nil {
		return true
	}
	ts, err := time.Parse(time.RFC3339Nano, signed.Timestamp)
	if err != nil {
		return true
	}
	return s.now().Sub(ts) > maxAge
}

// VerifyAndCheckExpiry checks expiry before the signature: expiry is the
// cheaper check and a stale instruction is rejected without computing a MAC.
// A non-positive maxAge uses the signer's default.
func (s *Signer) VerifyAndCheckExpiry(signed *SignedInstruction, maxAge time.Duration) VerifyResult {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	if s.IsExpiredWithin(signed, maxAge) {
		return VerifyResult{IsExpired: true, Error: "instruction expired"}
	}
	if !s.Verify(signed, true) {
		return VerifyResult{Error: "invalid signature or replayed nonce"}
	}
	return VerifyResult{IsValid: true}
}

// SignBatch signs each instruction in order, stopping on the first error.
func (s *Signer) SignBatch(instrs []map[string]any) ([]*SignedInstruction, error) {
	out := make([]*SignedInstruction, 0, len(instrs))
	for _, in := range instrs {
		signed, err := s.Sign(in)
		if err != nil {
			return nil, err
		}
		out = append(out, signed)
	}
	return out, nil
}

// VerifyBatch classifies every entry independently into valid, invalid or
// expired. Replay checking applies, so a duplicate within the batch lands in
// Invalid. A non-positive maxAge uses the signer's default.
func (s *Signer) VerifyBatch(batch []*SignedInstruction, maxAge time.Duration) BatchResult {
	if maxAge <= 0 {
		maxAge = s.maxAge
	}
	var result BatchResult
	for _, signed := range batch {
		switch {
		case s.IsExpiredWithin(signed, maxAge):
			result.Expired = append(result.Expired, signed)
		case s.Verify(signed, true):
			result.Valid = append(result.Valid, signed)
		default:
			result.Invalid = append(result.Invalid, signed)
		}
	}
	return result
}

func (s *Signer) mac(instr map[string]any, ts, nonce string) ([]byte, error) {
	payload, err := canonical.SignaturePayload(instr, ts, nonce)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, s.key)
	h.Write(payload)
	return h.Sum(nil), nil
}

func newNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("instruction: nonce generation failed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
