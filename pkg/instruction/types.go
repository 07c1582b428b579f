// Package instruction authenticates outbound tool-call instructions with
// HMAC-SHA256, blocks replay through single-use nonces, and enforces
// time-based expiry.
package instruction

// SchemaVersion tags the signed-instruction envelope for forward
// compatibility.
const SchemaVersion = "1"

// SignedInstruction is an authenticated tool-call payload. It is immutable
// once created: mutating Instruction after signing invalidates the
// signature, which is how tampering is detected.
type SignedInstruction struct {
	Instruction map[string]any `json:"instruction"`
	Signature   string         `json:"signature"` // base64 HMAC-SHA256
	Timestamp   string         `json:"timestamp"` // RFC 3339 UTC
	Nonce       string         `json:"nonce"`     // 128-bit hex, unique per signature
	Version     string         `json:"version"`
}

// VerifyResult is the outcome of a combined signature and expiry check. At
// most one of IsValid/IsExpired is set; Error explains a rejection.
type VerifyResult struct {
	IsValid   bool   `json:"is_valid"`
	IsExpired bool   `json:"is_expired"`
	Error     string `json:"error,omitempty"`
}

// BatchResult partitions a verified batch. Every entry is classified
// independently; one bad instruction does not short-circuit the rest.
type BatchResult struct {
	Valid   []*SignedInstruction
	Invalid []*SignedInstruction
	Expired []*SignedInstruction
}
