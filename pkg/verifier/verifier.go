// Package verifier records tool outputs durably and tamper-evidently. Every
// record carries a content hash over the canonical form of the output;
// records that belong to a job are additionally linked into a per-job hash
// chain so that reordering, removal, or mutation of any past output is
// detectable by a single chain walk.
package verifier

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumlabs/trustplane/pkg/canonical"
	"github.com/quorumlabs/trustplane/pkg/store"
)

// VerifiedOutput is a stored audit record of a tool output.
type VerifiedOutput = store.Output

// ChainEntry is one link in a job's verification chain.
type ChainEntry = store.ChainEntry

// ChainStatus is the result of a chain integrity walk. Error names the first
// violation found, with its sequence number.
type ChainStatus struct {
	Valid       bool   `json:"valid"`
	Error       string `json:"error,omitempty"`
	ChainLength int    `json:"chain_length"`
}

// Stats aggregates verification outcomes. VerificationRate is 1.0 when no
// outputs exist yet.
type Stats struct {
	TotalOutputs       int     `json:"total_outputs"`
	VerifiedOutputs    int     `json:"verified_outputs"`
	FailedVerification int     `json:"failed_verification"`
	VerificationRate   float64 `json:"verification_rate"`
}

type chainHead struct {
	hash string
	seq  int
}

// Verifier is the recording and verification front of the audit store. Safe
// for concurrent use; appends to the same job's chain are serialized.
type Verifier struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	heads map[string]chainHead
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(v *Verifier) { v.log = log }
}

// New creates a Verifier over the given store.
func New(st store.Store, opts ...Option) *Verifier {
	v := &Verifier{
		store: st,
		log:   slog.Default(),
		now:   time.Now,
		heads: make(map[string]chainHead),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// RecordOutput hashes content in canonical form and persists a verified
// record. When jobID is non-empty the record is appended to the job's hash
// chain atomically with the insert.
func (v *Verifier) RecordOutput(ctx context.Context, toolName string, content any, jobID string, metadata map[string]any) (*VerifiedOutput, error) {
	contentHash, err := canonical.Hash(content)
	if err != nil {
		return nil, fmt.Errorf("verifier: hash content failed: %w", err)
	}
	now := v.now().UTC()
	out := &VerifiedOutput{
		ID:          newOutputID(toolName, contentHash, now),
		JobID:       jobID,
		ToolName:    toolName,
		ContentHash: contentHash,
		Timestamp:   now,
		IsVerified:  true,
		Metadata:    metadata,
	}

	if jobID == "" {
		if err := v.store.InsertOutput(ctx, out); err != nil {
			return nil, err
		}
		v.log.Debug("output recorded", "output_id", out.ID, "tool", toolName)
		return out, nil
	}

	// The head lock serializes appends so sequences stay monotonic per job
	// even under concurrent recording.
	v.mu.Lock()
	defer v.mu.Unlock()

	head, err := v.headLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	entry := &ChainEntry{
		OutputID:     out.ID,
		JobID:        jobID,
		PreviousHash: head.hash,
		ContentHash:  contentHash,
		ChainHash:    canonical.ChainHash(contentHash, head.hash),
		Sequence:     head.seq + 1,
		Timestamp:    now,
	}
	if err := v.store.AppendChained(ctx, out, entry); err != nil {
		// Head may be stale after a failed append; reload on next use.
		delete(v.heads, jobID)
		return nil, err
	}
	v.heads[jobID] = chainHead{hash: entry.ChainHash, seq: entry.Sequence}
	v.log.Debug("output recorded", "output_id", out.ID, "tool", toolName, "job_id", jobID, "sequence", entry.Sequence)
	return out, nil
}

// headLocked returns the cached chain head for a job, loading it from
// storage on a cache miss. Loading on miss lets a fresh process continue a
// chain persisted by a previous run.
func (v *Verifier) headLocked(ctx context.Context, jobID string) (chainHead, error) {
	if head, ok := v.heads[jobID]; ok {
		return head, nil
	}
	last, err := v.store.LastChainEntry(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return chainHead{}, nil
	}
	if err != nil {
		return chainHead{}, err
	}
	head := chainHead{hash: last.ChainHash, seq: last.Sequence}
	v.heads[jobID] = head
	return head, nil
}

// VerifyOutput recomputes the hash of content and compares it against the
// stored record. A mismatch is persisted as a permanent downgrade: the
// record stays flagged even if a later call presents the original content.
// An unknown id yields a synthetic unverified result, not an error.
func (v *Verifier) VerifyOutput(ctx context.Context, outputID string, content any) (*VerifiedOutput, error) {
	out, err := v.store.GetOutput(ctx, outputID)
	if errors.Is(err, store.ErrNotFound) {
		return &VerifiedOutput{
			ID:                outputID,
			IsVerified:        false,
			VerificationError: "output not found",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	contentHash, err := canonical.Hash(content)
	if err != nil {
		return nil, fmt.Errorf("verifier: hash content failed: %w", err)
	}
	if contentHash == out.ContentHash {
		// A past downgrade is not healed by matching content.
		return out, nil
	}

	msg := fmt.Sprintf("content hash mismatch: stored %s, computed %s", out.ContentHash, contentHash)
	if err := v.store.SetVerification(ctx, outputID, false, msg); err != nil {
		return nil, err
	}
	out.IsVerified = false
	out.VerificationError = msg
	v.log.Warn("output verification failed", "output_id", outputID, "tool", out.ToolName)
	return out, nil
}

// GetVerificationChain returns a job's chain entries in sequence order.
func (v *Verifier) GetVerificationChain(ctx context.Context, jobID string) ([]*ChainEntry, error) {
	return v.store.ChainForJob(ctx, jobID)
}

// VerifyChainIntegrity walks a job's chain and reports the first violation
// found. An empty chain is vacuously valid with length 0.
func (v *Verifier) VerifyChainIntegrity(ctx context.Context, jobID string) (*ChainStatus, error) {
	entries, err := v.store.ChainForJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := &ChainStatus{Valid: true, ChainLength: len(entries)}
	for i, entry := range entries {
		if i == 0 && entry.PreviousHash != "" {
			status.Valid = false
			status.Error = fmt.Sprintf("sequence %d: first entry has a previous hash", entry.Sequence)
			return status, nil
		}
		if i > 0 && entry.PreviousHash != entries[i-1].ChainHash {
			status.Valid = false
			status.Error = fmt.Sprintf("sequence %d: previous hash does not match prior chain hash", entry.Sequence)
			return status, nil
		}
		if canonical.ChainHash(entry.ContentHash, entry.PreviousHash) != entry.ChainHash {
			status.Valid = false
			status.Error = fmt.Sprintf("sequence %d: chain hash does not recompute from content and previous hash", entry.Sequence)
			return status, nil
		}
	}
	return status, nil
}

// GetOutput returns a stored record by id.
func (v *Verifier) GetOutput(ctx context.Context, outputID string) (*VerifiedOutput, error) {
	return v.store.GetOutput(ctx, outputID)
}

// GetOutputsForJob returns a job's records in recording order.
func (v *Verifier) GetOutputsForJob(ctx context.Context, jobID string) ([]*VerifiedOutput, error) {
	return v.store.OutputsForJob(ctx, jobID)
}

// GetStats aggregates verification outcomes; an empty jobID means global.
func (v *Verifier) GetStats(ctx context.Context, jobID string) (*Stats, error) {
	counts, err := v.store.CountsFor(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		TotalOutputs:       counts.TotalOutputs,
		VerifiedOutputs:    counts.VerifiedOutputs,
		FailedVerification: counts.FailedVerification,
		VerificationRate:   1.0,
	}
	if counts.TotalOutputs > 0 {
		stats.VerificationRate = float64(counts.VerifiedOutputs) / float64(counts.TotalOutputs)
	}
	return stats, nil
}

// newOutputID derives a unique record id from the recording context. The
// random suffix keeps ids distinct when identical content is recorded twice
// in the same instant.
func newOutputID(toolName, contentHash string, ts time.Time) string {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		panic(fmt.Sprintf("verifier: random source unavailable: %v", err))
	}
	seed := fmt.Sprintf("%s|%s|%s|%x", toolName, contentHash, ts.Format(time.RFC3339Nano), suffix)
	return canonical.HashBytes([]byte(seed))[:32]
}
