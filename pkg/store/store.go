// Package store persists verified tool outputs and their per-job hash
// chains. All backends satisfy one Store contract; when an output joins a
// chain, the record insert and the chain append commit atomically.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of absent records.
var ErrNotFound = errors.New("store: record not found")

// Output is one stored audit record of a tool output. Records are
// append-only: only the verification fields ever change, and only through
// SetVerification.
type Output struct {
	ID                string         `json:"id"`
	JobID             string         `json:"job_id,omitempty"`
	ToolName          string         `json:"tool_name"`
	ContentHash       string         `json:"content_hash"`
	Timestamp         time.Time      `json:"timestamp"`
	IsVerified        bool           `json:"is_verified"`
	VerificationError string         `json:"verification_error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ChainEntry is one link in a job's verification chain. PreviousHash is
// empty only for the first entry of a job; ChainHash binds ContentHash to
// the previous entry's ChainHash.
type ChainEntry struct {
	OutputID     string    `json:"output_id"`
	JobID        string    `json:"job_id"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	ContentHash  string    `json:"content_hash"`
	ChainHash    string    `json:"chain_hash"`
	Sequence     int       `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
}

// Counts aggregates verification tallies, globally or per job.
type Counts struct {
	TotalOutputs       int
	VerifiedOutputs    int
	FailedVerification int
}

// Store is the persistence contract for the output verifier.
// Implementations must be safe for concurrent use.
type Store interface {
	// InsertOutput persists a record that belongs to no chain.
	InsertOutput(ctx context.Context, out *Output) error
	// AppendChained persists out and entry atomically: a crash must not
	// leave one without the other.
	AppendChained(ctx context.Context, out *Output, entry *ChainEntry) error
	// GetOutput returns the record with the given id, or ErrNotFound.
	GetOutput(ctx context.Context, id string) (*Output, error)
	// OutputsForJob returns a job's records ordered by timestamp.
	OutputsForJob(ctx context.Context, jobID string) ([]*Output, error)
	// SetVerification updates a record's verification flag and error.
	SetVerification(ctx context.Context, id string, verified bool, verificationError string) error
	// ChainForJob returns a job's chain entries in ascending sequence order.
	ChainForJob(ctx context.Context, jobID string) ([]*ChainEntry, error)
	// LastChainEntry returns the highest-sequence entry for a job, or
	// ErrNotFound when the job has no chain.
	LastChainEntry(ctx context.Context, jobID string) (*ChainEntry, error)
	// CountsFor aggregates verification tallies; an empty jobID means global.
	CountsFor(ctx context.Context, jobID string) (Counts, error)
	Close() error
}
