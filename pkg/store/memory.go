package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-run sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	outputs map[string]*Output
	chains  map[string][]*ChainEntry
	order   []string // insertion order of output ids
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		outputs: make(map[string]*Output),
		chains:  make(map[string][]*ChainEntry),
	}
}

func (s *MemoryStore) InsertOutput(_ context.Context, out *Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(out)
	return nil
}

func (s *MemoryStore) AppendChained(_ context.Context, out *Output, entry *ChainEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(out)
	e := *entry
	s.chains[entry.JobID] = append(s.chains[entry.JobID], &e)
	return nil
}

func (s *MemoryStore) insertLocked(out *Output) {
	cp := cloneOutput(out)
	s.outputs[out.ID] = cp
	s.order = append(s.order, out.ID)
}

func (s *MemoryStore) GetOutput(_ context.Context, id string) (*Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOutput(out), nil
}

func (s *MemoryStore) OutputsForJob(_ context.Context, jobID string) ([]*Output, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var outs []*Output
	for _, id := range s.order {
		if out := s.outputs[id]; out.JobID == jobID {
			outs = append(outs, cloneOutput(out))
		}
	}
	return outs, nil
}

func (s *MemoryStore) SetVerification(_ context.Context, id string, verified bool, verificationError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outputs[id]
	if !ok {
		return ErrNotFound
	}
	out.IsVerified = verified
	out.VerificationError = verificationError
	return nil
}

func (s *MemoryStore) ChainForJob(_ context.Context, jobID string) ([]*ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.chains[jobID]
	out := make([]*ChainEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) LastChainEntry(_ context.Context, jobID string) (*ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.chains[jobID]
	if len(entries) == 0 {
		return nil, ErrNotFound
	}
	last := entries[0]
	for _, e := range entries[1:] {
		if e.Sequence > last.Sequence {
			last = e
		}
	}
	cp := *last
	return &cp, nil
}

func (s *MemoryStore) CountsFor(_ context.Context, jobID string) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c Counts
	for _, out := range s.outputs {
		if jobID != "" && out.JobID != jobID {
			continue
		}
		c.TotalOutputs++
		if out.IsVerified {
			c.VerifiedOutputs++
		} else {
			c.FailedVerification++
		}
	}
	return c, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneOutput(out *Output) *Output {
	cp := *out
	if out.Metadata != nil {
		cp.Metadata = make(map[string]any, len(out.Metadata))
		for k, v := range out.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
