package instruction

import (
	"sync"
	"time"
)

// NonceStore tracks nonces consumed by verification. Implementations must be
// safe for concurrent use.
type NonceStore interface {
	// CheckAndMark atomically claims the nonce, reporting whether this
	// call was the first use. The claim must be a single atomic step:
	// concurrent verifications of the same instruction may admit at most
	// one winner.
	CheckAndMark(nonce string) bool
}

// sweepThreshold bounds the memory store between TTL sweeps.
const sweepThreshold = 10000

// MemoryNonceStore is a process-local NonceStore with TTL eviction. A nonce
// older than the instruction max age can never be replayed successfully (the
// expiry check rejects it first), so entries are dropped once they outlive
// the TTL. A size high-water mark triggers an eager sweep so the map stays
// bounded under sustained signing load.
type MemoryNonceStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore creates a store whose entries expire after ttl. A
// non-positive ttl falls back to DefaultMaxAge.
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	return &MemoryNonceStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// CheckAndMark claims the nonce under one lock acquisition, so the check and
// the insert cannot interleave with a concurrent claim of the same nonce.
func (s *MemoryNonceStore) CheckAndMark(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if at, ok := s.seen[nonce]; ok && s.now().Sub(at) <= s.ttl {
		return false
	}
	if len(s.seen) >= sweepThreshold {
		s.sweepLocked()
	}
	s.seen[nonce] = s.now()
	return true
}

// Seen reports whether the nonce is currently claimed, without claiming it.
func (s *MemoryNonceStore) Seen(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.seen[nonce]
	return ok && s.now().Sub(at) <= s.ttl
}

// Len reports the number of live entries, sweeping expired ones first.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.seen)
}

func (s *MemoryNonceStore) sweepLocked() {
	cutoff := s.now().Add(-s.ttl)
	for n, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, n)
		}
	}
}
