package instruction

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore is a shared nonce registry for deployments running more
// than one orchestrator process against the same signing key. Process-local
// nonce caches reintroduce replay risk across processes; SET NX with a TTL
// gives atomic first-use semantics cluster-wide.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisNonceStore connects to Redis at addr. Entries expire after ttl
// (DefaultMaxAge when non-positive), matching the instruction expiry window.
func NewRedisNonceStore(addr, password string, db int, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	return &RedisNonceStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl:    ttl,
		prefix: "trustplane:nonce:",
	}
}

// CheckAndMark claims the nonce with a single SET NX, which is atomic
// cluster-wide: of any number of concurrent claims exactly one sees the key
// created. An unreachable registry reports false: the store fails closed
// rather than admit replays.
func (s *RedisNonceStore) CheckAndMark(nonce string) bool {
	claimed, err := s.client.SetNX(context.Background(), s.prefix+nonce, 1, s.ttl).Result()
	if err != nil {
		return false
	}
	return claimed
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}
