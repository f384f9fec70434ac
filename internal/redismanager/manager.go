package redismanager

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "secondhand:idempotency:"

type ClientSource interface {
	Get() redis.UniversalClient
}

// Manager maps client-supplied idempotency keys to the listing created for
// them.
type Manager struct {
	src ClientSource
	ttl time.Duration
}

func NewManager(src ClientSource, ttl time.Duration) *Manager {
	return &Manager{
		src: src,
		ttl: ttl,
	}
}

func (m *Manager) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := m.src.Get().Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Remember stores the listing id for key unless the key is already taken.
func (m *Manager) Remember(ctx context.Context, key, listingID string) error {
	return m.src.Get().SetNX(ctx, redisKey(key), listingID, m.ttl).Err()
}

// redisKey hashes the client key so arbitrary header values stay bounded.
func redisKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}
