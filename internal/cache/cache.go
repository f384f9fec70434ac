package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientSource hands out the current redis client. The health loop may swap
// it after a reconnect, so callers must not hold on to the returned client.
type ClientSource interface {
	Get() redis.UniversalClient
}

type Cache struct {
	Redis     ClientSource
	Namespace string
}

// Get returns the raw value under key. A missing key yields redis.Nil.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.Redis.Get().Get(ctx, c.key(key)).Bytes()
}

// Store data to Redis
func (c *Cache) Store(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	return c.Redis.Get().Set(ctx, c.key(key), value, ttl).Err()
}

// Flush deletes every key of the namespace.
func (c *Cache) Flush(ctx context.Context) error {
	cl := c.Redis.Get()
	iter := cl.Scan(ctx, 0, c.Namespace+":*", 100).Iterator()

	//using pipeline to delete keys efficiently
	pl := cl.Pipeline()
	n := 0
	for iter.Next(ctx) {
		pl.Del(ctx, iter.Val())
		n++
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	_, err := pl.Exec(ctx)
	return err
}

// Delete key from Redis
func (c *Cache) Remove(ctx context.Context, key string) error {
	return c.Redis.Get().Del(ctx, c.key(key)).Err()
}

func (c *Cache) key(k string) string {
	return c.Namespace + ":" + k
}

func NewCache(namespace string, src ClientSource) *Cache {
	return &Cache{
		Namespace: namespace,
		Redis:     src,
	}
}
