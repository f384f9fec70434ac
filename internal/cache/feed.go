package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trunov/secondhand/internal/entities"
)

// Feed caches feed pages keyed by limit. It is backed by redis when
// available and by an in-process expiring LRU otherwise. Cache failures
// are logged and treated as misses.
type Feed struct {
	redis *Cache
	local *expirable.LRU[int, []entities.Listing]
	ttl   time.Duration
	log   *zap.Logger
}

func NewRedisFeed(c *Cache, ttl time.Duration, log *zap.Logger) *Feed {
	return &Feed{redis: c, ttl: ttl, log: log.Named("feed-cache")}
}

func NewLocalFeed(size int, ttl time.Duration, log *zap.Logger) *Feed {
	if size < 1 {
		size = 16
	}
	return &Feed{
		local: expirable.NewLRU[int, []entities.Listing](size, nil, ttl),
		ttl:   ttl,
		log:   log.Named("feed-cache"),
	}
}

func (f *Feed) GetFeed(ctx context.Context, limit int) ([]entities.Listing, bool) {
	if f.local != nil {
		return f.local.Get(limit)
	}

	raw, err := f.redis.Get(ctx, strconv.Itoa(limit))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			f.log.Warn("feed cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var listings []entities.Listing
	if err := json.Unmarshal(raw, &listings); err != nil {
		f.log.Warn("feed cache entry is corrupt", zap.Error(err))
		return nil, false
	}
	return listings, true
}

func (f *Feed) StoreFeed(ctx context.Context, limit int, listings []entities.Listing) {
	if f.local != nil {
		f.local.Add(limit, listings)
		return
	}

	raw, err := json.Marshal(listings)
	if err != nil {
		f.log.Warn("feed cache encode failed", zap.Error(err))
		return
	}
	if err := f.redis.Store(ctx, strconv.Itoa(limit), f.ttl, raw); err != nil {
		f.log.Warn("feed cache write failed", zap.Error(err))
	}
}

func (f *Feed) InvalidateFeed(ctx context.Context) {
	if f.local != nil {
		f.local.Purge()
		return
	}
	if err := f.redis.Flush(ctx); err != nil {
		f.log.Warn("feed cache flush failed", zap.Error(err))
	}
}
