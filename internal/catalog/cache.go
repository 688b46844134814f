package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"session-service/internal/session"
)

// Cache memoizes lookups in Redis. Redis errors fall through to the
// underlying Lookup.
type Cache struct {
	next   Lookup
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewCache(next Lookup, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(provider, id string) string {
	return "catalog:track:" + provider + ":" + id
}

func (c *Cache) Lookup(ctx context.Context, provider, id string) (*session.Track, error) {
	key := cacheKey(provider, id)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t session.Track
		if err := json.Unmarshal(raw, &t); err == nil {
			return &t, nil
		}
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("session-service: catalog cache read failed", slog.Any("error", err))
	}

	t, err := c.next.Lookup(ctx, provider, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("session-service: catalog cache write failed", slog.Any("error", err))
		}
	}
	return t, nil
}
