// Package identity caches user display metadata in Redis in front of the
// data-access layer.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/internal/realtime"
	"github.com/pairup-app/realtime-core/pkg/logger"
	"github.com/pairup-app/realtime-core/pkg/metrics"
)

const keyPrefix = "rt:identity:"

// Config is the Redis connection used by the cache.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a Redis client and checks it with a ping.
func Connect(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Client is the subset of the Redis API the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache is a read-through identity cache. Redis failures fall back to the
// backing resolver.
type Cache struct {
	client  Client
	backing realtime.IdentityResolver
	ttl     time.Duration
	logger  *logger.Logger
	group   singleflight.Group
}

// NewCache creates a cache in front of backing.
func NewCache(client Client, backing realtime.IdentityResolver, ttl time.Duration, log *logger.Logger) *Cache {
	return &Cache{
		client:  client,
		backing: backing,
		ttl:     ttl,
		logger:  log.Component("identity_cache"),
	}
}

// ResolveUserIdentity returns the cached identity of userID, loading it from
// the backing resolver on a miss.
func (c *Cache) ResolveUserIdentity(ctx context.Context, userID string) (model.Identity, error) {
	key := keyPrefix + userID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var identity model.Identity
		if err := json.Unmarshal(raw, &identity); err == nil {
			metrics.RecordEvent("identity_cache", "hit")
			return identity, nil
		}
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("identity cache read failed", zap.String("key", key), zap.Error(err))
	}
	metrics.RecordEvent("identity_cache", "miss")

	v, err, _ := c.group.Do(userID, func() (any, error) {
		identity, err := c.backing.ResolveUserIdentity(ctx, userID)
		if err != nil {
			return model.Identity{}, err
		}
		if raw, err := json.Marshal(identity); err == nil {
			if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
				c.logger.Warn("identity cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
		return identity, nil
	})
	if err != nil {
		return model.Identity{}, err
	}
	return v.(model.Identity), nil
}

// Wrap returns data with identity lookups served through the cache.
func (c *Cache) Wrap(data realtime.DataAccess) realtime.DataAccess {
	return &cachedData{DataAccess: data, cache: c}
}

type cachedData struct {
	realtime.DataAccess
	cache *Cache
}

func (d *cachedData) ResolveUserIdentity(ctx context.Context, userID string) (model.Identity, error) {
	return d.cache.ResolveUserIdentity(ctx, userID)
}
