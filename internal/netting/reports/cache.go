package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "reports:netting:version"
	bumpChannel     = "netting.bump"
)

// RedisCache wraps Redis based caching with versioned keys. Once ListenForInvalidation
// is running it also keeps the version and recent payloads in process memory.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration

	// version is zero unless a subscription keeps it current.
	version atomic.Int64
	local   *gocache.Cache
}

// NewRedisCache instantiates the cache helper.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl, local: gocache.New(ttl, 2*ttl)}
}

func (c *RedisCache) listening() bool {
	return c.version.Load() > 0
}

// raise moves the local version forward and drops payloads built under older versions.
func (c *RedisCache) raise(ver int64) {
	for {
		current := c.version.Load()
		if current == 0 || ver <= current {
			return
		}
		c.local.Flush()
		if c.version.CompareAndSwap(current, ver) {
			return
		}
	}
}

// Version returns the current cache version, initialising when missing.
func (c *RedisCache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	if ver := c.version.Load(); ver > 0 {
		return ver, nil
	}
	return c.remoteVersion(ctx)
}

func (c *RedisCache) remoteVersion(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *RedisCache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *RedisCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("reports: loader required")
	}
	if c == nil || c.client == nil {
		return loadInto(ctx, dest, loader)
	}
	if c.listening() {
		if raw, ok := c.local.Get(key); ok {
			return json.Unmarshal(raw.([]byte), dest)
		}
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		c.remember(key, payload)
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	c.remember(key, raw)
	return json.Unmarshal(raw, dest)
}

func (c *RedisCache) remember(key string, raw []byte) {
	if c.listening() {
		c.local.SetDefault(key, raw)
	}
}

// Bump invalidates cached reports by incrementing the version and publishing it.
func (c *RedisCache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	c.raise(ver)
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to version bumps published by every process sharing
// the Redis instance. While it runs, keys are built from the local version and payloads
// are served from memory until the next bump. Messages missed during a reconnect are
// bounded by the TTL. It returns once the subscription is established.
func (c *RedisCache) ListenForInvalidation(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	ver, err := c.remoteVersion(ctx)
	if err != nil {
		_ = pubsub.Close()
		return err
	}
	c.version.Store(ver)
	go func() {
		defer func() {
			c.version.Store(0)
			c.local.Flush()
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					continue
				}
				c.raise(ver)
			}
		}
	}()
	return nil
}

func loadInto(ctx context.Context, dest any, loader func(context.Context) (any, error)) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
