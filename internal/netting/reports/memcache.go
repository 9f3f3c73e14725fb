package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalCache keeps rendered reports in process memory. It serves deployments without
// Redis and the ops CLI.
type LocalCache struct {
	items   *gocache.Cache
	version atomic.Int64
}

// NewLocalCache constructs a LocalCache whose entries expire after ttl.
func NewLocalCache(ttl time.Duration) *LocalCache {
	c := &LocalCache{items: gocache.New(ttl, 2*ttl)}
	c.version.Store(1)
	return c
}

// BuildKey composes the cache key with the current version.
func (c *LocalCache) BuildKey(_ context.Context, parts ...string) (string, error) {
	return fmt.Sprintf("%s:%d", strings.Join(parts, ":"), c.version.Load()), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *LocalCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("reports: loader required")
	}
	if raw, ok := c.items.Get(key); ok {
		return json.Unmarshal(raw.([]byte), dest)
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items.SetDefault(key, raw)
	return json.Unmarshal(raw, dest)
}

// Bump invalidates every cached report.
func (c *LocalCache) Bump(context.Context) error {
	c.version.Add(1)
	c.items.Flush()
	return nil
}
