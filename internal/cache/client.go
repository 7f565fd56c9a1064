package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client stores serialized snapshots under namespaced keys with a TTL.
// The engine only reads and populates; invalidation on configuration writes
// is the control plane's job.
type Client interface {
	// Get unmarshals the entry into dest and reports whether it existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, val any, ttl time.Duration) error
}

// Key joins parts into the shared keyspace, e.g. Key("did", "+18005551000").
// Every component building config-cache keys goes through this so the
// control plane can compute the same keys when invalidating.
func Key(parts ...string) string {
	return "cfg:" + strings.Join(parts, ":")
}

type redisClient struct {
	rdb *redis.Client
}

// NewRedis wraps a connected redis client.
func NewRedis(rdb *redis.Client) Client {
	return &redisClient{rdb: rdb}
}

func (c *redisClient) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// Corrupt entry reads as a miss; the next fill overwrites it.
		return false, nil
	}
	return true, nil
}

func (c *redisClient) Set(ctx context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}
