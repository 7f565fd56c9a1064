package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr string

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var lockReleaseScript = redis.NewScript(`
-- KEYS[1] = lock key
-- ARGV[1] = owner token
--
-- Delete only while still owned. A holder whose lock already expired
-- must not delete a newer holder's lock.
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var claimOnceScript = redis.NewScript(`
-- KEYS[1] = claim key
-- ARGV[1] = placeholder value
-- ARGV[2] = ttl_ms (int)
--
-- Returns:
--  {1, ''}       if this caller claimed the key
--  {0, existing} if the key was already claimed
local existing = redis.call('GET', KEYS[1])
if existing then
  return {0, existing}
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, ''}
`)

// AcquireKeyedLock attempts to take a short-lived mutex for a key.
// This is intended for small critical sections (e.g., per-group rotation
// pointer updates), not long-held leases.
//
// Safety properties:
// - Atomic acquire via SET NX PX.
// - TTL prevents leaked locks on process crash.
// - Owner token makes release safe against expiry races.
func AcquireKeyedLock(ctx context.Context, rdb *redis.Client, key, owner string, ttl time.Duration) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	if owner == "" {
		return false, fmt.Errorf("owner token is required")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("ttl must be > 0")
	}
	return rdb.SetNX(ctx, key, owner, ttl).Result()
}

// ReleaseKeyedLock releases a lock if, and only if, it is still held by owner.
// Returns false when the lock had already expired or been taken over.
func ReleaseKeyedLock(ctx context.Context, rdb *redis.Client, key, owner string) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return false, fmt.Errorf("key is required")
	}
	res, err := lockReleaseScript.Run(ctx, rdb, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ClaimOnce atomically claims a key for exactly one caller.
// The first caller gets (true, ""); every later caller within the TTL gets
// (false, stored) where stored is whatever value the key holds by then.
//
// Safety properties:
// - Atomic check-and-set using Lua.
// - TTL bounds how long duplicates are remembered.
func ClaimOnce(ctx context.Context, rdb *redis.Client, key, placeholder string, ttl time.Duration) (bool, string, error) {
	if rdb == nil {
		return false, "", fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return false, "", fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		return false, "", fmt.Errorf("ttl must be > 0")
	}

	res, err := claimOnceScript.Run(ctx, rdb, []string{key}, placeholder, ttl.Milliseconds()).Slice()
	if err != nil {
		return false, "", err
	}
	if len(res) != 2 {
		return false, "", fmt.Errorf("claim script returned %d values", len(res))
	}
	claimed, _ := res[0].(int64)
	existing, _ := res[1].(string)
	return claimed == 1, existing, nil
}
