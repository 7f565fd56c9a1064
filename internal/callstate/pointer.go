package callstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PointerKey addresses a ring group's shared rotation pointer.
func PointerKey(orgID, groupID string) string {
	return fmt.Sprintf("rrptr:%s:%s", orgID, groupID)
}

// RedisPointer keeps the round-robin rotation index per ring group.
// It is shared across calls, so reads and writes only happen inside the
// rotation lock's critical section.
type RedisPointer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPointer(rdb *redis.Client, ttl time.Duration) *RedisPointer {
	return &RedisPointer{rdb: rdb, ttl: ttl}
}

// Last returns the index dialed most recently, or -1 when the group has
// never been dialed (so the first rotation lands on member 0).
func (p *RedisPointer) Last(ctx context.Context, orgID, groupID string) (int, error) {
	n, err := p.rdb.Get(ctx, PointerKey(orgID, groupID)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return -1, nil
		}
		return -1, err
	}
	return n, nil
}

func (p *RedisPointer) SetLast(ctx context.Context, orgID, groupID string, idx int) error {
	return p.rdb.Set(ctx, PointerKey(orgID, groupID), idx, p.ttl).Err()
}
