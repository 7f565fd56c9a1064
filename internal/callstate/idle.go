package callstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdleKey addresses one extension's last completed call timestamp.
func IdleKey(orgID, extensionID string) string {
	return fmt.Sprintf("idle:%s:%s", orgID, extensionID)
}

// RedisIdleTracker records when each extension last finished a call, for
// the longest-idle strategy. Entries age out after the window; an absent
// entry means the extension has not taken a call within it and counts as
// maximally idle.
type RedisIdleTracker struct {
	rdb    *redis.Client
	window time.Duration
}

func NewRedisIdleTracker(rdb *redis.Client, window time.Duration) *RedisIdleTracker {
	return &RedisIdleTracker{rdb: rdb, window: window}
}

func (t *RedisIdleTracker) Touch(ctx context.Context, orgID, extensionID string, at time.Time) error {
	return t.rdb.Set(ctx, IdleKey(orgID, extensionID), at.UnixMilli(), t.window).Err()
}

// LastFinished returns last-completed times for the given extensions.
// Extensions with no record are absent from the map.
func (t *RedisIdleTracker) LastFinished(ctx context.Context, orgID string, extensionIDs []string) (map[string]time.Time, error) {
	if len(extensionIDs) == 0 {
		return map[string]time.Time{}, nil
	}
	keys := make([]string, len(extensionIDs))
	for i, id := range extensionIDs {
		keys[i] = IdleKey(orgID, id)
	}
	vals, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(extensionIDs))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[extensionIDs[i]] = time.UnixMilli(ms)
	}
	return out, nil
}
