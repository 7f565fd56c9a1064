package callstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"voice-router/pkg/utils"
)

// ErrLockTimeout means the lock stayed held for the whole bounded wait.
// Strategy code falls back to a simple deterministic selection instead of
// blocking the caller.
var ErrLockTimeout = errors.New("callstate: lock wait timed out")

// RotationLockKey serializes rotation pointer updates per ring group.
func RotationLockKey(orgID, groupID string) string {
	return fmt.Sprintf("lock:rr:%s:%s", orgID, groupID)
}

const lockPollInterval = 25 * time.Millisecond

// Lock is one held lock. Release after expiry is a harmless no-op.
type Lock struct {
	key     string
	release func(ctx context.Context) error
}

func (l *Lock) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Guard hands out short-lived distributed locks backed by redis.
// Locks carry a random owner token so an expired holder can never release
// a successor's lock.
type Guard struct {
	rdb *redis.Client
}

func NewGuard(rdb *redis.Client) *Guard {
	return &Guard{rdb: rdb}
}

// Acquire takes the lock, polling for up to wait before giving up with
// ErrLockTimeout. ttl bounds the damage of a crashed holder; live holders
// must Release promptly.
func (g *Guard) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(wait)
	for {
		ok, err := utils.AcquireKeyedLock(ctx, g.rdb, key, owner, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			rdb := g.rdb
			return &Lock{key: key, release: func(ctx context.Context) error {
				_, err := utils.ReleaseKeyedLock(ctx, rdb, key, owner)
				return err
			}}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}
