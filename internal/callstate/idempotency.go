package callstate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"

	"voice-router/pkg/utils"
)

// inFlightMarker occupies the claim while the first delivery is still
// computing. Duplicates that race it get a no-op instead of a replay.
const inFlightMarker = "__in_flight__"

// IdempotencyKey derives the claim key for one webhook event. The same
// call + event kind + discriminator (digits, dial attempt) always hashes
// to the same key, so platform redeliveries collapse onto one claim.
func IdempotencyKey(callSID, event, discriminator string) string {
	sum := sha256.Sum256([]byte(callSID + "|" + event + "|" + discriminator))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Claim is the verdict for one delivery.
type Claim struct {
	// Fresh marks the first delivery; the caller computes the response and
	// must SaveResponse under the same key.
	Fresh bool
	// Replay carries the stored response for a duplicate of a completed
	// delivery. Empty when the original is still in flight.
	Replay string
}

// RedisIdempotency detects duplicate webhook deliveries with a short-TTL
// marker and replays the first delivery's response.
type RedisIdempotency struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisIdempotency(rdb *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{rdb: rdb, ttl: ttl}
}

func (i *RedisIdempotency) Claim(ctx context.Context, key string) (Claim, error) {
	claimed, existing, err := utils.ClaimOnce(ctx, i.rdb, key, inFlightMarker, i.ttl)
	if err != nil {
		return Claim{}, err
	}
	if claimed {
		return Claim{Fresh: true}, nil
	}
	if existing == inFlightMarker {
		return Claim{}, nil
	}
	return Claim{Replay: existing}, nil
}

// SaveResponse replaces the in-flight marker with the final response body.
// The replay window restarts; duplicates arriving within it get this body.
func (i *RedisIdempotency) SaveResponse(ctx context.Context, key, body string) error {
	return i.rdb.Set(ctx, key, body, i.ttl).Err()
}
