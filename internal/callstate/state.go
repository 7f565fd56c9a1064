package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CallState tracks one call's progress through a ring group across webhook
// round-trips. It lives only in the state store with a bounded TTL and is
// never persisted durably.
//
// Invariant: at most one strategy invocation mutates a given state at a
// time. Per-call flows are single-writer by construction; the shared
// rotation pointer is serialized by the lock guard instead.
type CallState struct {
	CallSID     string    `json:"call_sid"`
	RingGroupID string    `json:"ring_group_id"`
	Attempt     int       `json:"attempt"`
	Round       int       `json:"round"`
	Tried       []string  `json:"tried,omitempty"`
	LastDialed  string    `json:"last_dialed,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MarkTried records a dialed member exactly once, preserving dial order.
func (s *CallState) MarkTried(extensionID string) {
	if s.HasTried(extensionID) {
		return
	}
	s.Tried = append(s.Tried, extensionID)
	s.LastDialed = extensionID
}

func (s CallState) HasTried(extensionID string) bool {
	for _, id := range s.Tried {
		if id == extensionID {
			return true
		}
	}
	return false
}

// ResetRound clears per-round progress but keeps the round counter, for
// repeat fallbacks that ring the whole group again.
func (s *CallState) ResetRound() {
	s.Round++
	s.Attempt = 0
	s.Tried = nil
	s.LastDialed = ""
}

// StateKey addresses one call's ring group progress.
func StateKey(orgID, groupID, callSID string) string {
	return fmt.Sprintf("call:%s:%s:%s", orgID, groupID, callSID)
}

// RedisStates stores CallState snapshots in redis with one TTL.
// A missing entry is not an error: callbacks that find no state treat the
// call as a fresh first attempt.
type RedisStates struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStates(rdb *redis.Client, ttl time.Duration) *RedisStates {
	return &RedisStates{rdb: rdb, ttl: ttl}
}

func (s *RedisStates) Get(ctx context.Context, orgID, groupID, callSID string) (*CallState, error) {
	raw, err := s.rdb.Get(ctx, StateKey(orgID, groupID, callSID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var st CallState
	if err := json.Unmarshal(raw, &st); err != nil {
		// Unreadable state is indistinguishable from absent state.
		return nil, nil
	}
	return &st, nil
}

func (s *RedisStates) Put(ctx context.Context, orgID, groupID, callSID string, st CallState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, StateKey(orgID, groupID, callSID), raw, s.ttl).Err()
}

func (s *RedisStates) Delete(ctx context.Context, orgID, groupID, callSID string) error {
	return s.rdb.Del(ctx, StateKey(orgID, groupID, callSID)).Err()
}
