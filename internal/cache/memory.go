package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is an in-process Client used by tests and single-node setups.
// Entries expire lazily on read.
type Memory struct {
	mu  sync.Mutex
	m   map[string]memEntry
	Now func() time.Time
}

type memEntry struct {
	raw       []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{m: make(map[string]memEntry), Now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok {
		return false, nil
	}
	if c.Now().After(e.expiresAt) {
		delete(c.m, key)
		return false, nil
	}
	if err := json.Unmarshal(e.raw, dest); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *Memory) Set(_ context.Context, key string, val any, ttl time.Duration) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = memEntry{raw: raw, expiresAt: c.Now().Add(ttl)}
	return nil
}

// Len reports live entries; tests use it to assert fills happened.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
