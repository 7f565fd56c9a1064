package cache

import (
	"context"
	"testing"
	"time"
)

func TestKey(t *testing.T) {
	if got := Key("did", "+18005551000"); got != "cfg:did:+18005551000" {
		t.Fatalf("unexpected key: %q", got)
	}
	if got := Key("org-1", "ext", "e-9"); got != "cfg:org-1:ext:e-9" {
		t.Fatalf("unexpected key: %q", got)
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	type snap struct {
		Name string `json:"name"`
	}
	if err := c.Set(ctx, "cfg:x", snap{Name: "a"}, time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got snap
	hit, err := c.Get(ctx, "cfg:x", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !hit || got.Name != "a" {
		t.Fatalf("expected hit with name a, got hit=%v name=%q", hit, got.Name)
	}

	var miss snap
	hit, err = c.Get(ctx, "cfg:other", &miss)
	if err != nil || hit {
		t.Fatalf("expected clean miss, got hit=%v err=%v", hit, err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	c.Now = func() time.Time { return now }

	if err := c.Set(ctx, "cfg:x", "v", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	now = now.Add(2 * time.Minute)
	var got string
	hit, err := c.Get(ctx, "cfg:x", &got)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if hit {
		t.Fatalf("expected expired entry to miss")
	}
	if c.Len() != 0 {
		t.Fatalf("expected expired entry to be dropped, len=%d", c.Len())
	}
}
