package callstate

import (
	"context"
	"sync"
	"time"
)

// Memory implementations mirror the redis ones for tests and single-node
// setups. TTLs are not enforced; tests control lifetime explicitly.

type MemoryStates struct {
	mu sync.Mutex
	m  map[string]CallState
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{m: make(map[string]CallState)}
}

func (s *MemoryStates) Get(_ context.Context, orgID, groupID, callSID string) (*CallState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[StateKey(orgID, groupID, callSID)]
	if !ok {
		return nil, nil
	}
	cp := st
	cp.Tried = append([]string(nil), st.Tried...)
	return &cp, nil
}

func (s *MemoryStates) Put(_ context.Context, orgID, groupID, callSID string, st CallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.Tried = append([]string(nil), st.Tried...)
	s.m[StateKey(orgID, groupID, callSID)] = st
	return nil
}

func (s *MemoryStates) Delete(_ context.Context, orgID, groupID, callSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, StateKey(orgID, groupID, callSID))
	return nil
}

// Len reports stored states; tests use it to assert cleanup.
func (s *MemoryStates) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

type MemoryPointer struct {
	mu sync.Mutex
	m  map[string]int
}

func NewMemoryPointer() *MemoryPointer {
	return &MemoryPointer{m: make(map[string]int)}
}

func (p *MemoryPointer) Last(_ context.Context, orgID, groupID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.m[PointerKey(orgID, groupID)]
	if !ok {
		return -1, nil
	}
	return n, nil
}

func (p *MemoryPointer) SetLast(_ context.Context, orgID, groupID string, idx int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[PointerKey(orgID, groupID)] = idx
	return nil
}

type MemoryIdleTracker struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func NewMemoryIdleTracker() *MemoryIdleTracker {
	return &MemoryIdleTracker{m: make(map[string]time.Time)}
}

func (t *MemoryIdleTracker) Touch(_ context.Context, orgID, extensionID string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[IdleKey(orgID, extensionID)] = at
	return nil
}

func (t *MemoryIdleTracker) LastFinished(_ context.Context, orgID string, extensionIDs []string) (map[string]time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(extensionIDs))
	for _, id := range extensionIDs {
		if at, ok := t.m[IdleKey(orgID, id)]; ok {
			out[id] = at
		}
	}
	return out, nil
}

// MemoryGuard is a process-local lock guard. The redis TTL has no meaning
// here; held locks persist until released.
type MemoryGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{held: make(map[string]bool)}
}

func (g *MemoryGuard) Acquire(ctx context.Context, key string, _, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		g.mu.Lock()
		if !g.held[key] {
			g.held[key] = true
			g.mu.Unlock()
			return &Lock{key: key, release: func(context.Context) error {
				g.mu.Lock()
				delete(g.held, key)
				g.mu.Unlock()
				return nil
			}}, nil
		}
		g.mu.Unlock()
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Hold takes a lock out of band so tests can force contention.
func (g *MemoryGuard) Hold(key string) func() {
	g.mu.Lock()
	g.held[key] = true
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
	}
}

type MemoryIdempotency struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{m: make(map[string]string)}
}

func (i *MemoryIdempotency) Claim(_ context.Context, key string) (Claim, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	existing, ok := i.m[key]
	if !ok {
		i.m[key] = inFlightMarker
		return Claim{Fresh: true}, nil
	}
	if existing == inFlightMarker {
		return Claim{}, nil
	}
	return Claim{Replay: existing}, nil
}

func (i *MemoryIdempotency) SaveResponse(_ context.Context, key, body string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.m[key] = body
	return nil
}
