package directory

import (
	"context"
	"log/slog"
	"time"

	"voice-router/internal/cache"
)

// CacheTTLs splits entry lifetimes by how quickly staleness hurts.
type CacheTTLs struct {
	// Config covers orgs, DIDs, extensions, users, groups, menus, rooms,
	// assistants and voicemail boxes.
	Config time.Duration
	// Schedule covers rules + exceptions, which change close to the calendar.
	Schedule time.Duration
	// Override entries must land fast, including the "no override" answer.
	Override time.Duration
}

// CachedStore is a read-through decorator over a Store. Hits skip the
// durable store entirely; misses fall through once and populate the cache.
// Cache trouble degrades to the underlying store with a warning, it never
// fails a lookup. Only found entities are cached; ErrNotFound always
// reaches the durable store again on the next call.
type CachedStore struct {
	next  Store
	cache cache.Client
	ttls  CacheTTLs
	log   *slog.Logger
}

func NewCachedStore(next Store, c cache.Client, ttls CacheTTLs, log *slog.Logger) *CachedStore {
	if log == nil {
		log = slog.Default()
	}
	return &CachedStore{next: next, cache: c, ttls: ttls, log: log}
}

var _ Store = (*CachedStore)(nil)

func (s *CachedStore) lookup(ctx context.Context, key string, dest any) bool {
	hit, err := s.cache.Get(ctx, key, dest)
	if err != nil {
		s.log.Warn("config cache read degraded", "key", key, "error", err)
		return false
	}
	return hit
}

func (s *CachedStore) fill(ctx context.Context, key string, val any, ttl time.Duration) {
	if err := s.cache.Set(ctx, key, val, ttl); err != nil {
		s.log.Warn("config cache write degraded", "key", key, "error", err)
	}
}

func (s *CachedStore) OrganizationByID(ctx context.Context, id string) (Organization, error) {
	key := cache.Key("org", id)
	var o Organization
	if s.lookup(ctx, key, &o) {
		return o, nil
	}
	o, err := s.next.OrganizationByID(ctx, id)
	if err != nil {
		return Organization{}, err
	}
	s.fill(ctx, key, o, s.ttls.Config)
	return o, nil
}

func (s *CachedStore) OrganizationByDomain(ctx context.Context, domain string) (Organization, error) {
	key := cache.Key("org-domain", domain)
	var o Organization
	if s.lookup(ctx, key, &o) {
		return o, nil
	}
	o, err := s.next.OrganizationByDomain(ctx, domain)
	if err != nil {
		return Organization{}, err
	}
	s.fill(ctx, key, o, s.ttls.Config)
	return o, nil
}

func (s *CachedStore) DIDByNumber(ctx context.Context, number string) (DID, error) {
	key := cache.Key("did", number)
	var d DID
	if s.lookup(ctx, key, &d) {
		return d, nil
	}
	d, err := s.next.DIDByNumber(ctx, number)
	if err != nil {
		return DID{}, err
	}
	s.fill(ctx, key, d, s.ttls.Config)
	return d, nil
}

func (s *CachedStore) ExtensionByID(ctx context.Context, orgID, id string) (Extension, error) {
	key := cache.Key(orgID, "ext", id)
	var e Extension
	if s.lookup(ctx, key, &e) {
		return e, nil
	}
	e, err := s.next.ExtensionByID(ctx, orgID, id)
	if err != nil {
		return Extension{}, err
	}
	s.fill(ctx, key, e, s.ttls.Config)
	return e, nil
}

func (s *CachedStore) ExtensionByNumber(ctx context.Context, orgID, number string) (Extension, error) {
	key := cache.Key(orgID, "extnum", number)
	var e Extension
	if s.lookup(ctx, key, &e) {
		return e, nil
	}
	e, err := s.next.ExtensionByNumber(ctx, orgID, number)
	if err != nil {
		return Extension{}, err
	}
	s.fill(ctx, key, e, s.ttls.Config)
	return e, nil
}

func (s *CachedStore) UserByID(ctx context.Context, orgID, id string) (User, error) {
	key := cache.Key(orgID, "user", id)
	var u User
	if s.lookup(ctx, key, &u) {
		return u, nil
	}
	u, err := s.next.UserByID(ctx, orgID, id)
	if err != nil {
		return User{}, err
	}
	s.fill(ctx, key, u, s.ttls.Config)
	return u, nil
}

func (s *CachedStore) RingGroupByID(ctx context.Context, orgID, id string) (RingGroup, error) {
	key := cache.Key(orgID, "group", id)
	var g RingGroup
	if s.lookup(ctx, key, &g) {
		return g, nil
	}
	g, err := s.next.RingGroupByID(ctx, orgID, id)
	if err != nil {
		return RingGroup{}, err
	}
	s.fill(ctx, key, g, s.ttls.Config)
	return g, nil
}

func (s *CachedStore) ScheduleByID(ctx context.Context, orgID, id string) (BusinessHoursSchedule, error) {
	key := cache.Key(orgID, "sched", id)
	var sc BusinessHoursSchedule
	if s.lookup(ctx, key, &sc) {
		return sc, nil
	}
	sc, err := s.next.ScheduleByID(ctx, orgID, id)
	if err != nil {
		return BusinessHoursSchedule{}, err
	}
	s.fill(ctx, key, sc, s.ttls.Schedule)
	return sc, nil
}

func (s *CachedStore) IVRMenuByID(ctx context.Context, orgID, id string) (IVRMenu, error) {
	key := cache.Key(orgID, "menu", id)
	var m IVRMenu
	if s.lookup(ctx, key, &m) {
		return m, nil
	}
	m, err := s.next.IVRMenuByID(ctx, orgID, id)
	if err != nil {
		return IVRMenu{}, err
	}
	s.fill(ctx, key, m, s.ttls.Config)
	return m, nil
}

func (s *CachedStore) ConferenceRoomByID(ctx context.Context, orgID, id string) (ConferenceRoom, error) {
	key := cache.Key(orgID, "room", id)
	var r ConferenceRoom
	if s.lookup(ctx, key, &r) {
		return r, nil
	}
	r, err := s.next.ConferenceRoomByID(ctx, orgID, id)
	if err != nil {
		return ConferenceRoom{}, err
	}
	s.fill(ctx, key, r, s.ttls.Config)
	return r, nil
}

func (s *CachedStore) AIAssistantByID(ctx context.Context, orgID, id string) (AIAssistant, error) {
	key := cache.Key(orgID, "assistant", id)
	var a AIAssistant
	if s.lookup(ctx, key, &a) {
		return a, nil
	}
	a, err := s.next.AIAssistantByID(ctx, orgID, id)
	if err != nil {
		return AIAssistant{}, err
	}
	s.fill(ctx, key, a, s.ttls.Config)
	return a, nil
}

func (s *CachedStore) VoicemailBoxByID(ctx context.Context, orgID, id string) (VoicemailBox, error) {
	key := cache.Key(orgID, "vmbox", id)
	var b VoicemailBox
	if s.lookup(ctx, key, &b) {
		return b, nil
	}
	b, err := s.next.VoicemailBoxByID(ctx, orgID, id)
	if err != nil {
		return VoicemailBox{}, err
	}
	s.fill(ctx, key, b, s.ttls.Config)
	return b, nil
}

// overrideEntry caches the answer either way; "no override" is as cacheable
// as a hit within the short override TTL.
type overrideEntry struct {
	Found    bool            `json:"found"`
	Override RoutingOverride `json:"override"`
}

func (s *CachedStore) ActiveOverrideForNumber(ctx context.Context, orgID, number string) (RoutingOverride, bool, error) {
	key := cache.Key(orgID, "override", number)
	var e overrideEntry
	if s.lookup(ctx, key, &e) {
		return e.Override, e.Found, nil
	}
	o, found, err := s.next.ActiveOverrideForNumber(ctx, orgID, number)
	if err != nil {
		return RoutingOverride{}, false, err
	}
	s.fill(ctx, key, overrideEntry{Found: found, Override: o}, s.ttls.Override)
	return o, found, nil
}
