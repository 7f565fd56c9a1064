package directory

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development.
// Put methods replace by key; lookups enforce the same org scoping the
// SQL store does.
type MemoryStore struct {
	mu         sync.RWMutex
	orgs       map[string]Organization
	dids       map[string]DID
	extensions map[string]Extension
	users      map[string]User
	groups     map[string]RingGroup
	schedules  map[string]BusinessHoursSchedule
	menus      map[string]IVRMenu
	rooms      map[string]ConferenceRoom
	assistants map[string]AIAssistant
	boxes      map[string]VoicemailBox
	overrides  map[string]RoutingOverride
	Now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:       make(map[string]Organization),
		dids:       make(map[string]DID),
		extensions: make(map[string]Extension),
		users:      make(map[string]User),
		groups:     make(map[string]RingGroup),
		schedules:  make(map[string]BusinessHoursSchedule),
		menus:      make(map[string]IVRMenu),
		rooms:      make(map[string]ConferenceRoom),
		assistants: make(map[string]AIAssistant),
		boxes:      make(map[string]VoicemailBox),
		overrides:  make(map[string]RoutingOverride),
		Now:        time.Now,
	}
}

func scoped(orgID, id string) string { return orgID + "/" + id }

func (s *MemoryStore) PutOrganization(o Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[o.ID] = o
}

func (s *MemoryStore) PutDID(d DID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dids[d.Number] = d
}

func (s *MemoryStore) PutExtension(e Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[scoped(e.OrgID, e.ID)] = e
}

func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[scoped(u.OrgID, u.ID)] = u
}

func (s *MemoryStore) PutRingGroup(g RingGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[scoped(g.OrgID, g.ID)] = g
}

func (s *MemoryStore) PutSchedule(sc BusinessHoursSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[scoped(sc.OrgID, sc.ID)] = sc
}

func (s *MemoryStore) PutIVRMenu(m IVRMenu) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.menus[scoped(m.OrgID, m.ID)] = m
}

func (s *MemoryStore) PutConferenceRoom(r ConferenceRoom) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[scoped(r.OrgID, r.ID)] = r
}

func (s *MemoryStore) PutAIAssistant(a AIAssistant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistants[scoped(a.OrgID, a.ID)] = a
}

func (s *MemoryStore) PutVoicemailBox(b VoicemailBox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[scoped(b.OrgID, b.ID)] = b
}

func (s *MemoryStore) PutOverride(o RoutingOverride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[scoped(o.OrgID, o.Number)] = o
}

func (s *MemoryStore) OrganizationByID(_ context.Context, id string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[id]
	if !ok {
		return Organization{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) OrganizationByDomain(_ context.Context, domain string) (Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orgs {
		if o.Domain == domain {
			return o, nil
		}
	}
	return Organization{}, ErrNotFound
}

func (s *MemoryStore) DIDByNumber(_ context.Context, number string) (DID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dids[number]
	if !ok {
		return DID{}, ErrNotFound
	}
	return d, nil
}

func (s *MemoryStore) ExtensionByID(_ context.Context, orgID, id string) (Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.extensions[scoped(orgID, id)]
	if !ok {
		return Extension{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) ExtensionByNumber(_ context.Context, orgID, number string) (Extension, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.extensions {
		if e.OrgID == orgID && e.Number == number {
			return e, nil
		}
	}
	return Extension{}, ErrNotFound
}

func (s *MemoryStore) UserByID(_ context.Context, orgID, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[scoped(orgID, id)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) RingGroupByID(_ context.Context, orgID, id string) (RingGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[scoped(orgID, id)]
	if !ok {
		return RingGroup{}, ErrNotFound
	}
	return g, nil
}

func (s *MemoryStore) ScheduleByID(_ context.Context, orgID, id string) (BusinessHoursSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[scoped(orgID, id)]
	if !ok {
		return BusinessHoursSchedule{}, ErrNotFound
	}
	return sc, nil
}

func (s *MemoryStore) IVRMenuByID(_ context.Context, orgID, id string) (IVRMenu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.menus[scoped(orgID, id)]
	if !ok {
		return IVRMenu{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ConferenceRoomByID(_ context.Context, orgID, id string) (ConferenceRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[scoped(orgID, id)]
	if !ok {
		return ConferenceRoom{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) AIAssistantByID(_ context.Context, orgID, id string) (AIAssistant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assistants[scoped(orgID, id)]
	if !ok {
		return AIAssistant{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) VoicemailBoxByID(_ context.Context, orgID, id string) (VoicemailBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boxes[scoped(orgID, id)]
	if !ok {
		return VoicemailBox{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) ActiveOverrideForNumber(_ context.Context, orgID, number string) (RoutingOverride, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[scoped(orgID, number)]
	if !ok || o.Expired(s.Now()) {
		return RoutingOverride{}, false, nil
	}
	return o, true, nil
}
