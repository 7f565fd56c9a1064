package routing

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"voice-router/internal/calllog"
	"voice-router/internal/callstate"
	"voice-router/internal/directory"
	"voice-router/internal/hours"
)

type recorderStub struct {
	mu      sync.Mutex
	entries []calllog.Entry
}

func (r *recorderStub) Record(e calllog.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorderStub) last(t *testing.T) calllog.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		t.Fatalf("no decision recorded")
	}
	return r.entries[len(r.entries)-1]
}

type tokenStub struct{}

func (tokenStub) Issue(tok CallbackToken) (string, error) {
	return "tok-" + tok.Purpose + "-" + tok.TargetID, nil
}

type fixture struct {
	dir      *directory.MemoryStore
	states   *callstate.MemoryStates
	pointers *callstate.MemoryPointer
	idle     *callstate.MemoryIdleTracker
	guard    *callstate.MemoryGuard
	logs     *recorderStub
	now      time.Time
	d        *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{
		dir:      directory.NewMemoryStore(),
		states:   callstate.NewMemoryStates(),
		pointers: callstate.NewMemoryPointer(),
		idle:     callstate.NewMemoryIdleTracker(),
		guard:    callstate.NewMemoryGuard(),
		logs:     &recorderStub{},
		// 2025-06-02 is a Monday, 10:00 New York.
		now: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC),
	}
	f.dir.Now = func() time.Time { return f.now }
	ev := hours.New(f.dir)
	ev.Now = func() time.Time { return f.now }
	f.d = &Dispatcher{
		Directory: f.dir,
		Hours:     ev,
		States:    f.states,
		Pointers:  f.pointers,
		Idle:      f.idle,
		Locks:     f.guard,
		Tokens:    tokenStub{},
		Logs:      f.logs,
		Settings: Settings{
			DefaultRingTimeout: 30,
			LockTTL:            time.Second,
			LockWait:           50 * time.Millisecond,
			SayVoice:           "alice",
			SayLanguage:        "en-US",
		},
		Log: slog.Default(),
		Now: func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) seedOrg() directory.Organization {
	org := directory.Organization{
		ID:       "org-1",
		Name:     "Acme",
		Domain:   "acme.example.com",
		Timezone: "America/New_York",
		Status:   directory.StatusActive,
	}
	f.dir.PutOrganization(org)
	return org
}

// seedUserExt adds an active user extension with an active user.
func (f *fixture) seedUserExt(id, number, sipUser string) directory.Extension {
	ext := directory.Extension{
		ID:     id,
		OrgID:  "org-1",
		Number: number,
		Name:   sipUser,
		Type:   directory.ExtTypeUser,
		UserID: "user-" + id,
		Status: directory.StatusActive,
	}
	f.dir.PutExtension(ext)
	f.dir.PutUser(directory.User{
		ID:          "user-" + id,
		OrgID:       "org-1",
		Name:        sipUser,
		SIPUsername: sipUser,
		Status:      directory.StatusActive,
	})
	return ext
}

func (f *fixture) seedDID(number string, target directory.RouteTarget, status directory.Status) {
	f.dir.PutDID(directory.DID{Number: number, OrgID: "org-1", Target: target, Status: status})
}

func inboundCall(to string) Call {
	return Call{From: "+14155551234", To: to, CallSID: "CA1000"}
}

func TestDispatch_InactiveDIDAlwaysRejected(t *testing.T) {
	targets := []directory.RouteTarget{
		{Type: directory.RouteExtension, ExtensionID: "ext-1"},
		{Type: directory.RouteRingGroup, RingGroupID: "rg-1"},
		{Type: directory.RouteForward, ForwardTo: "+15550001111"},
	}
	for _, target := range targets {
		f := newFixture()
		f.seedOrg()
		f.seedDID("+18005551000", target, directory.StatusInactive)

		dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
		if dec.Action != ActionReject {
			t.Fatalf("target %s: expected reject, got %s (%s)", target.Type, dec.Action, dec.Reason)
		}
	}
}

func TestDispatch_UnknownNumberRejected(t *testing.T) {
	f := newFixture()
	f.seedOrg()

	dec := f.d.Dispatch(context.Background(), inboundCall("+18009990000"))
	if dec.Action != ActionReject {
		t.Fatalf("expected reject, got %s", dec.Action)
	}
	if dec.Reason != "unknown_destination" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

type failingStore struct {
	directory.Store
}

func (failingStore) DIDByNumber(context.Context, string) (directory.DID, error) {
	return directory.DID{}, errors.New("connection refused")
}

func TestDispatch_StoreFailureIsSpokenNotThrown(t *testing.T) {
	f := newFixture()
	f.d.Directory = failingStore{Store: f.dir}

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionSayHangup {
		t.Fatalf("expected say_hangup, got %s", dec.Action)
	}
	if dec.Say == nil || !strings.Contains(dec.Say.Message, "try again later") {
		t.Fatalf("expected a service unavailable message, got %+v", dec.Say)
	}
}

func TestDispatch_UserExtensionDial(t *testing.T) {
	f := newFixture()
	org := f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}, directory.StatusActive)

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
	if len(dec.Dial.Targets) != 1 || dec.Dial.Targets[0].Kind != TargetSIP {
		t.Fatalf("unexpected targets %+v", dec.Dial.Targets)
	}
	if want := "sip:alice@" + org.Domain; dec.Dial.Targets[0].Value != want {
		t.Fatalf("expected %s, got %s", want, dec.Dial.Targets[0].Value)
	}
	if dec.Dial.CallerID != "+14155551234" {
		t.Fatalf("caller id not propagated: %+v", dec.Dial)
	}
	if dec.Direction != "external" {
		t.Fatalf("expected external classification, got %q", dec.Direction)
	}
}

func TestDispatch_InactiveUserIsUnavailable(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.dir.PutUser(directory.User{ID: "user-ext-1", OrgID: "org-1", SIPUsername: "alice", Status: directory.StatusInactive})
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}, directory.StatusActive)

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionSayHangup {
		t.Fatalf("expected say_hangup, got %s", dec.Action)
	}
	if dec.Reason != "user_inactive" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestDispatch_BusinessHoursClosedGoesToVoicemail(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.dir.PutVoicemailBox(directory.VoicemailBox{
		ID: "vm-1", OrgID: "org-1", Greeting: "Please leave a message.", MaxMessage: 120,
	})
	f.dir.PutSchedule(directory.BusinessHoursSchedule{
		ID: "sched-1", OrgID: "org-1", Timezone: "America/New_York",
		OpenAction:   directory.RouteTarget{Type: directory.RouteForward, ForwardTo: "+15550001111"},
		ClosedAction: directory.RouteTarget{Type: directory.RouteVoicemail, VoicemailBoxID: "vm-1"},
		Rules: []directory.WeeklyRule{
			{Weekday: time.Monday, Open: true, OpenTime: "09:00", CloseTime: "17:00"},
		},
	})
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteBusinessHours, ScheduleID: "sched-1"}, directory.StatusActive)

	// Monday 03:00 New York: closed.
	f.now = time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC)
	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionRecord {
		t.Fatalf("expected record, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.OpenStatus != "closed" {
		t.Fatalf("expected closed status, got %q", dec.OpenStatus)
	}
	if dec.Record.Greeting != "Please leave a message." {
		t.Fatalf("greeting not propagated: %+v", dec.Record)
	}

	// Monday 10:00 New York: open, forwards.
	f.now = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	dec = f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial || dec.OpenStatus != "open" {
		t.Fatalf("expected open-hours dial, got %s %q", dec.Action, dec.OpenStatus)
	}
}

func TestDispatch_ConferenceRoomNamespacedByOrg(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.dir.PutConferenceRoom(directory.ConferenceRoom{
		ID: "room-1", OrgID: "org-1", Name: "All hands", MaxParticipants: 20, Status: directory.StatusActive,
	})
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteConferenceRoom, RoomID: "room-1"}, directory.StatusActive)

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionConference {
		t.Fatalf("expected conference, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Conference.Room != "org-org-1-room-room-1" {
		t.Fatalf("room name not namespaced: %q", dec.Conference.Room)
	}
}

func TestDispatch_AIAssistantDialsEndpoint(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.dir.PutAIAssistant(directory.AIAssistant{
		ID: "ai-1", OrgID: "org-1", Endpoint: "sip:agent-42@ai.example.com", Status: directory.StatusActive,
	})
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteAIAssistant, AssistantID: "ai-1"}, directory.StatusActive)

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Dial.Targets[0].Value != "sip:agent-42@ai.example.com" {
		t.Fatalf("unexpected target %+v", dec.Dial.Targets[0])
	}
}

func TestDispatch_OverrideWinsSilently(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}, directory.StatusActive)
	f.dir.PutOverride(directory.RoutingOverride{
		ID: "ov-1", OrgID: "org-1", Number: "+18005551000",
		Destination: "+15559998888", ExpiresAt: f.now.Add(time.Hour),
	})

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s", dec.Action)
	}
	if dec.Dial.Targets[0].Value != "+15559998888" {
		t.Fatalf("override destination not used: %+v", dec.Dial.Targets[0])
	}
	if f.logs.last(t).Reason != "override" {
		t.Fatalf("override must be visible in the call record")
	}
}

func TestDispatch_ExpiredOverrideIgnored(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}, directory.StatusActive)
	f.dir.PutOverride(directory.RoutingOverride{
		ID: "ov-1", OrgID: "org-1", Number: "+18005551000",
		Destination: "+15559998888", ExpiresAt: f.now.Add(-time.Minute),
	})

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Dial == nil || dec.Dial.Targets[0].Value == "+15559998888" {
		t.Fatalf("expired override must not apply: %+v", dec)
	}
}

func TestDispatch_InternalExtensionToExtension(t *testing.T) {
	f := newFixture()
	org := f.seedOrg()
	f.seedUserExt("ext-1", "101", "alice")
	f.seedUserExt("ext-2", "102", "bob")

	dec := f.d.Dispatch(context.Background(), Call{From: "101", To: "102", CallSID: "CA2000", Domain: org.Domain})
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Dial.Targets[0].Value != "sip:bob@"+org.Domain {
		t.Fatalf("unexpected target %+v", dec.Dial.Targets[0])
	}
	if dec.Direction != "internal" {
		t.Fatalf("expected internal classification, got %q", dec.Direction)
	}
}

func TestDispatch_InternalToExternalNumber(t *testing.T) {
	f := newFixture()
	org := f.seedOrg()
	f.seedUserExt("ext-1", "101", "alice")

	dec := f.d.Dispatch(context.Background(), Call{From: "101", To: "+12125557777", CallSID: "CA2001", Domain: org.Domain})
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Dial.Targets[0].Kind != TargetNumber || dec.Dial.Targets[0].Value != "+12125557777" {
		t.Fatalf("unexpected target %+v", dec.Dial.Targets[0])
	}
}

func TestDispatch_UnknownCallerOnDomainRejected(t *testing.T) {
	f := newFixture()
	org := f.seedOrg()
	f.seedUserExt("ext-1", "101", "alice")

	dec := f.d.Dispatch(context.Background(), Call{From: "999", To: "102", CallSID: "CA2002", Domain: org.Domain})
	if dec.Action != ActionReject || dec.Reason != "caller_not_internal" {
		t.Fatalf("expected caller_not_internal reject, got %s (%s)", dec.Action, dec.Reason)
	}
}

func TestDispatch_RecordsDecision(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}, directory.StatusActive)

	f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	e := f.logs.last(t)
	if e.OrgID != "org-1" || e.CallSID != "CA1000" || e.Decision != "dial" {
		t.Fatalf("incomplete record: %+v", e)
	}
	if e.RoutingType != "extension" {
		t.Fatalf("expected routing type extension, got %q", e.RoutingType)
	}
}

func TestIVRInput_DigitRoutesToOption(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	ext := f.seedUserExt("ext-1", "101", "alice")
	f.dir.PutIVRMenu(directory.IVRMenu{
		ID: "menu-1", OrgID: "org-1", Greeting: "Press 1 for sales.", TimeoutSec: 5, MaxRetries: 2,
		Options: []directory.IVROption{
			{Digit: "1", Target: directory.RouteTarget{Type: directory.RouteExtension, ExtensionID: ext.ID}},
		},
	})

	dec := f.d.IVRInput(context.Background(), Call{From: "+14155551234", To: "+18005551000", CallSID: "CA3000"}, "org-1", "menu-1", "1")
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
}

func TestIVRInput_RetriesThenGoodbye(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.dir.PutIVRMenu(directory.IVRMenu{
		ID: "menu-1", OrgID: "org-1", Greeting: "Press 1 for sales.", TimeoutSec: 5, MaxRetries: 2,
		Options: []directory.IVROption{
			{Digit: "1", Target: directory.RouteTarget{Type: directory.RouteHangup}},
		},
	})
	call := Call{From: "+14155551234", To: "+18005551000", CallSID: "CA3001"}

	for i := 0; i < 2; i++ {
		dec := f.d.IVRInput(context.Background(), call, "org-1", "menu-1", "9")
		if dec.Action != ActionGather {
			t.Fatalf("retry %d: expected gather, got %s (%s)", i, dec.Action, dec.Reason)
		}
	}
	dec := f.d.IVRInput(context.Background(), call, "org-1", "menu-1", "9")
	if dec.Action != ActionSayHangup || dec.Reason != "ivr_retries_exhausted" {
		t.Fatalf("expected goodbye after retries, got %s (%s)", dec.Action, dec.Reason)
	}
}

func TestValidE164(t *testing.T) {
	valid := []string{"+18005551000", "+442071838750"}
	invalid := []string{"18005551000", "+0123", "101", "sip:alice@acme.example.com", ""}
	for _, s := range valid {
		if !ValidE164(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range invalid {
		if ValidE164(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
