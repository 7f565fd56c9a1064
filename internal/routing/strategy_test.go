package routing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"voice-router/internal/callstate"
	"voice-router/internal/directory"
)

// seedRingGroup adds a group with n active members (101..10n) plus one
// inactive member that must never be dialed.
func (f *fixture) seedRingGroup(strategy directory.RingStrategy, n int, fallback directory.FallbackPolicy) directory.RingGroup {
	members := make([]directory.RingGroupMember, 0, n+1)
	for i := 1; i <= n; i++ {
		ext := f.seedUserExt(fmt.Sprintf("ext-%d", i), fmt.Sprintf("10%d", i), fmt.Sprintf("agent%d", i))
		members = append(members, directory.RingGroupMember{ExtensionID: ext.ID, Priority: i})
	}
	down := f.seedUserExt("ext-down", "199", "down")
	down.Status = directory.StatusInactive
	f.dir.PutExtension(down)
	members = append(members, directory.RingGroupMember{ExtensionID: down.ID, Priority: 50})

	group := directory.RingGroup{
		ID: "rg-1", OrgID: "org-1", Name: "Support",
		Strategy: strategy, RingTimeoutSec: 25,
		Fallback: fallback,
		Status:   directory.StatusActive,
		Members:  members,
	}
	f.dir.PutRingGroup(group)
	f.seedDID("+18005551000", directory.RouteTarget{Type: directory.RouteRingGroup, RingGroupID: group.ID}, directory.StatusActive)
	return group
}

func hangupFallback() directory.FallbackPolicy {
	return directory.FallbackPolicy{Action: directory.FallbackHangup}
}

func TestSimultaneous_RingsAllActiveMembers(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySimultaneous, 3, hangupFallback())

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial {
		t.Fatalf("expected dial, got %s (%s)", dec.Action, dec.Reason)
	}
	if len(dec.Dial.Targets) != 3 {
		t.Fatalf("expected exactly 3 targets, got %d: %+v", len(dec.Dial.Targets), dec.Dial.Targets)
	}
	for _, tgt := range dec.Dial.Targets {
		if tgt.Value == "sip:down@acme.example.com" {
			t.Fatalf("inactive member must not be rung")
		}
	}
	if dec.Dial.TimeoutSeconds != 25 {
		t.Fatalf("expected group ring timeout 25, got %d", dec.Dial.TimeoutSeconds)
	}
	if dec.Dial.ActionPath != PathDialStatus || dec.Dial.Token == "" {
		t.Fatalf("simultaneous dial needs a status callback: %+v", dec.Dial)
	}
}

func TestSimultaneous_NoAnswerFallsBack(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySimultaneous, 2, hangupFallback())
	call := inboundCall("+18005551000")

	f.d.Dispatch(context.Background(), call)
	dec := f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusNoAnswer)
	if dec.Action != ActionHangup {
		t.Fatalf("expected fallback hangup, got %s (%s)", dec.Action, dec.Reason)
	}
	if f.states.Len() != 0 {
		t.Fatalf("terminal fallback must clear call state")
	}
}

func TestRoundRobin_RotationCoversAllMembers(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategyRoundRobin, 3, hangupFallback())

	var sequence []string
	for i := 0; i < 6; i++ {
		call := Call{From: "+14155551234", To: "+18005551000", CallSID: fmt.Sprintf("CA%d", i)}
		dec := f.d.Dispatch(context.Background(), call)
		if dec.Action != ActionDial || len(dec.Dial.Targets) != 1 {
			t.Fatalf("call %d: expected single-target dial, got %+v", i, dec)
		}
		sequence = append(sequence, dec.Dial.Targets[0].Value)
	}
	for i := 3; i < 6; i++ {
		if sequence[i] != sequence[i-3] {
			t.Fatalf("rotation should repeat with period 3: %v", sequence)
		}
	}
	seen := map[string]bool{}
	for _, s := range sequence[:3] {
		seen[s] = true
	}
	if len(seen) != 3 {
		t.Fatalf("first 3 calls should cover all 3 members once: %v", sequence[:3])
	}
}

func TestRoundRobin_LockTimeoutFallsBackToSimpleSelection(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategyRoundRobin, 3, hangupFallback())

	release := f.guard.Hold(callstate.RotationLockKey("org-1", "rg-1"))
	defer release()

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionDial {
		t.Fatalf("lock contention must not block the caller: %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Reason != "lock_timeout_fallback" {
		t.Fatalf("expected lock_timeout_fallback, got %q", dec.Reason)
	}
	if dec.Dial.Targets[0].Value != "sip:agent1@acme.example.com" {
		t.Fatalf("fallback selection must be deterministic lowest priority, got %+v", dec.Dial.Targets[0])
	}
}

func TestRoundRobin_NoAnswerAdvancesWithoutRedial(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategyRoundRobin, 3, hangupFallback())
	call := inboundCall("+18005551000")

	dialed := map[string]int{}
	dec := f.d.Dispatch(context.Background(), call)
	for dec.Action == ActionDial {
		dialed[dec.Dial.Targets[0].Value]++
		dec = f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusNoAnswer)
	}
	if dec.Action != ActionHangup {
		t.Fatalf("expected terminal fallback, got %s (%s)", dec.Action, dec.Reason)
	}
	if len(dialed) != 3 {
		t.Fatalf("expected all 3 members tried once, got %v", dialed)
	}
	for ep, n := range dialed {
		if n != 1 {
			t.Fatalf("%s dialed %d times", ep, n)
		}
	}
}

func TestSequential_RingsByPriorityAndNeverRedials(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySequential, 3, hangupFallback())
	call := inboundCall("+18005551000")

	var order []string
	dec := f.d.Dispatch(context.Background(), call)
	for dec.Action == ActionDial {
		order = append(order, dec.Dial.Targets[0].Value)
		dec = f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusNoAnswer)
	}
	want := []string{
		"sip:agent1@acme.example.com",
		"sip:agent2@acme.example.com",
		"sip:agent3@acme.example.com",
	}
	if len(order) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("attempt %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestSequential_FallbackToVoicemail(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.dir.PutVoicemailBox(directory.VoicemailBox{ID: "vm-1", OrgID: "org-1", Greeting: "Leave a message.", MaxMessage: 60})
	f.seedRingGroup(directory.StrategySequential, 1, directory.FallbackPolicy{
		Action: directory.FallbackVoicemail, VoicemailBoxID: "vm-1",
	})
	call := inboundCall("+18005551000")

	f.d.Dispatch(context.Background(), call)
	dec := f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusNoAnswer)
	if dec.Action != ActionRecord {
		t.Fatalf("expected voicemail record, got %s (%s)", dec.Action, dec.Reason)
	}
}

func TestRepeatFallback_RingsAgainThenHangsUp(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySequential, 2, directory.FallbackPolicy{
		Action: directory.FallbackRepeat, MaxRepeats: 1,
	})
	call := inboundCall("+18005551000")

	attempts := 0
	dec := f.d.Dispatch(context.Background(), call)
	for dec.Action == ActionDial {
		attempts++
		if attempts > 10 {
			t.Fatalf("repeat fallback did not terminate")
		}
		dec = f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusNoAnswer)
	}
	// 2 members, one full repeat round: 4 dial attempts total.
	if attempts != 4 {
		t.Fatalf("expected 4 attempts across 2 rounds, got %d", attempts)
	}
	if dec.Action != ActionHangup || dec.Reason != "fallback_repeats_exhausted" {
		t.Fatalf("expected repeats exhausted hangup, got %s (%s)", dec.Action, dec.Reason)
	}
}

func TestLongestIdle_NeverCalledFirstThenOldest(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategyLongestIdle, 3, hangupFallback())

	// agent1 finished recently, agent2 long ago, agent3 never.
	ctx := context.Background()
	_ = f.idle.Touch(ctx, "org-1", "ext-1", f.now.Add(-5*time.Minute))
	_ = f.idle.Touch(ctx, "org-1", "ext-2", f.now.Add(-3*time.Hour))

	call := inboundCall("+18005551000")
	var order []string
	dec := f.d.Dispatch(ctx, call)
	for dec.Action == ActionDial {
		order = append(order, dec.Dial.Targets[0].Value)
		dec = f.d.Advance(ctx, call, "org-1", "rg-1", DialStatusNoAnswer)
	}
	want := []string{
		"sip:agent3@acme.example.com",
		"sip:agent2@acme.example.com",
		"sip:agent1@acme.example.com",
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("idle order wrong at %d: got %v want %v", i, order, want)
		}
	}
}

func TestLongestIdle_TieBreaksOnPriority(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategyLongestIdle, 3, hangupFallback())

	// Nobody has taken a call: all tied, priority decides.
	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Dial.Targets[0].Value != "sip:agent1@acme.example.com" {
		t.Fatalf("tie must break on lowest priority, got %+v", dec.Dial.Targets[0])
	}
}

func TestAdvance_CompletedDialTouchesIdleAndClearsState(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySequential, 2, hangupFallback())
	call := inboundCall("+18005551000")

	f.d.Dispatch(context.Background(), call)
	dec := f.d.Advance(context.Background(), call, "org-1", "rg-1", DialStatusCompleted)
	if dec.Action != ActionHangup || dec.Reason != "dial_complete" {
		t.Fatalf("expected dial_complete hangup, got %s (%s)", dec.Action, dec.Reason)
	}
	if f.states.Len() != 0 {
		t.Fatalf("completed call must clear its state")
	}
	finished, _ := f.idle.LastFinished(context.Background(), "org-1", []string{"ext-1"})
	if _, ok := finished["ext-1"]; !ok {
		t.Fatalf("completed dial must record idle time for the answered member")
	}
}

func TestRingGroup_NoActiveMembersAppliesFallback(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	group := f.seedRingGroup(directory.StrategySimultaneous, 2, hangupFallback())
	for i := 1; i <= 2; i++ {
		f.dir.PutUser(directory.User{
			ID: fmt.Sprintf("user-ext-%d", i), OrgID: "org-1",
			SIPUsername: fmt.Sprintf("agent%d", i), Status: directory.StatusInactive,
		})
	}

	dec := f.d.Dispatch(context.Background(), inboundCall("+18005551000"))
	if dec.Action != ActionHangup {
		t.Fatalf("expected fallback hangup for empty group %s, got %s (%s)", group.ID, dec.Action, dec.Reason)
	}
}

func TestAdvance_MissingStateStartsFresh(t *testing.T) {
	f := newFixture()
	f.seedOrg()
	f.seedRingGroup(directory.StrategySequential, 2, hangupFallback())

	// Callback for a call the state store has never seen: fresh attempt,
	// never a crash.
	dec := f.d.Advance(context.Background(), inboundCall("+18005551000"), "org-1", "rg-1", DialStatusNoAnswer)
	if dec.Action != ActionDial {
		t.Fatalf("expected fresh first attempt, got %s (%s)", dec.Action, dec.Reason)
	}
	if dec.Dial.Targets[0].Value != "sip:agent1@acme.example.com" {
		t.Fatalf("fresh attempt should ring first member, got %+v", dec.Dial.Targets[0])
	}
}
