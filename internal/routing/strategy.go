package routing

import (
	"context"
	"errors"
	"sort"
	"time"

	"voice-router/internal/callstate"
	"voice-router/internal/directory"
)

// Dial status vocabulary reported by the platform on callback.
const (
	DialStatusCompleted = "completed"
	DialStatusAnswered  = "answered"
	DialStatusNoAnswer  = "no-answer"
	DialStatusBusy      = "busy"
	DialStatusFailed    = "failed"
)

// member is one dialable ring group member: an active user extension with
// an active linked user.
type member struct {
	ext      directory.Extension
	priority int
	endpoint string
}

// dispatchRingGroup runs the group's strategy for one call, first attempt
// or continuation. Progress across webhook round-trips lives in call state;
// a call with no state is a fresh first attempt.
func (d *Dispatcher) dispatchRingGroup(ctx context.Context, org directory.Organization, call Call, groupID string, m meta) Decision {
	m.Type = directory.RouteRingGroup
	group, err := d.Directory.RingGroupByID(ctx, org.ID, groupID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "ring_group_missing")
		}
		d.log().Error("ring group lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "group_id", groupID, "error", err)
		return d.unavailable(call, org.ID, "ring_group_lookup_failed")
	}
	if !group.Status.Active() {
		return d.partyUnavailable(org.ID, call, m, "ring_group_inactive")
	}

	members := d.activeMembers(ctx, org, group)
	if len(members) == 0 {
		d.log().Info("ring group has no active members", "call_sid", call.CallSID, "org_id", org.ID, "group_id", group.ID)
		st := d.loadState(ctx, org.ID, group.ID, call.CallSID)
		return d.fallbackDecision(ctx, org, group, call, st, m, "no_active_members")
	}

	st := d.loadState(ctx, org.ID, group.ID, call.CallSID)
	return d.ringNext(ctx, org, group, call, members, st, m)
}

// Advance continues a ring group call after a dial-status callback.
// A completed dial closes the call's state and records member idle time;
// anything else counts as a failed attempt and moves the strategy forward.
func (d *Dispatcher) Advance(ctx context.Context, call Call, orgID, groupID, status string) Decision {
	start := d.now()
	dec := d.advance(ctx, call, orgID, groupID, status)
	d.record(ctx, call, dec, d.now().Sub(start))
	return dec
}

func (d *Dispatcher) advance(ctx context.Context, call Call, orgID, groupID, status string) Decision {
	m := meta{Type: directory.RouteRingGroup}
	org, err := d.Directory.OrganizationByID(ctx, orgID)
	if err != nil {
		d.log().Error("org lookup failed", "call_sid", call.CallSID, "org_id", orgID, "error", err)
		return d.unavailable(call, orgID, "org_lookup_failed")
	}

	if status == DialStatusCompleted || status == DialStatusAnswered {
		st := d.loadState(ctx, org.ID, groupID, call.CallSID)
		if st != nil && st.LastDialed != "" && d.Idle != nil {
			if err := d.Idle.Touch(ctx, org.ID, st.LastDialed, d.now()); err != nil {
				d.log().Warn("idle touch degraded", "org_id", org.ID, "extension_id", st.LastDialed, "error", err)
			}
		}
		_ = d.States.Delete(ctx, org.ID, groupID, call.CallSID)
		return d.hangup(org.ID, call, m, "dial_complete")
	}

	// no-answer, busy, failed: ring the next member or fall back
	return d.dispatchRingGroup(ctx, org, call, groupID, m)
}

// ringNext picks who to ring given the strategy and the call's progress.
func (d *Dispatcher) ringNext(ctx context.Context, org directory.Organization, group directory.RingGroup, call Call, members []member, st *callstate.CallState, m meta) Decision {
	if st == nil {
		st = &callstate.CallState{CallSID: call.CallSID, RingGroupID: group.ID, CreatedAt: d.now()}
	}

	switch group.Strategy {
	case directory.StrategySimultaneous:
		// One attempt rings everyone; a callback means nobody answered.
		if st.Attempt > 0 {
			return d.fallbackDecision(ctx, org, group, call, st, m, "no_answer")
		}
		st.Attempt++
		d.saveState(ctx, org.ID, group.ID, call.CallSID, *st)
		return d.dialMembers(org, group, call, members, m, "ring_all")

	case directory.StrategyRoundRobin:
		next, reason, ok := d.pickRoundRobin(ctx, org, group, members, st)
		if !ok {
			return d.fallbackDecision(ctx, org, group, call, st, m, "members_exhausted")
		}
		st.MarkTried(next.ext.ID)
		st.Attempt++
		d.saveState(ctx, org.ID, group.ID, call.CallSID, *st)
		return d.dialMembers(org, group, call, []member{next}, m, reason)

	case directory.StrategySequential:
		next, ok := firstUntried(members, st)
		if !ok {
			return d.fallbackDecision(ctx, org, group, call, st, m, "members_exhausted")
		}
		st.MarkTried(next.ext.ID)
		st.Attempt++
		d.saveState(ctx, org.ID, group.ID, call.CallSID, *st)
		return d.dialMembers(org, group, call, []member{next}, m, "ring_sequential")

	case directory.StrategyLongestIdle:
		ordered := d.orderByIdle(ctx, org.ID, members)
		next, ok := firstUntried(ordered, st)
		if !ok {
			return d.fallbackDecision(ctx, org, group, call, st, m, "members_exhausted")
		}
		st.MarkTried(next.ext.ID)
		st.Attempt++
		d.saveState(ctx, org.ID, group.ID, call.CallSID, *st)
		return d.dialMembers(org, group, call, []member{next}, m, "ring_longest_idle")

	default:
		d.log().Error("unknown ring strategy", "org_id", org.ID, "group_id", group.ID, "strategy", string(group.Strategy))
		return d.unavailable(call, org.ID, "unknown_strategy")
	}
}

// pickRoundRobin advances the group's shared rotation pointer under the
// distributed lock. The pointer is shared across concurrent calls, so all
// reads and writes happen inside the critical section. A lock that cannot
// be acquired within the bounded wait degrades to the first untried member
// rather than blocking the caller.
func (d *Dispatcher) pickRoundRobin(ctx context.Context, org directory.Organization, group directory.RingGroup, members []member, st *callstate.CallState) (member, string, bool) {
	lock, err := d.Locks.Acquire(ctx, callstate.RotationLockKey(org.ID, group.ID), d.Settings.LockTTL, d.Settings.LockWait)
	if err != nil {
		if !errors.Is(err, callstate.ErrLockTimeout) {
			d.log().Warn("rotation lock degraded", "org_id", org.ID, "group_id", group.ID, "error", err)
		} else {
			d.log().Warn("rotation lock wait timed out", "org_id", org.ID, "group_id", group.ID)
		}
		next, ok := firstUntried(members, st)
		return next, "lock_timeout_fallback", ok
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			d.log().Warn("rotation lock release failed", "org_id", org.ID, "group_id", group.ID, "error", err)
		}
	}()

	last, err := d.Pointers.Last(ctx, org.ID, group.ID)
	if err != nil {
		d.log().Warn("rotation pointer read degraded", "org_id", org.ID, "group_id", group.ID, "error", err)
		last = -1
	}
	// Walk the rotation until an untried member turns up; one full lap
	// with nothing untried means the group is exhausted for this call.
	idx := last
	for i := 0; i < len(members); i++ {
		idx = (idx + 1) % len(members)
		if st.HasTried(members[idx].ext.ID) {
			continue
		}
		if err := d.Pointers.SetLast(ctx, org.ID, group.ID, idx); err != nil {
			d.log().Warn("rotation pointer write degraded", "org_id", org.ID, "group_id", group.ID, "error", err)
		}
		return members[idx], "ring_round_robin", true
	}
	return member{}, "", false
}

// orderByIdle sorts members longest idle first. A member with no recorded
// completion has never taken a call inside the tracking window and counts
// as maximally idle. Ties break on lowest priority value, then extension
// number, so the order is deterministic.
func (d *Dispatcher) orderByIdle(ctx context.Context, orgID string, members []member) []member {
	ids := make([]string, len(members))
	for i, mb := range members {
		ids[i] = mb.ext.ID
	}
	var finished map[string]time.Time
	if d.Idle != nil {
		var err error
		finished, err = d.Idle.LastFinished(ctx, orgID, ids)
		if err != nil {
			d.log().Warn("idle lookup degraded", "org_id", orgID, "error", err)
			finished = nil
		}
	}
	out := append([]member(nil), members...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, iok := finished[out[i].ext.ID]
		tj, jok := finished[out[j].ext.ID]
		if iok != jok {
			return !iok // never-called sorts first
		}
		if iok && !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].ext.Number < out[j].ext.Number
	})
	return out
}

// firstUntried returns the first member this call has not rung yet,
// in the given order.
func firstUntried(members []member, st *callstate.CallState) (member, bool) {
	for _, mb := range members {
		if st == nil || !st.HasTried(mb.ext.ID) {
			return mb, true
		}
	}
	return member{}, false
}

// activeMembers filters the group to dialable members: the extension and
// its linked user are both active. Lookup trouble skips the member with a
// warning; one broken row must not empty the whole group.
func (d *Dispatcher) activeMembers(ctx context.Context, org directory.Organization, group directory.RingGroup) []member {
	out := make([]member, 0, len(group.Members))
	for _, gm := range group.Members {
		ext, err := d.Directory.ExtensionByID(ctx, org.ID, gm.ExtensionID)
		if err != nil {
			if !errors.Is(err, directory.ErrNotFound) {
				d.log().Warn("member extension lookup degraded", "org_id", org.ID, "extension_id", gm.ExtensionID, "error", err)
			}
			continue
		}
		if !ext.Status.Active() || ext.Type != directory.ExtTypeUser {
			continue
		}
		user, err := d.Directory.UserByID(ctx, org.ID, ext.UserID)
		if err != nil {
			if !errors.Is(err, directory.ErrNotFound) {
				d.log().Warn("member user lookup degraded", "org_id", org.ID, "user_id", ext.UserID, "error", err)
			}
			continue
		}
		if !user.Status.Active() {
			continue
		}
		out = append(out, member{ext: ext, priority: gm.Priority, endpoint: user.SIPEndpoint(org.Domain)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority != out[j].priority {
			return out[i].priority < out[j].priority
		}
		return out[i].ext.Number < out[j].ext.Number
	})
	return out
}

func (d *Dispatcher) dialMembers(org directory.Organization, group directory.RingGroup, call Call, members []member, m meta, reason string) Decision {
	targets := make([]DialTarget, len(members))
	for i, mb := range members {
		targets[i] = DialTarget{Kind: TargetSIP, Value: mb.endpoint}
	}
	timeout := group.RingTimeoutSec
	if timeout <= 0 {
		timeout = d.Settings.DefaultRingTimeout
	}
	token := d.issueToken(CallbackToken{OrgID: org.ID, CallSID: call.CallSID, Purpose: PurposeDial, TargetID: group.ID})
	dec := d.decision(org.ID, call, ActionDial, m, reason)
	dec.Dial = &DialPlan{
		Targets:        targets,
		TimeoutSeconds: timeout,
		CallerID:       call.From,
		ActionPath:     PathDialStatus,
		Token:          token,
	}
	return dec
}

// fallbackDecision is the single place a ring group's fallback policy is
// executed, whatever strategy triggered it.
func (d *Dispatcher) fallbackDecision(ctx context.Context, org directory.Organization, group directory.RingGroup, call Call, st *callstate.CallState, m meta, cause string) Decision {
	fb := group.Fallback
	switch fb.Action {
	case directory.FallbackVoicemail:
		_ = d.States.Delete(ctx, org.ID, group.ID, call.CallSID)
		return d.routeVoicemail(ctx, org, call, fb.VoicemailBoxID, m, "fallback_voicemail")
	case directory.FallbackExtension:
		_ = d.States.Delete(ctx, org.ID, group.ID, call.CallSID)
		return d.routeExtension(ctx, org, call, fb.ExtensionID, m, maxRouteDepth-1)
	case directory.FallbackRepeat:
		if st == nil {
			st = &callstate.CallState{CallSID: call.CallSID, RingGroupID: group.ID, CreatedAt: d.now()}
		}
		if st.Round >= fb.MaxRepeats {
			_ = d.States.Delete(ctx, org.ID, group.ID, call.CallSID)
			return d.hangup(org.ID, call, m, "fallback_repeats_exhausted")
		}
		st.ResetRound()
		members := d.activeMembers(ctx, org, group)
		if len(members) == 0 {
			_ = d.States.Delete(ctx, org.ID, group.ID, call.CallSID)
			return d.hangup(org.ID, call, m, "fallback_no_members")
		}
		d.log().Info("ring group repeating", "call_sid", call.CallSID, "org_id", org.ID, "group_id", group.ID, "round", st.Round)
		return d.ringNext(ctx, org, group, call, members, st, m)
	default: // hangup
		_ = d.States.Delete(ctx, org.ID, group.ID, call.CallSID)
		return d.hangup(org.ID, call, m, "fallback_"+cause)
	}
}

func (d *Dispatcher) loadState(ctx context.Context, orgID, groupID, callSID string) *callstate.CallState {
	st, err := d.States.Get(ctx, orgID, groupID, callSID)
	if err != nil {
		// Unreadable state is a fresh first attempt, never a failed call.
		d.log().Warn("call state read degraded", "org_id", orgID, "group_id", groupID, "call_sid", callSID, "error", err)
		return nil
	}
	return st
}

func (d *Dispatcher) saveState(ctx context.Context, orgID, groupID, callSID string, st callstate.CallState) {
	if err := d.States.Put(ctx, orgID, groupID, callSID, st); err != nil {
		d.log().Warn("call state write degraded", "org_id", orgID, "group_id", groupID, "call_sid", callSID, "error", err)
	}
}
