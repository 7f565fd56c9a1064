package routing

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"voice-router/internal/calllog"
	"voice-router/internal/callstate"
	"voice-router/internal/directory"
	"voice-router/internal/hours"
)

// Callback paths the engine hands to the platform. The HTTP layer must
// register its handlers on the same paths.
const (
	PathDialStatus = "/webhooks/voice/dial-status"
	PathIVRInput   = "/webhooks/voice/ivr-input"
)

// Token purposes carried in callback tokens.
const (
	PurposeDial   = "dial"
	PurposeGather = "gather"
)

// Call is one inbound webhook event, already parsed and normalized.
type Call struct {
	From        string
	To          string
	CallSID     string
	Domain      string
	SessionData string
}

// CallbackToken is the signed context a callback URL carries. The call
// state store stays authoritative for attempt progress; the token only
// names which call/target the callback belongs to.
type CallbackToken struct {
	OrgID   string
	CallSID string
	Purpose string
	// TargetID is the ring group id (dial) or IVR menu id (gather).
	TargetID string
}

// TokenIssuer signs callback tokens. Implemented by the telephony layer.
type TokenIssuer interface {
	Issue(tok CallbackToken) (string, error)
}

// StateStore, PointerStore, IdleTracker and LockGuard are the call-state
// seams, satisfied by both the redis and memory implementations in
// internal/callstate. No process-wide singletons; everything is injected.

type StateStore interface {
	Get(ctx context.Context, orgID, groupID, callSID string) (*callstate.CallState, error)
	Put(ctx context.Context, orgID, groupID, callSID string, st callstate.CallState) error
	Delete(ctx context.Context, orgID, groupID, callSID string) error
}

type PointerStore interface {
	Last(ctx context.Context, orgID, groupID string) (int, error)
	SetLast(ctx context.Context, orgID, groupID string, idx int) error
}

type IdleTracker interface {
	Touch(ctx context.Context, orgID, extensionID string, at time.Time) error
	LastFinished(ctx context.Context, orgID string, extensionIDs []string) (map[string]time.Time, error)
}

type LockGuard interface {
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*callstate.Lock, error)
}

// DecisionRecorder receives the final decision, fire-and-forget.
type DecisionRecorder interface {
	Record(e calllog.Entry)
}

// Settings are the engine knobs that do not belong to any one store.
type Settings struct {
	DefaultRingTimeout int
	LockTTL            time.Duration
	LockWait           time.Duration
	SayVoice           string
	SayLanguage        string
}

// Dispatcher walks the routing decision tree for one webhook: resolve,
// classify, override, business hours, route, respond. Single pass, no
// retries; every failure becomes a terminal decision the caller can hear.
type Dispatcher struct {
	Directory directory.Store
	Hours     *hours.Evaluator
	States    StateStore
	Pointers  PointerStore
	Idle      IdleTracker
	Locks     LockGuard
	Tokens    TokenIssuer
	Logs      DecisionRecorder
	Settings  Settings

	Log *slog.Logger
	Now func() time.Time
}

const (
	msgServiceUnavailable = "We are unable to connect your call right now. Please try again later."
	msgPartyUnavailable   = "The party you are trying to reach is unavailable. Goodbye."
	msgGoodbye            = "Goodbye."
	msgInvalidChoice      = "Sorry, that is not a valid choice."
)

const maxRouteDepth = 3

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidE164 reports whether s is a plausible E.164 number.
func ValidE164(s string) bool { return e164Pattern.MatchString(s) }

// Dispatch routes one inbound call and records the decision. It never
// returns an error; anything unrecoverable becomes a say+hangup decision so
// the platform always gets executable CXML.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) Decision {
	start := d.now()
	dec := d.resolve(ctx, call)
	d.record(ctx, call, dec, d.now().Sub(start))
	return dec
}

func (d *Dispatcher) resolve(ctx context.Context, call Call) Decision {
	did, err := d.Directory.DIDByNumber(ctx, call.To)
	switch {
	case err == nil:
		return d.routeDID(ctx, call, did)
	case errors.Is(err, directory.ErrNotFound):
		return d.routeInternal(ctx, call)
	default:
		d.log().Error("did lookup failed", "call_sid", call.CallSID, "to", call.To, "error", err)
		return d.unavailable(call, "", "did_lookup_failed")
	}
}

// routeDID handles the external branch: the dialed number is a configured
// DID and the DID's org scopes everything downstream.
func (d *Dispatcher) routeDID(ctx context.Context, call Call, did directory.DID) Decision {
	if !did.Status.Active() {
		return d.reject(call, did.OrgID, "did_inactive")
	}
	org, err := d.Directory.OrganizationByID(ctx, did.OrgID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.reject(call, did.OrgID, "org_missing")
		}
		d.log().Error("org lookup failed", "call_sid", call.CallSID, "org_id", did.OrgID, "error", err)
		return d.unavailable(call, did.OrgID, "org_lookup_failed")
	}
	if !org.Status.Active() {
		return d.reject(call, org.ID, "org_inactive")
	}

	m := meta{Direction: "external"}
	if d.isInternalCaller(ctx, org.ID, call.From) {
		// An internal extension dialing the company DID stays internal;
		// the DID's routing still applies.
		m.Direction = "internal"
	}

	if o, found := d.activeOverride(ctx, org.ID, did.Number); found {
		m.Type = directory.RouteForward
		dec := d.dialDestination(org, call, o.Destination, m, "override")
		return dec
	}

	target := did.Target
	if target.Type == directory.RouteBusinessHours {
		res, err := d.Hours.Evaluate(ctx, org.ID, target.ScheduleID)
		if err != nil {
			d.log().Error("business hours evaluation failed",
				"call_sid", call.CallSID, "org_id", org.ID, "schedule_id", target.ScheduleID, "error", err)
			return d.unavailable(call, org.ID, "hours_evaluation_failed")
		}
		m.OpenStatus = "closed"
		if res.Open {
			m.OpenStatus = "open"
		}
		d.log().Info("business hours evaluated",
			"call_sid", call.CallSID, "org_id", org.ID, "open", res.Open, "window", res.Window)
		target = res.Action
	}

	return d.routeTarget(ctx, org, call, target, m, 0)
}

// routeInternal handles calls whose dialed number is not a DID: a known
// extension dialing another extension, or dialing out to an external number.
// The tenant comes from the platform's domain hint.
func (d *Dispatcher) routeInternal(ctx context.Context, call Call) Decision {
	if call.Domain == "" {
		return d.reject(call, "", "unknown_destination")
	}
	org, err := d.Directory.OrganizationByDomain(ctx, call.Domain)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.reject(call, "", "unknown_domain")
		}
		d.log().Error("org domain lookup failed", "call_sid", call.CallSID, "domain", call.Domain, "error", err)
		return d.unavailable(call, "", "org_lookup_failed")
	}
	if !org.Status.Active() {
		return d.reject(call, org.ID, "org_inactive")
	}
	if !d.isInternalCaller(ctx, org.ID, call.From) {
		return d.reject(call, org.ID, "caller_not_internal")
	}

	m := meta{Direction: "internal"}
	callee, err := d.Directory.ExtensionByNumber(ctx, org.ID, call.To)
	switch {
	case err == nil:
		return d.routeExtension(ctx, org, call, callee.ID, m, 0)
	case errors.Is(err, directory.ErrNotFound):
		if ValidE164(call.To) {
			m.Type = directory.RouteForward
			return d.dialDestination(org, call, call.To, m, "internal_outbound")
		}
		return d.reject(call, org.ID, "unknown_destination")
	default:
		d.log().Error("callee lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "error", err)
		return d.unavailable(call, org.ID, "extension_lookup_failed")
	}
}

// isInternalCaller reports whether From is an active user or AI-assistant
// extension in the org. Lookup trouble degrades to "not internal" with a
// warning; classification must not take the call down.
func (d *Dispatcher) isInternalCaller(ctx context.Context, orgID, from string) bool {
	if from == "" {
		return false
	}
	ext, err := d.Directory.ExtensionByNumber(ctx, orgID, from)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			d.log().Warn("caller classification degraded", "org_id", orgID, "from", from, "error", err)
		}
		return false
	}
	if !ext.Status.Active() {
		return false
	}
	return ext.Type == directory.ExtTypeUser || ext.Type == directory.ExtTypeAIAssistant
}

func (d *Dispatcher) activeOverride(ctx context.Context, orgID, number string) (directory.RoutingOverride, bool) {
	o, found, err := d.Directory.ActiveOverrideForNumber(ctx, orgID, number)
	if err != nil {
		d.log().Warn("override lookup degraded", "org_id", orgID, "number", number, "error", err)
		return directory.RoutingOverride{}, false
	}
	if !found || o.Expired(d.now()) {
		return directory.RoutingOverride{}, false
	}
	return o, true
}

// meta travels with a call through the decision tree so terminal decisions
// carry direction, open/closed status and the effective routing type.
type meta struct {
	Direction  string
	OpenStatus string
	Type       directory.RouteType
}

func (d *Dispatcher) routeTarget(ctx context.Context, org directory.Organization, call Call, t directory.RouteTarget, m meta, depth int) Decision {
	if depth >= maxRouteDepth {
		d.log().Warn("route recursion bounded", "call_sid", call.CallSID, "org_id", org.ID, "type", t.Type)
		return d.unavailable(call, org.ID, "route_loop")
	}
	m.Type = t.Type

	switch t.Type {
	case directory.RouteExtension:
		return d.routeExtension(ctx, org, call, t.ExtensionID, m, depth)
	case directory.RouteRingGroup:
		return d.dispatchRingGroup(ctx, org, call, t.RingGroupID, m)
	case directory.RouteIVR:
		return d.routeIVRMenu(ctx, org, call, t.MenuID, m)
	case directory.RouteConferenceRoom:
		return d.routeConference(ctx, org, call, t.RoomID, m)
	case directory.RouteAIAssistant:
		return d.routeAssistant(ctx, org, call, t.AssistantID, m)
	case directory.RouteForward:
		return d.dialDestination(org, call, t.ForwardTo, m, "forward")
	case directory.RouteVoicemail:
		return d.routeVoicemail(ctx, org, call, t.VoicemailBoxID, m, "voicemail")
	case directory.RouteHangup:
		return d.hangup(org.ID, call, m, "configured_hangup")
	default:
		return d.unavailable(call, org.ID, "unknown_route_type")
	}
}

func (d *Dispatcher) routeExtension(ctx context.Context, org directory.Organization, call Call, extID string, m meta, depth int) Decision {
	m.Type = directory.RouteExtension
	ext, err := d.Directory.ExtensionByID(ctx, org.ID, extID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "extension_missing")
		}
		d.log().Error("extension lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "extension_id", extID, "error", err)
		return d.unavailable(call, org.ID, "extension_lookup_failed")
	}
	if !ext.Status.Active() {
		return d.partyUnavailable(org.ID, call, m, "extension_inactive")
	}

	switch ext.Type {
	case directory.ExtTypeUser:
		user, err := d.Directory.UserByID(ctx, org.ID, ext.UserID)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				return d.partyUnavailable(org.ID, call, m, "user_missing")
			}
			d.log().Error("user lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "user_id", ext.UserID, "error", err)
			return d.unavailable(call, org.ID, "user_lookup_failed")
		}
		if !user.Status.Active() {
			return d.partyUnavailable(org.ID, call, m, "user_inactive")
		}
		return d.dialSingle(org, call, DialTarget{Kind: TargetSIP, Value: user.SIPEndpoint(org.Domain)}, m, "extension_dial")
	case directory.ExtTypeForward:
		m.Type = directory.RouteForward
		return d.dialDestination(org, call, ext.ForwardTo, m, "extension_forward")
	case directory.ExtTypeRingGroup:
		return d.routeTarget(ctx, org, call, directory.RouteTarget{Type: directory.RouteRingGroup, RingGroupID: ext.TargetID}, m, depth+1)
	case directory.ExtTypeIVR:
		return d.routeTarget(ctx, org, call, directory.RouteTarget{Type: directory.RouteIVR, MenuID: ext.TargetID}, m, depth+1)
	case directory.ExtTypeConference:
		return d.routeTarget(ctx, org, call, directory.RouteTarget{Type: directory.RouteConferenceRoom, RoomID: ext.TargetID}, m, depth+1)
	case directory.ExtTypeAIAssistant:
		return d.routeTarget(ctx, org, call, directory.RouteTarget{Type: directory.RouteAIAssistant, AssistantID: ext.TargetID}, m, depth+1)
	default:
		// virtual and queue extensions have no dialable endpoint here
		return d.partyUnavailable(org.ID, call, m, "extension_not_dialable")
	}
}

func (d *Dispatcher) routeIVRMenu(ctx context.Context, org directory.Organization, call Call, menuID string, m meta) Decision {
	menu, err := d.Directory.IVRMenuByID(ctx, org.ID, menuID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "ivr_menu_missing")
		}
		d.log().Error("ivr menu lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "menu_id", menuID, "error", err)
		return d.unavailable(call, org.ID, "ivr_lookup_failed")
	}
	return d.gatherDecision(org, call, menu, menu.Greeting, m, "ivr_prompt")
}

func (d *Dispatcher) gatherDecision(org directory.Organization, call Call, menu directory.IVRMenu, prompt string, m meta, reason string) Decision {
	m.Type = directory.RouteIVR
	token := d.issueToken(CallbackToken{OrgID: org.ID, CallSID: call.CallSID, Purpose: PurposeGather, TargetID: menu.ID})
	timeout := menu.TimeoutSec
	if timeout <= 0 {
		timeout = 5
	}
	dec := d.decision(org.ID, call, ActionGather, m, reason)
	dec.Gather = &GatherPlan{
		Prompt:         prompt,
		Voice:          d.Settings.SayVoice,
		Language:       d.Settings.SayLanguage,
		NumDigits:      1,
		TimeoutSeconds: timeout,
		ActionPath:     PathIVRInput,
		Token:          token,
	}
	return dec
}

// IVRInput resolves a digits callback against the menu's options. No or
// unknown digits replays the prompt up to the menu's retry budget, tracked
// in call state; exhaustion says goodbye.
func (d *Dispatcher) IVRInput(ctx context.Context, call Call, orgID, menuID, digits string) Decision {
	start := d.now()
	dec := d.ivrInput(ctx, call, orgID, menuID, digits)
	d.record(ctx, call, dec, d.now().Sub(start))
	return dec
}

func (d *Dispatcher) ivrInput(ctx context.Context, call Call, orgID, menuID, digits string) Decision {
	m := meta{Type: directory.RouteIVR}
	org, err := d.Directory.OrganizationByID(ctx, orgID)
	if err != nil {
		d.log().Error("org lookup failed", "call_sid", call.CallSID, "org_id", orgID, "error", err)
		return d.unavailable(call, orgID, "org_lookup_failed")
	}
	menu, err := d.Directory.IVRMenuByID(ctx, org.ID, menuID)
	if err != nil {
		d.log().Warn("ivr input without menu", "call_sid", call.CallSID, "org_id", org.ID, "menu_id", menuID, "error", err)
		return d.sayHangup(org.ID, call, m, msgGoodbye, "ivr_menu_missing")
	}

	for _, opt := range menu.Options {
		if digits != "" && opt.Digit == digits {
			_ = d.States.Delete(ctx, org.ID, ivrStateScope(menu.ID), call.CallSID)
			return d.routeTarget(ctx, org, call, opt.Target, m, 0)
		}
	}

	// Invalid or absent input: replay the prompt until retries run out.
	st, err := d.States.Get(ctx, org.ID, ivrStateScope(menu.ID), call.CallSID)
	if err != nil {
		d.log().Warn("ivr state read degraded", "call_sid", call.CallSID, "org_id", org.ID, "error", err)
	}
	if st == nil {
		st = &callstate.CallState{CallSID: call.CallSID, RingGroupID: ivrStateScope(menu.ID), CreatedAt: d.now()}
	}
	st.Attempt++
	maxRetries := menu.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if st.Attempt > maxRetries {
		_ = d.States.Delete(ctx, org.ID, ivrStateScope(menu.ID), call.CallSID)
		return d.sayHangup(org.ID, call, m, msgGoodbye, "ivr_retries_exhausted")
	}
	if err := d.States.Put(ctx, org.ID, ivrStateScope(menu.ID), call.CallSID, *st); err != nil {
		d.log().Warn("ivr state write degraded", "call_sid", call.CallSID, "org_id", org.ID, "error", err)
	}
	return d.gatherDecision(org, call, menu, msgInvalidChoice+" "+menu.Greeting, m, "ivr_retry")
}

// ivrStateScope keeps IVR retry counters in their own keyspace so they can
// never collide with a ring group id.
func ivrStateScope(menuID string) string { return "ivr:" + menuID }

func (d *Dispatcher) routeConference(ctx context.Context, org directory.Organization, call Call, roomID string, m meta) Decision {
	room, err := d.Directory.ConferenceRoomByID(ctx, org.ID, roomID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "conference_missing")
		}
		d.log().Error("conference lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "room_id", roomID, "error", err)
		return d.unavailable(call, org.ID, "conference_lookup_failed")
	}
	if !room.Status.Active() {
		return d.partyUnavailable(org.ID, call, m, "conference_inactive")
	}
	dec := d.decision(org.ID, call, ActionConference, m, "conference_join")
	dec.Conference = &ConferencePlan{Room: room.ConferenceName(), MaxParticipants: room.MaxParticipants}
	return dec
}

func (d *Dispatcher) routeAssistant(ctx context.Context, org directory.Organization, call Call, assistantID string, m meta) Decision {
	a, err := d.Directory.AIAssistantByID(ctx, org.ID, assistantID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "assistant_missing")
		}
		d.log().Error("assistant lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "assistant_id", assistantID, "error", err)
		return d.unavailable(call, org.ID, "assistant_lookup_failed")
	}
	if !a.Status.Active() {
		return d.partyUnavailable(org.ID, call, m, "assistant_inactive")
	}
	return d.dialSingle(org, call, DialTarget{Kind: TargetSIP, Value: a.Endpoint}, m, "assistant_dial")
}

func (d *Dispatcher) routeVoicemail(ctx context.Context, org directory.Organization, call Call, boxID string, m meta, reason string) Decision {
	m.Type = directory.RouteVoicemail
	box, err := d.Directory.VoicemailBoxByID(ctx, org.ID, boxID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return d.partyUnavailable(org.ID, call, m, "voicemail_box_missing")
		}
		d.log().Error("voicemail lookup failed", "call_sid", call.CallSID, "org_id", org.ID, "box_id", boxID, "error", err)
		return d.unavailable(call, org.ID, "voicemail_lookup_failed")
	}
	dec := d.decision(org.ID, call, ActionRecord, m, reason)
	dec.Record = &RecordPlan{
		Greeting:         box.Greeting,
		Voice:            d.Settings.SayVoice,
		Language:         d.Settings.SayLanguage,
		MaxLengthSeconds: box.MaxMessage,
	}
	return dec
}

// dialDestination dials an external number or a raw SIP URI.
func (d *Dispatcher) dialDestination(org directory.Organization, call Call, dest string, m meta, reason string) Decision {
	t := DialTarget{Kind: TargetNumber, Value: dest}
	if len(dest) > 4 && (dest[:4] == "sip:" || (len(dest) > 5 && dest[:5] == "sips:")) {
		t.Kind = TargetSIP
	}
	return d.dialSingle(org, call, t, m, reason)
}

func (d *Dispatcher) dialSingle(org directory.Organization, call Call, t DialTarget, m meta, reason string) Decision {
	dec := d.decision(org.ID, call, ActionDial, m, reason)
	dec.Dial = &DialPlan{
		Targets:        []DialTarget{t},
		TimeoutSeconds: d.Settings.DefaultRingTimeout,
		CallerID:       call.From,
	}
	return dec
}

func (d *Dispatcher) issueToken(tok CallbackToken) string {
	if d.Tokens == nil {
		return ""
	}
	s, err := d.Tokens.Issue(tok)
	if err != nil {
		d.log().Warn("callback token issue failed", "call_sid", tok.CallSID, "org_id", tok.OrgID, "error", err)
		return ""
	}
	return s
}

/* ===================== terminal decisions ===================== */

func (d *Dispatcher) decision(orgID string, call Call, a Action, m meta, reason string) Decision {
	return Decision{
		OrgID:       orgID,
		CallSID:     call.CallSID,
		Action:      a,
		Direction:   m.Direction,
		RoutingType: m.Type,
		OpenStatus:  m.OpenStatus,
		Reason:      reason,
	}
}

func (d *Dispatcher) reject(call Call, orgID, reason string) Decision {
	d.log().Info("call rejected", "call_sid", call.CallSID, "org_id", orgID, "from", call.From, "to", call.To, "reason", reason)
	dec := d.decision(orgID, call, ActionReject, meta{}, reason)
	return dec
}

func (d *Dispatcher) hangup(orgID string, call Call, m meta, reason string) Decision {
	return d.decision(orgID, call, ActionHangup, m, reason)
}

func (d *Dispatcher) sayHangup(orgID string, call Call, m meta, msg, reason string) Decision {
	dec := d.decision(orgID, call, ActionSayHangup, m, reason)
	dec.Say = &SayPlan{Message: msg, Voice: d.Settings.SayVoice, Language: d.Settings.SayLanguage}
	return dec
}

// partyUnavailable covers missing/inactive destinations: recoverable,
// logged, and spoken to the caller.
func (d *Dispatcher) partyUnavailable(orgID string, call Call, m meta, reason string) Decision {
	d.log().Info("destination unavailable", "call_sid", call.CallSID, "org_id", orgID, "reason", reason)
	return d.sayHangup(orgID, call, m, msgPartyUnavailable, reason)
}

// unavailable is the degraded terminal: routing could not be resolved at
// all. Still HTTP 200 with CXML, never a 5xx the caller can't hear.
func (d *Dispatcher) unavailable(call Call, orgID, reason string) Decision {
	return d.sayHangup(orgID, call, meta{}, msgServiceUnavailable, reason)
}

/* ===================== logging / recording ===================== */

func (d *Dispatcher) record(ctx context.Context, call Call, dec Decision, elapsed time.Duration) {
	d.log().Info("routing decision",
		"call_sid", call.CallSID,
		"org_id", dec.OrgID,
		"decision", string(dec.Action),
		"routing_type", string(dec.RoutingType),
		"reason", dec.Reason,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	if d.Logs == nil || dec.OrgID == "" {
		return
	}
	d.Logs.Record(calllog.Entry{
		OrgID:       dec.OrgID,
		CallSID:     call.CallSID,
		From:        call.From,
		To:          call.To,
		Direction:   dec.Direction,
		RoutingType: string(dec.RoutingType),
		OpenStatus:  dec.OpenStatus,
		Decision:    string(dec.Action),
		Reason:      dec.Reason,
		SourceIP:    ClientIPFromContext(ctx),
		ElapsedMS:   elapsed.Milliseconds(),
	})
}

func (d *Dispatcher) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
