package directory

import (
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Status is the lifecycle flag shared by every routable entity.
// Inactive entities exist in the store but must never receive calls.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

func (s Status) Active() bool { return s == StatusActive }

// Organization is the tenant boundary. Every lookup below it is scoped by
// OrgID; no call may ever consult another tenant's configuration.
type Organization struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Domain   string `json:"domain" db:"domain"`
	Timezone string `json:"timezone" db:"timezone"`
	Status   Status `json:"status" db:"status"`
}

// RouteType enumerates where a call can be sent.
type RouteType string

const (
	RouteExtension      RouteType = "extension"
	RouteRingGroup      RouteType = "ring_group"
	RouteBusinessHours  RouteType = "business_hours"
	RouteIVR            RouteType = "ivr"
	RouteConferenceRoom RouteType = "conference_room"
	RouteAIAssistant    RouteType = "ai_assistant"
	RouteForward        RouteType = "forward"
	RouteVoicemail      RouteType = "voicemail"
	RouteHangup         RouteType = "hangup"
)

// RouteTarget is a tagged union: Type names the destination kind and exactly
// one ref field below is set. Built and validated once, at the store
// boundary; downstream code switches on Type and trusts the shape.
type RouteTarget struct {
	Type RouteType `json:"type"`

	ExtensionID    string `json:"extension_id,omitempty"`
	RingGroupID    string `json:"ring_group_id,omitempty"`
	ScheduleID     string `json:"schedule_id,omitempty"`
	MenuID         string `json:"menu_id,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	AssistantID    string `json:"assistant_id,omitempty"`
	VoicemailBoxID string `json:"voicemail_box_id,omitempty"`
	ForwardTo      string `json:"forward_to,omitempty"`
}

// TargetFromRef builds the union from the two columns the store keeps
// (routing type + target ref). This is the single place the stored pair
// becomes a typed value.
func TargetFromRef(routeType, ref string) (RouteTarget, error) {
	t := RouteTarget{Type: RouteType(routeType)}
	switch t.Type {
	case RouteExtension:
		t.ExtensionID = ref
	case RouteRingGroup:
		t.RingGroupID = ref
	case RouteBusinessHours:
		t.ScheduleID = ref
	case RouteIVR:
		t.MenuID = ref
	case RouteConferenceRoom:
		t.RoomID = ref
	case RouteAIAssistant:
		t.AssistantID = ref
	case RouteForward:
		t.ForwardTo = ref
	case RouteVoicemail:
		t.VoicemailBoxID = ref
	case RouteHangup:
		// no ref
	default:
		return RouteTarget{}, fmt.Errorf("directory: unknown route type %q", routeType)
	}
	if err := t.Validate(); err != nil {
		return RouteTarget{}, err
	}
	return t, nil
}

// Ref returns the single ref field for Type, the inverse of TargetFromRef.
func (t RouteTarget) Ref() string {
	switch t.Type {
	case RouteExtension:
		return t.ExtensionID
	case RouteRingGroup:
		return t.RingGroupID
	case RouteBusinessHours:
		return t.ScheduleID
	case RouteIVR:
		return t.MenuID
	case RouteConferenceRoom:
		return t.RoomID
	case RouteAIAssistant:
		return t.AssistantID
	case RouteVoicemail:
		return t.VoicemailBoxID
	case RouteForward:
		return t.ForwardTo
	default:
		return ""
	}
}

// Validate checks that exactly the ref field matching Type is set.
func (t RouteTarget) Validate() error {
	refs := map[RouteType]string{
		RouteExtension:      t.ExtensionID,
		RouteRingGroup:      t.RingGroupID,
		RouteBusinessHours:  t.ScheduleID,
		RouteIVR:            t.MenuID,
		RouteConferenceRoom: t.RoomID,
		RouteAIAssistant:    t.AssistantID,
		RouteVoicemail:      t.VoicemailBoxID,
		RouteForward:        t.ForwardTo,
	}
	want, known := refs[t.Type]
	if !known && t.Type != RouteHangup {
		return fmt.Errorf("directory: unknown route type %q", t.Type)
	}
	if t.Type != RouteHangup && want == "" {
		return fmt.Errorf("directory: route type %s requires a target ref", t.Type)
	}
	for typ, ref := range refs {
		if typ != t.Type && ref != "" {
			return fmt.Errorf("directory: route type %s must not carry a %s ref", t.Type, typ)
		}
	}
	return nil
}

// ValidateAction validates a target used as a schedule action or fallback
// destination. Schedules must not nest.
func (t RouteTarget) ValidateAction() error {
	if t.Type == RouteBusinessHours {
		return fmt.Errorf("directory: schedule actions must not reference another schedule")
	}
	return t.Validate()
}

// DID is a dialed phone number owned by one organization.
//
// Multi-tenant invariant: Number is unique across ALL tenants and is the
// entry point that establishes org scope for the rest of the call.
// An inactive DID is never routed. Immutable during routing; only the
// control plane writes it.
type DID struct {
	Number string      `json:"number" db:"number"`
	OrgID  string      `json:"org_id" db:"org_id"`
	Target RouteTarget `json:"target"`
	Status Status      `json:"status" db:"status"`
}

type ExtensionType string

const (
	ExtTypeUser        ExtensionType = "user"
	ExtTypeVirtual     ExtensionType = "virtual"
	ExtTypeQueue       ExtensionType = "queue"
	ExtTypeConference  ExtensionType = "conference"
	ExtTypeRingGroup   ExtensionType = "ring_group"
	ExtTypeIVR         ExtensionType = "ivr"
	ExtTypeAIAssistant ExtensionType = "ai_assistant"
	ExtTypeForward     ExtensionType = "forward"
)

// Extension is a dialable short number inside one organization.
// A user extension reaches a SIP endpoint only while the extension AND its
// linked user are both active. Non-user types front another entity via
// TargetID (or ForwardTo for type=forward).
type Extension struct {
	ID        string        `json:"id" db:"id"`
	OrgID     string        `json:"org_id" db:"org_id"`
	Number    string        `json:"number" db:"number"`
	Name      string        `json:"name" db:"name"`
	Type      ExtensionType `json:"type" db:"type"`
	UserID    string        `json:"user_id,omitempty" db:"user_id"`
	TargetID  string        `json:"target_id,omitempty" db:"target_id"`
	ForwardTo string        `json:"forward_to,omitempty" db:"forward_to"`
	Status    Status        `json:"status" db:"status"`
}

type User struct {
	ID          string `json:"id" db:"id"`
	OrgID       string `json:"org_id" db:"org_id"`
	Name        string `json:"name" db:"name"`
	SIPUsername string `json:"sip_username" db:"sip_username"`
	Status      Status `json:"status" db:"status"`
}

// SIPEndpoint builds the dialable URI for the user on the org's domain.
func (u User) SIPEndpoint(orgDomain string) string {
	uri := sip.Uri{Scheme: "sip", User: u.SIPUsername, Host: orgDomain}
	return uri.String()
}

type RingStrategy string

const (
	StrategySimultaneous RingStrategy = "simultaneous"
	StrategyRoundRobin   RingStrategy = "round_robin"
	StrategySequential   RingStrategy = "sequential"
	StrategyLongestIdle  RingStrategy = "longest_idle"
)

type FallbackAction string

const (
	FallbackVoicemail FallbackAction = "voicemail"
	FallbackExtension FallbackAction = "extension"
	FallbackHangup    FallbackAction = "hangup"
	FallbackRepeat    FallbackAction = "repeat"
)

// FallbackPolicy is what happens when a ring group cannot connect the call:
// no active members, every member tried, or ringing timed out.
type FallbackPolicy struct {
	Action         FallbackAction `json:"action" db:"action"`
	ExtensionID    string         `json:"extension_id,omitempty" db:"extension_id"`
	VoicemailBoxID string         `json:"voicemail_box_id,omitempty" db:"voicemail_box_id"`
	MaxRepeats     int            `json:"max_repeats,omitempty" db:"max_repeats"`
}

func (p FallbackPolicy) Validate() error {
	switch p.Action {
	case FallbackVoicemail:
		if p.VoicemailBoxID == "" {
			return fmt.Errorf("directory: voicemail fallback requires a voicemail box")
		}
	case FallbackExtension:
		if p.ExtensionID == "" {
			return fmt.Errorf("directory: extension fallback requires an extension")
		}
	case FallbackRepeat:
		if p.MaxRepeats < 1 {
			return fmt.Errorf("directory: repeat fallback requires max_repeats >= 1")
		}
	case FallbackHangup:
	default:
		return fmt.Errorf("directory: unknown fallback action %q", p.Action)
	}
	return nil
}

// RingGroupMember references an extension with its ring priority.
// Priority 1 rings first; the range is 1..100.
type RingGroupMember struct {
	ExtensionID string `json:"extension_id" db:"extension_id"`
	Priority    int    `json:"priority" db:"priority"`
}

// RingGroup is an ordered set of extensions rung by one strategy.
// Members are kept sorted ascending by (priority, extension id).
type RingGroup struct {
	ID             string            `json:"id" db:"id"`
	OrgID          string            `json:"org_id" db:"org_id"`
	Name           string            `json:"name" db:"name"`
	Strategy       RingStrategy      `json:"strategy" db:"strategy"`
	RingTimeoutSec int               `json:"ring_timeout_sec" db:"ring_timeout_sec"`
	Fallback       FallbackPolicy    `json:"fallback"`
	Status         Status            `json:"status" db:"status"`
	Members        []RingGroupMember `json:"members"`
}

func (g RingGroup) Validate() error {
	switch g.Strategy {
	case StrategySimultaneous, StrategyRoundRobin, StrategySequential, StrategyLongestIdle:
	default:
		return fmt.Errorf("directory: unknown ring strategy %q", g.Strategy)
	}
	if g.RingTimeoutSec < 5 || g.RingTimeoutSec > 600 {
		return fmt.Errorf("directory: ring timeout must be between 5 and 600 seconds, got %d", g.RingTimeoutSec)
	}
	for _, m := range g.Members {
		if m.Priority < 1 || m.Priority > 100 {
			return fmt.Errorf("directory: member priority must be 1..100, got %d", m.Priority)
		}
	}
	return g.Fallback.Validate()
}

// WeeklyRule holds one weekday's window. Times are "HH:MM" wall clock in
// the schedule's timezone; the window is half-open, [Open, Close).
type WeeklyRule struct {
	Weekday   time.Weekday `json:"weekday" db:"weekday"`
	Open      bool         `json:"open" db:"open"`
	OpenTime  string       `json:"open_time,omitempty" db:"open_time"`
	CloseTime string       `json:"close_time,omitempty" db:"close_time"`
}

// ScheduleException overrides the weekly rule for one calendar date.
// Unique per (schedule, date); Date is "YYYY-MM-DD" in the schedule's tz.
type ScheduleException struct {
	Date      string `json:"date" db:"date"`
	Name      string `json:"name,omitempty" db:"name"`
	Open      bool   `json:"open" db:"open"`
	OpenTime  string `json:"open_time,omitempty" db:"open_time"`
	CloseTime string `json:"close_time,omitempty" db:"close_time"`
}

// BusinessHoursSchedule decides between two routing actions by wall clock.
type BusinessHoursSchedule struct {
	ID           string              `json:"id" db:"id"`
	OrgID        string              `json:"org_id" db:"org_id"`
	Name         string              `json:"name" db:"name"`
	Timezone     string              `json:"timezone" db:"timezone"`
	OpenAction   RouteTarget         `json:"open_action"`
	ClosedAction RouteTarget         `json:"closed_action"`
	Rules        []WeeklyRule        `json:"rules"`
	Exceptions   []ScheduleException `json:"exceptions"`
}

// IVROption maps one DTMF digit to a destination.
type IVROption struct {
	Digit  string      `json:"digit" db:"digit"`
	Target RouteTarget `json:"target"`
}

type IVRMenu struct {
	ID         string      `json:"id" db:"id"`
	OrgID      string      `json:"org_id" db:"org_id"`
	Name       string      `json:"name" db:"name"`
	Greeting   string      `json:"greeting" db:"greeting"`
	TimeoutSec int         `json:"timeout_sec" db:"timeout_sec"`
	MaxRetries int         `json:"max_retries" db:"max_retries"`
	Options    []IVROption `json:"options"`
}

type ConferenceRoom struct {
	ID              string `json:"id" db:"id"`
	OrgID           string `json:"org_id" db:"org_id"`
	Name            string `json:"name" db:"name"`
	MaxParticipants int    `json:"max_participants" db:"max_participants"`
	Status          Status `json:"status" db:"status"`
}

// ConferenceName is the platform-visible room name, namespaced so two
// tenants' rooms can never collide.
func (r ConferenceRoom) ConferenceName() string {
	return fmt.Sprintf("org-%s-room-%s", r.OrgID, r.ID)
}

// AIAssistant fronts a conversational agent reachable at a SIP endpoint.
type AIAssistant struct {
	ID       string `json:"id" db:"id"`
	OrgID    string `json:"org_id" db:"org_id"`
	Name     string `json:"name" db:"name"`
	Endpoint string `json:"endpoint" db:"endpoint"`
	Status   Status `json:"status" db:"status"`
}

// ValidateEndpoint rejects assistants whose configured endpoint is not a
// parseable SIP URI, so a typo fails at load time rather than at dial time.
func (a AIAssistant) ValidateEndpoint() error {
	var u sip.Uri
	if err := sip.ParseUri(a.Endpoint, &u); err != nil {
		return fmt.Errorf("directory: assistant %s endpoint: %w", a.ID, err)
	}
	return nil
}

type VoicemailBox struct {
	ID         string `json:"id" db:"id"`
	OrgID      string `json:"org_id" db:"org_id"`
	Name       string `json:"name" db:"name"`
	Greeting   string `json:"greeting" db:"greeting"`
	MaxMessage int    `json:"max_message_sec" db:"max_message_sec"`
}

// RoutingOverride forces a DID to a fixed destination until it expires.
// An operational escape hatch: applied silently ahead of normal routing,
// visible only in logs and the call record.
type RoutingOverride struct {
	ID          string    `json:"id" db:"id"`
	OrgID       string    `json:"org_id" db:"org_id"`
	Number      string    `json:"number" db:"number"`
	Destination string    `json:"destination" db:"destination"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

func (o RoutingOverride) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
