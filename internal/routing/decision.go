package routing

import "voice-router/internal/directory"

// Decision is the structured outcome of one dispatch pass. It carries only
// what the response builder needs to render CXML; no store handles, no
// provider-specific fields.
//
// Exactly one plan field matching Action is populated.

type Action string

const (
	ActionDial       Action = "dial"
	ActionSayHangup  Action = "say_hangup"
	ActionGather     Action = "gather"
	ActionConference Action = "conference"
	ActionRecord     Action = "record"
	ActionReject     Action = "reject"
	ActionHangup     Action = "hangup"
)

// TargetKind distinguishes PSTN numbers from SIP endpoints in a dial plan.
type TargetKind string

const (
	TargetNumber TargetKind = "number"
	TargetSIP    TargetKind = "sip"
)

type DialTarget struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value"`
}

// DialPlan rings one or more targets. ActionPath + Token name the callback
// that continues multi-step strategies; both empty means no callback.
type DialPlan struct {
	Targets        []DialTarget `json:"targets"`
	TimeoutSeconds int          `json:"timeout_seconds"`
	CallerID       string       `json:"caller_id,omitempty"`
	ActionPath     string       `json:"action_path,omitempty"`
	Token          string       `json:"token,omitempty"`
}

type SayPlan struct {
	Message  string `json:"message"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language,omitempty"`
}

type GatherPlan struct {
	Prompt         string `json:"prompt"`
	Voice          string `json:"voice,omitempty"`
	Language       string `json:"language,omitempty"`
	NumDigits      int    `json:"num_digits"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	ActionPath     string `json:"action_path"`
	Token          string `json:"token"`
}

type ConferencePlan struct {
	Room            string `json:"room"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

type RecordPlan struct {
	Greeting         string `json:"greeting,omitempty"`
	Voice            string `json:"voice,omitempty"`
	Language         string `json:"language,omitempty"`
	MaxLengthSeconds int    `json:"max_length_seconds,omitempty"`
}

type Decision struct {
	OrgID   string `json:"org_id,omitempty"`
	CallSID string `json:"call_sid"`

	Action     Action          `json:"action"`
	Dial       *DialPlan       `json:"dial,omitempty"`
	Say        *SayPlan        `json:"say,omitempty"`
	Gather     *GatherPlan     `json:"gather,omitempty"`
	Conference *ConferencePlan `json:"conference,omitempty"`
	Record     *RecordPlan     `json:"record,omitempty"`

	// Direction is internal or external once classification succeeded.
	Direction string `json:"direction,omitempty"`

	// RoutingType is the effective route after any business-hours branch.
	RoutingType directory.RouteType `json:"routing_type,omitempty"`

	// OpenStatus is "open" or "closed" when a schedule was evaluated.
	OpenStatus string `json:"open_status,omitempty"`

	// Reason is for logs and the call record only.
	Reason string `json:"reason,omitempty"`
}
