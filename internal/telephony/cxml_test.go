package telephony

import (
	"encoding/xml"
	"strings"
	"testing"

	"voice-router/internal/routing"
)

func mustRender(t *testing.T, d routing.Decision, opts RenderOptions) string {
	t.Helper()
	out, err := Render(d, opts)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	assertWellFormed(t, out)
	return out
}

func assertWellFormed(t *testing.T, doc string) {
	t.Helper()
	var parsed struct {
		XMLName xml.Name `xml:"Response"`
	}
	if err := xml.Unmarshal([]byte(doc), &parsed); err != nil {
		t.Fatalf("document is not well-formed XML: %v\n%s", err, doc)
	}
}

func TestRender_DialMultipleSipTargets(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionDial,
		Dial: &routing.DialPlan{
			Targets: []routing.DialTarget{
				{Kind: routing.TargetSIP, Value: "sip:agent1@acme.example.com"},
				{Kind: routing.TargetSIP, Value: "sip:agent2@acme.example.com"},
				{Kind: routing.TargetSIP, Value: "sip:agent3@acme.example.com"},
			},
			TimeoutSeconds: 25,
			CallerID:       "+14155551234",
			ActionPath:     routing.PathDialStatus,
			Token:          "tok123",
		},
	}, RenderOptions{BaseURL: "https://voice.example.com"})

	if strings.Count(out, "<Sip>") != 3 {
		t.Fatalf("expected 3 Sip targets:\n%s", out)
	}
	if !strings.Contains(out, `timeout="25"`) {
		t.Fatalf("expected timeout attribute:\n%s", out)
	}
	if !strings.Contains(out, `callerId="+14155551234"`) {
		t.Fatalf("expected callerId attribute:\n%s", out)
	}
	if !strings.Contains(out, `action="https://voice.example.com/webhooks/voice/dial-status?token=tok123"`) {
		t.Fatalf("expected action URL:\n%s", out)
	}
}

func TestRender_DialNumberTarget(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionDial,
		Dial: &routing.DialPlan{
			Targets:        []routing.DialTarget{{Kind: routing.TargetNumber, Value: "+15550001111"}},
			TimeoutSeconds: 30,
		},
	}, RenderOptions{})
	if !strings.Contains(out, "<Number>+15550001111</Number>") {
		t.Fatalf("expected Number noun:\n%s", out)
	}
	if strings.Contains(out, "action=") {
		t.Fatalf("no callback requested, no action attribute:\n%s", out)
	}
}

func TestRender_EscapesCallerInfluencedText(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionDial,
		Dial: &routing.DialPlan{
			Targets:  []routing.DialTarget{{Kind: routing.TargetNumber, Value: `+1555<Hangup/>&"`}},
			CallerID: `"><Say>pwned</Say>`,
		},
	}, RenderOptions{})
	if strings.Contains(out, "<Hangup/>") || strings.Contains(out, "<Say>pwned</Say>") {
		t.Fatalf("caller input leaked unescaped:\n%s", out)
	}
	if !strings.Contains(out, "&lt;Hangup/&gt;") {
		t.Fatalf("expected escaped markup:\n%s", out)
	}
}

func TestRender_SayHangup(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionSayHangup,
		Say:    &routing.SayPlan{Message: "Goodbye & thanks.", Voice: "alice", Language: "en-US"},
	}, RenderOptions{})
	if !strings.Contains(out, `<Say voice="alice" language="en-US">Goodbye &amp; thanks.</Say>`) {
		t.Fatalf("unexpected Say:\n%s", out)
	}
	if !strings.Contains(out, "<Hangup") {
		t.Fatalf("say_hangup must hang up:\n%s", out)
	}
}

func TestRender_GatherWithPromptAndAction(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionGather,
		Gather: &routing.GatherPlan{
			Prompt:         "Press 1 for sales.",
			NumDigits:      1,
			TimeoutSeconds: 5,
			ActionPath:     routing.PathIVRInput,
			Token:          "t/k=",
		},
	}, RenderOptions{BaseURL: "https://voice.example.com"})
	if !strings.Contains(out, `numDigits="1"`) {
		t.Fatalf("expected numDigits:\n%s", out)
	}
	if !strings.Contains(out, "token=t%2Fk%3D") {
		t.Fatalf("token must be query-escaped:\n%s", out)
	}
	if !strings.Contains(out, "Press 1 for sales.") {
		t.Fatalf("prompt missing:\n%s", out)
	}
}

func TestRender_Conference(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action:     routing.ActionConference,
		Conference: &routing.ConferencePlan{Room: "org-org-1-room-room-1", MaxParticipants: 20},
	}, RenderOptions{})
	if !strings.Contains(out, `<Conference maxParticipants="20">org-org-1-room-room-1</Conference>`) {
		t.Fatalf("unexpected conference:\n%s", out)
	}
}

func TestRender_RecordWithGreeting(t *testing.T) {
	out := mustRender(t, routing.Decision{
		Action: routing.ActionRecord,
		Record: &routing.RecordPlan{Greeting: "Leave a message.", MaxLengthSeconds: 120},
	}, RenderOptions{})
	if !strings.Contains(out, "Leave a message.") {
		t.Fatalf("greeting missing:\n%s", out)
	}
	if !strings.Contains(out, `maxLength="120"`) {
		t.Fatalf("expected maxLength:\n%s", out)
	}
	if !strings.Contains(out, "<Record") {
		t.Fatalf("expected Record verb:\n%s", out)
	}
}

func TestRender_RejectAndHangup(t *testing.T) {
	out := mustRender(t, routing.Decision{Action: routing.ActionReject}, RenderOptions{})
	if !strings.Contains(out, "<Reject") {
		t.Fatalf("expected Reject:\n%s", out)
	}
	out = mustRender(t, routing.Decision{Action: routing.ActionHangup}, RenderOptions{})
	if !strings.Contains(out, "<Hangup") {
		t.Fatalf("expected Hangup:\n%s", out)
	}
}

func TestRender_MissingPlanErrors(t *testing.T) {
	cases := []routing.Decision{
		{Action: routing.ActionDial},
		{Action: routing.ActionSayHangup},
		{Action: routing.ActionGather},
		{Action: routing.ActionConference},
		{Action: routing.ActionRecord},
		{Action: routing.Action("teleport")},
	}
	for _, d := range cases {
		if _, err := Render(d, RenderOptions{}); err == nil {
			t.Errorf("action %q: expected error", d.Action)
		}
	}
}

func TestEmpty_IsBareResponse(t *testing.T) {
	out := Empty()
	assertWellFormed(t, out)
	if strings.Contains(out, "<Dial") || strings.Contains(out, "<Say") {
		t.Fatalf("empty response must carry no verbs:\n%s", out)
	}
}
