package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"

	"voice-router/internal/routing"
)

// CXML rendering: one pure function from a routing.Decision to the markup
// document the platform executes. No I/O, deterministic, and every
// caller-influenced string goes through encoding/xml escaping, so injection
// via caller id or dialed strings is structurally impossible.

// ContentType identifies the response body as routing instructions.
const ContentType = "application/xml"

type cxmlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type cxmlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type cxmlDial struct {
	XMLName  xml.Name `xml:"Dial"`
	Timeout  int      `xml:"timeout,attr,omitempty"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Action   string   `xml:"action,attr,omitempty"`
	Method   string   `xml:"method,attr,omitempty"`

	Numbers    []cxmlNumber
	Sips       []cxmlSip
	Conference *cxmlConference
}

type cxmlNumber struct {
	XMLName xml.Name `xml:"Number"`
	Text    string   `xml:",chardata"`
}

type cxmlSip struct {
	XMLName xml.Name `xml:"Sip"`
	URI     string   `xml:",chardata"`
}

type cxmlConference struct {
	XMLName         xml.Name `xml:"Conference"`
	MaxParticipants int      `xml:"maxParticipants,attr,omitempty"`
	Name            string   `xml:",chardata"`
}

type cxmlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	Action    string   `xml:"action,attr"`
	Method    string   `xml:"method,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`

	Say *cxmlSay
}

type cxmlRecord struct {
	XMLName   xml.Name `xml:"Record"`
	MaxLength int      `xml:"maxLength,attr,omitempty"`
	PlayBeep  bool     `xml:"playBeep,attr"`
}

type cxmlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type cxmlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderOptions carries the deployment-specific pieces of a rendered
// document. BaseURL is the public origin callback actions are built on;
// empty renders relative action URLs.
type RenderOptions struct {
	BaseURL string
}

// Render maps a routing decision to CXML.
func Render(d routing.Decision, opts RenderOptions) (string, error) {
	var r cxmlResponse

	switch d.Action {
	case routing.ActionReject:
		r.Verbs = append(r.Verbs, cxmlReject{Reason: "rejected"})

	case routing.ActionHangup:
		r.Verbs = append(r.Verbs, cxmlHangup{})

	case routing.ActionSayHangup:
		if d.Say == nil || d.Say.Message == "" {
			return "", errors.New("telephony: say plan required for say_hangup")
		}
		r.Verbs = append(r.Verbs,
			cxmlSay{Voice: d.Say.Voice, Language: d.Say.Language, Text: d.Say.Message},
			cxmlHangup{},
		)

	case routing.ActionDial:
		if d.Dial == nil || len(d.Dial.Targets) == 0 {
			return "", errors.New("telephony: dial plan requires at least one target")
		}
		dial := cxmlDial{
			Timeout:  d.Dial.TimeoutSeconds,
			CallerID: d.Dial.CallerID,
		}
		if d.Dial.ActionPath != "" {
			dial.Action = actionURL(opts.BaseURL, d.Dial.ActionPath, d.Dial.Token)
			dial.Method = "POST"
		}
		for _, t := range d.Dial.Targets {
			switch t.Kind {
			case routing.TargetSIP:
				dial.Sips = append(dial.Sips, cxmlSip{URI: t.Value})
			case routing.TargetNumber:
				dial.Numbers = append(dial.Numbers, cxmlNumber{Text: t.Value})
			default:
				return "", fmt.Errorf("telephony: unknown dial target kind %q", t.Kind)
			}
		}
		r.Verbs = append(r.Verbs, dial)

	case routing.ActionGather:
		if d.Gather == nil {
			return "", errors.New("telephony: gather plan required")
		}
		g := cxmlGather{
			Action:    actionURL(opts.BaseURL, d.Gather.ActionPath, d.Gather.Token),
			Method:    "POST",
			Timeout:   d.Gather.TimeoutSeconds,
			NumDigits: d.Gather.NumDigits,
		}
		if d.Gather.Prompt != "" {
			g.Say = &cxmlSay{Voice: d.Gather.Voice, Language: d.Gather.Language, Text: d.Gather.Prompt}
		}
		// No input within the timeout falls through Gather; hang up rather
		// than leave the caller in silence.
		r.Verbs = append(r.Verbs, g, cxmlHangup{})

	case routing.ActionConference:
		if d.Conference == nil || d.Conference.Room == "" {
			return "", errors.New("telephony: conference plan requires a room")
		}
		r.Verbs = append(r.Verbs, cxmlDial{
			Conference: &cxmlConference{Name: d.Conference.Room, MaxParticipants: d.Conference.MaxParticipants},
		})

	case routing.ActionRecord:
		if d.Record == nil {
			return "", errors.New("telephony: record plan required")
		}
		if d.Record.Greeting != "" {
			r.Verbs = append(r.Verbs, cxmlSay{Voice: d.Record.Voice, Language: d.Record.Language, Text: d.Record.Greeting})
		}
		r.Verbs = append(r.Verbs, cxmlRecord{MaxLength: d.Record.MaxLengthSeconds, PlayBeep: true}, cxmlHangup{})

	default:
		return "", fmt.Errorf("telephony: unknown decision action %q", d.Action)
	}

	return marshal(r)
}

// Empty returns a bare <Response/>, the no-op document sent to duplicate
// deliveries whose original is still in flight.
func Empty() string {
	out, _ := marshal(cxmlResponse{})
	return out
}

func marshal(r cxmlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func actionURL(base, path, token string) string {
	u := base + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}
