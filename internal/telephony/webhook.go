package telephony

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Webhook is one inbound platform event, normalized from a form or JSON
// body. Only the fields the engine consumes are parsed; SessionData passes
// through untouched.
type Webhook struct {
	From           string
	To             string
	CallSID        string
	Domain         string
	Digits         string
	DialCallStatus string
	// DialCallSid identifies the child dial leg a status callback reports
	// on, distinguishing consecutive attempts of the same parent call.
	DialCallSid string
	Token       string
	SessionData string
}

type webhookJSON struct {
	From           string `json:"From"`
	To             string `json:"To"`
	CallSid        string `json:"CallSid"`
	Session        string `json:"Session"`
	Domain         string `json:"Domain"`
	Digits         string `json:"Digits"`
	DialCallStatus string `json:"DialCallStatus"`
	DialCallSid    string `json:"DialCallSid"`
	Token          string `json:"Token"`
	SessionData    string `json:"SessionData"`
}

// ParseWebhook reads the platform's POST body. Form-encoded is the default
// wire format; JSON is accepted by content type. The callback token rides
// the action URL's query string, with a body field as fallback.
func ParseWebhook(r *http.Request) (Webhook, error) {
	var w Webhook

	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var j webhookJSON
		if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
			return Webhook{}, err
		}
		w = Webhook{
			From:           normalizeNumber(j.From),
			To:             normalizeNumber(j.To),
			CallSID:        j.CallSid,
			Domain:         strings.TrimSpace(j.Domain),
			Digits:         strings.TrimSpace(j.Digits),
			DialCallStatus: strings.TrimSpace(j.DialCallStatus),
			DialCallSid:    j.DialCallSid,
			Token:          j.Token,
			SessionData:    j.SessionData,
		}
		if w.CallSID == "" {
			w.CallSID = j.Session
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return Webhook{}, err
		}
		w = Webhook{
			From:           normalizeNumber(r.PostFormValue("From")),
			To:             normalizeNumber(r.PostFormValue("To")),
			CallSID:        r.PostFormValue("CallSid"),
			Domain:         strings.TrimSpace(r.PostFormValue("Domain")),
			Digits:         strings.TrimSpace(r.PostFormValue("Digits")),
			DialCallStatus: strings.TrimSpace(r.PostFormValue("DialCallStatus")),
			DialCallSid:    r.PostFormValue("DialCallSid"),
			Token:          r.PostFormValue("Token"),
			SessionData:    r.PostFormValue("SessionData"),
		}
		if w.CallSID == "" {
			w.CallSID = r.PostFormValue("Session")
		}
	}

	if w.Token == "" {
		w.Token = r.URL.Query().Get("token")
	}
	return w, nil
}

func normalizeNumber(s string) string {
	// "anonymous" and empty caller ids pass through as-is; routing treats
	// them as external callers.
	return strings.TrimSpace(s)
}
