package telephony

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-router/internal/callstate"
	"voice-router/internal/routing"
	"voice-router/pkg/logger"
)

// Idempotency is the duplicate-delivery seam, satisfied by the redis and
// memory implementations in internal/callstate.
type Idempotency interface {
	Claim(ctx context.Context, key string) (callstate.Claim, error)
	SaveResponse(ctx context.Context, key, body string) error
}

// Handlers is the webhook HTTP surface. Every routing outcome, including
// internal failures, leaves as HTTP 200 CXML; the only non-200 paths are
// bodies the engine cannot parse and signatures it cannot verify.
type Handlers struct {
	Dispatcher *routing.Dispatcher
	Tokens     *TokenManager
	Idem       Idempotency
	BaseURL    string
}

// HandleInbound answers the platform's new-call webhook.
func (h Handlers) HandleInbound(c *gin.Context) {
	log := logger.FromGin(c)

	wh, err := ParseWebhook(c.Request)
	if err != nil {
		log.Warn("webhook parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	if wh.CallSID == "" || wh.To == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid and To are required"})
		return
	}

	key := callstate.IdempotencyKey(wh.CallSID, "inbound", "")
	if done := h.claim(c, key, wh.CallSID); done {
		return
	}

	ctx := routing.WithClientIP(c.Request.Context(), c.ClientIP())
	dec := h.Dispatcher.Dispatch(ctx, callFromWebhook(wh))
	h.respond(c, key, dec)
}

// HandleDialStatus continues a ring group call after a dial attempt ends.
func (h Handlers) HandleDialStatus(c *gin.Context) {
	log := logger.FromGin(c)

	wh, err := ParseWebhook(c.Request)
	if err != nil {
		log.Warn("dial status parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	tok, err := h.Tokens.Verify(wh.Token, routing.PurposeDial)
	if err != nil || tok.CallSID != wh.CallSID {
		// A callback the engine cannot attribute ends the call safely.
		log.Warn("dial status token rejected", "call_sid", wh.CallSID, "error", err)
		h.writeCXML(c, h.hangupBody(c, wh.CallSID))
		return
	}

	key := callstate.IdempotencyKey(wh.CallSID, "dial-status", wh.DialCallSid+"|"+wh.DialCallStatus)
	if done := h.claim(c, key, wh.CallSID); done {
		return
	}

	ctx := routing.WithClientIP(c.Request.Context(), c.ClientIP())
	dec := h.Dispatcher.Advance(ctx, callFromWebhook(wh), tok.OrgID, tok.TargetID, wh.DialCallStatus)
	h.respond(c, key, dec)
}

// HandleIVRInput resolves gathered digits against the menu's options.
func (h Handlers) HandleIVRInput(c *gin.Context) {
	log := logger.FromGin(c)

	wh, err := ParseWebhook(c.Request)
	if err != nil {
		log.Warn("ivr input parse failed", "error", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}

	tok, err := h.Tokens.Verify(wh.Token, routing.PurposeGather)
	if err != nil || tok.CallSID != wh.CallSID {
		log.Warn("ivr input token rejected", "call_sid", wh.CallSID, "error", err)
		h.writeCXML(c, h.hangupBody(c, wh.CallSID))
		return
	}

	key := callstate.IdempotencyKey(wh.CallSID, "ivr-input", wh.Digits)
	if done := h.claim(c, key, wh.CallSID); done {
		return
	}

	ctx := routing.WithClientIP(c.Request.Context(), c.ClientIP())
	dec := h.Dispatcher.IVRInput(ctx, callFromWebhook(wh), tok.OrgID, tok.TargetID, wh.Digits)
	h.respond(c, key, dec)
}

func callFromWebhook(wh Webhook) routing.Call {
	return routing.Call{
		From:        wh.From,
		To:          wh.To,
		CallSID:     wh.CallSID,
		Domain:      wh.Domain,
		SessionData: wh.SessionData,
	}
}

// claim runs the idempotency check. It reports true when the request was a
// duplicate and has already been answered: a completed original replays its
// stored body byte for byte, an in-flight original gets an empty no-op.
// Idempotency store trouble degrades to processing the request.
func (h Handlers) claim(c *gin.Context, key, callSID string) bool {
	if h.Idem == nil {
		return false
	}
	log := logger.FromGin(c)
	cl, err := h.Idem.Claim(c.Request.Context(), key)
	if err != nil {
		log.Warn("idempotency check degraded", "call_sid", callSID, "error", err)
		return false
	}
	if cl.Fresh {
		return false
	}
	if cl.Replay != "" {
		log.Info("duplicate webhook replayed", "call_sid", callSID)
		h.writeCXML(c, cl.Replay)
		return true
	}
	log.Info("duplicate webhook in flight", "call_sid", callSID)
	h.writeCXML(c, Empty())
	return true
}

// respond renders the decision, stores the body for duplicate replay, and
// writes it. A render failure falls back to a spoken unavailable message;
// the platform must always receive executable CXML on 200.
func (h Handlers) respond(c *gin.Context, key string, dec routing.Decision) {
	log := logger.FromGin(c)

	body, err := Render(dec, RenderOptions{BaseURL: h.BaseURL})
	if err != nil {
		log.Error("cxml render failed", "call_sid", dec.CallSID, "action", string(dec.Action), "error", err)
		body = h.unavailableBody(c, dec.CallSID)
	}
	if h.Idem != nil {
		if err := h.Idem.SaveResponse(c.Request.Context(), key, body); err != nil {
			log.Warn("idempotent response store degraded", "call_sid", dec.CallSID, "error", err)
		}
	}
	h.writeCXML(c, body)
}

func (h Handlers) writeCXML(c *gin.Context, body string) {
	c.Header("Content-Type", ContentType)
	c.String(http.StatusOK, body)
}

func (h Handlers) hangupBody(c *gin.Context, callSID string) string {
	body, err := Render(routing.Decision{CallSID: callSID, Action: routing.ActionHangup}, RenderOptions{})
	if err != nil {
		return Empty()
	}
	return body
}

func (h Handlers) unavailableBody(c *gin.Context, callSID string) string {
	dec := routing.Decision{
		CallSID: callSID,
		Action:  routing.ActionSayHangup,
		Say:     &routing.SayPlan{Message: "We are unable to connect your call right now. Please try again later."},
	}
	body, err := Render(dec, RenderOptions{})
	if err != nil {
		return Empty()
	}
	return body
}
