package telephony

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-router/pkg/logger"
)

// SignatureHeader carries the platform's HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

var ErrBadSignature = errors.New("telephony: bad webhook signature")

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares in constant time.
func VerifySignature(secret string, body []byte, signature string) error {
	want := Sign(secret, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// SignatureMiddleware rejects requests whose body the platform did not
// sign. An empty secret disables the check, acceptable only outside
// production. A bad signature is one of the few non-200 responses: the
// platform never executes CXML it did not request.
func SignatureMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := VerifySignature(secret, body, c.GetHeader(SignatureHeader)); err != nil {
			logger.FromGin(c).Warn("webhook signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return
		}
		c.Next()
	}
}
