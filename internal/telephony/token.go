package telephony

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"voice-router/internal/routing"
)

// Callback tokens make callback URLs self-describing without trusting
// them: an HS256 JWT names the org, call and target a callback belongs to,
// while attempt progress stays authoritative in the call state store. A
// stale or tampered URL can therefore never desynchronize state; at worst
// it fails verification and the call is hung up safely.

const tokenVersion = 1

var ErrBadToken = errors.New("telephony: invalid callback token")

type callbackClaims struct {
	jwt.RegisteredClaims

	Ver      int    `json:"ver"`
	OrgID    string `json:"org"`
	CallSID  string `json:"sid"`
	Purpose  string `json:"pur"`
	TargetID string `json:"tgt"`
}

type TokenManager struct {
	secret []byte
	ttl    time.Duration

	// Now is overridable for expiry tests.
	Now func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) (*TokenManager, error) {
	if secret == "" {
		return nil, errors.New("telephony: callback token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, Now: time.Now}, nil
}

var _ routing.TokenIssuer = (*TokenManager)(nil)

func (m *TokenManager) Issue(tok routing.CallbackToken) (string, error) {
	if tok.OrgID == "" || tok.CallSID == "" || tok.Purpose == "" {
		return "", errors.New("telephony: org, call sid and purpose are required")
	}
	now := m.now()
	claims := callbackClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.NewString(),
		},
		Ver:      tokenVersion,
		OrgID:    tok.OrgID,
		CallSID:  tok.CallSID,
		Purpose:  tok.Purpose,
		TargetID: tok.TargetID,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString(m.secret)
}

// Verify checks signature, expiry, version and purpose, returning the
// token's routing context.
func (m *TokenManager) Verify(tokenString, expectedPurpose string) (routing.CallbackToken, error) {
	var claims callbackClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(30*time.Second),
	)

	_, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return routing.CallbackToken{}, errors.Join(ErrBadToken, err)
	}

	if claims.Ver != tokenVersion {
		return routing.CallbackToken{}, ErrBadToken
	}
	if claims.OrgID == "" || claims.CallSID == "" {
		return routing.CallbackToken{}, ErrBadToken
	}
	if claims.Purpose != expectedPurpose {
		return routing.CallbackToken{}, ErrBadToken
	}

	return routing.CallbackToken{
		OrgID:    claims.OrgID,
		CallSID:  claims.CallSID,
		Purpose:  claims.Purpose,
		TargetID: claims.TargetID,
	}, nil
}

func (m *TokenManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
