package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/newsgate/paywall_services/internal/unlock_service/domain"
)

// tokenVersion is bumped when the claim layout changes; older versions are
// rejected and the visitor simply re-identifies. Single signed representation,
// no legacy plain-JSON fallback.
const tokenVersion = 1

var ErrInvalidIdentityToken = errors.New("invalid identity token")

// IdentityClaims is the payload of the signed identity cookie.
type IdentityClaims struct {
	MSISDN  string `json:"msisdn"`
	Version int    `json:"ver"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies subscriber identity tokens (HS256).
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

// TTL returns the configured token lifetime, which is also the cookie max age.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Issue creates a signed identity token for a normalized MSISDN.
func (c *TokenCodec) Issue(msisdn string) (string, error) {
	if !domain.ValidMSISDN(msisdn) {
		return "", fmt.Errorf("refusing to issue identity token for invalid msisdn")
	}

	now := time.Now().UTC()
	claims := IdentityClaims{
		MSISDN:  msisdn,
		Version: tokenVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("signing identity token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token and returns the subscriber MSISDN. The cookie value
// is client-owned and therefore untrusted: signature, version and MSISDN
// format are all re-checked on every read.
func (c *TokenCodec) Parse(tokenString string) (string, error) {
	var claims IdentityClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidIdentityToken
	}
	if claims.Version != tokenVersion {
		return "", ErrInvalidIdentityToken
	}
	if !domain.ValidMSISDN(claims.MSISDN) {
		return "", ErrInvalidIdentityToken
	}
	return claims.MSISDN, nil
}
