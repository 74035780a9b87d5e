package security

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deviceagent/internal/agenterr"
	"deviceagent/internal/config"
)

const tokenKeyInfo = "privet-access-token-v1"

// TokenClaims is the decoded payload of a local access token.
type TokenClaims struct {
	UserID   string
	Role     config.Role
	Scope    string
	IssuedAt time.Time
	Expiry   time.Time
}

// TokenIssuer mints and validates local Privet access tokens: a symmetric
// MAC over `{user_id|role|scope|issued_at|expiry}` using a key derived from
// the device secret.
type TokenIssuer struct {
	key []byte
}

// NewTokenIssuer derives the token signing key from deviceSecret.
func NewTokenIssuer(deviceSecret []byte) (*TokenIssuer, error) {
	key, err := deriveKey(deviceSecret, tokenKeyInfo)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.DomainBuffet, "", "derive token signing key", err)
	}
	return &TokenIssuer{key: key}, nil
}

func encodeClaims(c TokenClaims) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d",
		c.UserID, c.Role.String(), c.Scope, c.IssuedAt.Unix(), c.Expiry.Unix()))
}

func decodeClaims(payload []byte) (TokenClaims, error) {
	parts := strings.Split(string(payload), "|")
	if len(parts) != 5 {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "malformed token payload")
	}
	issuedAt, err1 := strconv.ParseInt(parts[3], 10, 64)
	expiry, err2 := strconv.ParseInt(parts[4], 10, 64)
	if err1 != nil || err2 != nil {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "malformed token timestamps")
	}
	return TokenClaims{
		UserID:   parts[0],
		Role:     config.ParseRole(parts[1]),
		Scope:    parts[2],
		IssuedAt: time.Unix(issuedAt, 0),
		Expiry:   time.Unix(expiry, 0),
	}, nil
}

// Mint issues an opaque bearer token encoding claims, MACed with the
// issuer's derived key.
func (t *TokenIssuer) Mint(claims TokenClaims) string {
	payload := encodeClaims(claims)
	mac := computeHMAC(t.key, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac)
}

// Validate checks the token's MAC in constant time and that it has not
// expired as of now.
func (t *TokenIssuer) Validate(token string, now time.Time) (TokenClaims, error) {
	dot := strings.IndexByte(token, '.')
	if dot < 0 {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "malformed token payload")
	}
	mac, err := base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "malformed token signature")
	}

	if !verifyHMAC(t.key, mac, payload) {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationMissing, "token signature mismatch")
	}

	claims, err := decodeClaims(payload)
	if err != nil {
		return TokenClaims{}, err
	}
	if now.After(claims.Expiry) {
		return TokenClaims{}, agenterr.New(agenterr.DomainPrivet, agenterr.CodeAuthorizationExpired, "token expired")
	}
	return claims, nil
}
