// Package qauth mints and verifies the bearer tokens that authorize run
// triggers over the HTTP API.
package qauth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the flat view of a trigger token's payload.
type Claims struct {
	Subject  string // who triggers: a user, a CI job, a scheduler replica
	Pipeline string // empty means every pipeline
	Iss      string
	Aud      string
	Iat      int64
	Exp      int64
}

// Allows reports whether the token may act on pipeline.
func (c *Claims) Allows(pipeline string) bool {
	return c.Pipeline == "" || c.Pipeline == pipeline
}

// ParseTokenClaims extracts raw claims from a JWT without verifying its
// signature. Use it for display only, never for authorization.
func ParseTokenClaims(tokenStr string) (jwt.MapClaims, error) {
	var claims jwt.MapClaims
	parser := new(jwt.Parser)
	_, _, err := parser.ParseUnverified(tokenStr, &claims)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func FromToken(tokenStr string) (*Claims, error) {
	claims, err := ParseTokenClaims(tokenStr)
	if err != nil {
		return nil, err
	}
	return FromMapClaims(claims)
}

// FromMapClaims tolerates both string and numeric forms of sub, iat and exp.
func FromMapClaims(mc jwt.MapClaims) (*Claims, error) {
	c := &Claims{}

	if sub, ok := mc["sub"]; ok {
		switch v := sub.(type) {
		case string:
			c.Subject = v
		case float64:
			c.Subject = strconv.FormatInt(int64(v), 10)
		default:
			c.Subject = fmt.Sprintf("%v", v)
		}
	}

	if p, ok := mc["pipeline"].(string); ok {
		c.Pipeline = p
	}
	if iss, ok := mc["iss"].(string); ok {
		c.Iss = iss
	}

	switch aud := mc["aud"].(type) {
	case string:
		c.Aud = aud
	case []interface{}:
		if len(aud) > 0 {
			c.Aud, _ = aud[0].(string)
		}
	}

	c.Iat = numericClaim(mc["iat"])
	c.Exp = numericClaim(mc["exp"])

	return c, nil
}

func numericClaim(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

// ToClaims converts Claims into jwt.MapClaims for signing. Timestamps are
// unix seconds and must be set by the caller.
func ToClaims(c *Claims) jwt.MapClaims {
	mc := jwt.MapClaims{}
	if c.Subject != "" {
		mc["sub"] = c.Subject
	}
	if c.Pipeline != "" {
		mc["pipeline"] = c.Pipeline
	}
	if c.Iss != "" {
		mc["iss"] = c.Iss
	}
	if c.Aud != "" {
		mc["aud"] = c.Aud
	}
	if c.Iat != 0 {
		mc["iat"] = c.Iat
	}
	if c.Exp != 0 {
		mc["exp"] = c.Exp
	}
	return mc
}

// IsTokenExpired returns true when the token is expired or within skew of
// expiring. The signature is not checked.
func IsTokenExpired(token string, skew time.Duration) (bool, error) {
	if token == "" {
		return true, nil
	}
	c, err := FromToken(token)
	if err != nil {
		return true, err
	}
	if c.Exp == 0 {
		return false, nil
	}
	expiresAt := time.Unix(c.Exp, 0).Add(-skew)
	return time.Now().After(expiresAt), nil
}
