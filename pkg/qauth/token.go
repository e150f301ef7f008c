package qauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quatton/qbatch/pkg/qerr"
)

const (
	Issuer        = "qbatch"
	TokenAudience = "qbatch-api"

	DefaultTokenTTL = 24 * time.Hour
)

// ErrUnauthorized wraps every verification failure.
var ErrUnauthorized = qerr.New(qerr.CodeUnauthorized, errors.New("invalid or missing token"))

// Authenticator signs and verifies HS256 trigger tokens with a shared secret.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("signing secret must be at least 32 characters")
	}
	return &Authenticator{secret: []byte(secret), now: time.Now}, nil
}

// Issue mints a token for subject, optionally scoped to one pipeline. A
// non-positive ttl falls back to DefaultTokenTTL.
func (a *Authenticator) Issue(subject, pipeline string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := a.now()
	c := &Claims{
		Subject:  subject,
		Pipeline: pipeline,
		Iss:      Issuer,
		Aud:      TokenAudience,
		Iat:      now.Unix(),
		Exp:      now.Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(c))
	return token.SignedString(a.secret)
}

// Verify checks signature, expiry and audience.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithAudience(TokenAudience),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	c, err := FromMapClaims(claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return c, nil
}
