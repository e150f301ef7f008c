package qauth

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/quatton/qbatch/pkg/qerr"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fixedAuthenticator(t *testing.T, at time.Time) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret)
	if err != nil {
		t.Fatalf("NewAuthenticator failed: %v", err)
	}
	a.now = func() time.Time { return at }
	return a
}

func TestNewAuthenticator_ShortSecret(t *testing.T) {
	if _, err := NewAuthenticator("short"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestIssueVerify(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	a := fixedAuthenticator(t, now)

	token, err := a.Issue("ci", "batch-data-import", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	c, err := a.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	want := &Claims{
		Subject:  "ci",
		Pipeline: "batch-data-import",
		Iss:      Issuer,
		Aud:      TokenAudience,
		Iat:      now.Unix(),
		Exp:      now.Add(time.Hour).Unix(),
	}
	if !reflect.DeepEqual(c, want) {
		t.Fatalf("claims mismatch\nexpected=%#v\nparsed=%#v", want, c)
	}
	if !c.Allows("batch-data-import") || c.Allows("other") {
		t.Errorf("pipeline scope not enforced")
	}
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)
	a := fixedAuthenticator(t, now)

	expired, _ := a.Issue("ci", "", time.Minute)
	later := fixedAuthenticator(t, now.Add(time.Hour))

	other, _ := NewAuthenticator("another-secret-another-secret-123")
	other.now = a.now
	forged, _ := other.Issue("ci", "", time.Hour)

	wrongAud := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(&Claims{
		Subject: "ci", Iss: Issuer, Aud: "someone-else", Exp: now.Add(time.Hour).Unix(),
	}))
	wrongAudStr, _ := wrongAud.SignedString([]byte(testSecret))

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(&Claims{
		Subject: "ci", Iss: Issuer, Aud: TokenAudience,
	}))
	noExpStr, _ := noExp.SignedString([]byte(testSecret))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, ToClaims(&Claims{
		Subject: "ci", Iss: Issuer, Aud: TokenAudience, Exp: now.Add(time.Hour).Unix(),
	}))
	noneStr, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]struct {
		auth  *Authenticator
		token string
	}{
		"expired":        {later, expired},
		"wrong secret":   {a, forged},
		"wrong audience": {a, wrongAudStr},
		"no expiry":      {a, noExpStr},
		"alg none":       {a, noneStr},
		"garbage":        {a, "not.a.jwt"},
		"empty":          {a, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.auth.Verify(tc.token)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
			if !qerr.IsCode(err, qerr.CodeUnauthorized) {
				t.Errorf("expected unauthorized code, got %s", qerr.CodeOf(err))
			}
		})
	}
}

func TestFromMapClaimsHandlesNumericSub(t *testing.T) {
	mc := jwt.MapClaims{
		"sub": float64(42),
		"aud": []interface{}{"qbatch-api"},
		"iat": float64(1000),
		"exp": float64(2000),
	}
	c, err := FromMapClaims(mc)
	if err != nil {
		t.Fatalf("FromMapClaims error: %v", err)
	}
	if c.Subject != "42" || c.Aud != "qbatch-api" || c.Iat != 1000 || c.Exp != 2000 {
		t.Errorf("unexpected claims %+v", c)
	}
}

func TestIsTokenExpired(t *testing.T) {
	a := fixedAuthenticator(t, time.Now())
	fresh, _ := a.Issue("ci", "", time.Hour)

	if expired, err := IsTokenExpired(fresh, time.Minute); err != nil || expired {
		t.Errorf("fresh token reported expired (%v)", err)
	}
	if expired, _ := IsTokenExpired(fresh, 2*time.Hour); !expired {
		t.Errorf("token inside skew should count as expired")
	}
	if expired, _ := IsTokenExpired("", 0); !expired {
		t.Errorf("empty token should count as expired")
	}
}
