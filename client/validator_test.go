package client

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://localhost:5001"
	testAudience = "imagegalleryclient"
	testNonce    = "n-0S6_WzA2Mj"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"sub":   "d860efca-22d9-47fd-8249-791ba61b07c7",
		"aud":   []string{testAudience},
		"exp":   testNow.Add(5 * time.Minute).Unix(),
		"nbf":   testNow.Add(-time.Minute).Unix(),
		"iat":   testNow.Add(-time.Minute).Unix(),
		"nonce": testNonce,
		"name":  "David Flagg",
	}
}

func sign(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, key *rsa.PrivateKey) *Validator {
	t.Helper()
	v, err := NewValidator(ValidatorConfig{
		KeySet: &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		Now:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func expectations() Expectations {
	return Expectations{Issuer: testIssuer, Audience: testAudience, Nonce: testNonce}
}

func TestValidateAcceptsValidToken(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t, key)

	claims, err := v.Validate(context.Background(), sign(t, key, validClaims()), expectations())
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if claims.Subject() != "d860efca-22d9-47fd-8249-791ba61b07c7" {
		t.Fatalf("subject mismatch: %q", claims.Subject())
	}
	if claims.String("name") != "David Flagg" {
		t.Fatalf("name claim mismatch: %q", claims.String("name"))
	}
	if got := claims.Audience(); len(got) != 1 || got[0] != testAudience {
		t.Fatalf("audience mismatch: %v", got)
	}
	if !claims.ExpiresAt().Equal(testNow.Add(5 * time.Minute)) {
		t.Fatalf("exp mismatch: %v", claims.ExpiresAt())
	}
}

func TestValidateFailureModes(t *testing.T) {
	key := newTestKey(t)
	other := newTestKey(t)
	v := newTestValidator(t, key)

	tests := []struct {
		name   string
		key    *rsa.PrivateKey
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"foreign key", other, nil, ErrSignatureInvalid},
		{"issuer", key, func(c jwt.MapClaims) { c["iss"] = "https://evil" }, ErrIssuerMismatch},
		{"audience", key, func(c jwt.MapClaims) { c["aud"] = "someoneelse" }, ErrAudienceMismatch},
		{"audience list", key, func(c jwt.MapClaims) { c["aud"] = []string{"a", "b"} }, ErrAudienceMismatch},
		{"expired", key, func(c jwt.MapClaims) { c["exp"] = testNow.Add(-3 * time.Minute).Unix() }, ErrTokenExpired},
		{"missing exp", key, func(c jwt.MapClaims) { delete(c, "exp") }, ErrTokenExpired},
		{"not yet valid", key, func(c jwt.MapClaims) { c["nbf"] = testNow.Add(3 * time.Minute).Unix() }, ErrTokenNotYetValid},
		{"nonce", key, func(c jwt.MapClaims) { c["nonce"] = "replayed" }, ErrNonceMismatch},
		{"missing nonce", key, func(c jwt.MapClaims) { delete(c, "nonce") }, ErrNonceMismatch},
		{"missing sub", key, func(c jwt.MapClaims) { delete(c, "sub") }, ErrMissingSubject},
		// issuer is checked before audience, audience before expiry
		{"issuer before audience", key, func(c jwt.MapClaims) {
			c["iss"] = "https://evil"
			c["aud"] = "x"
		}, ErrIssuerMismatch},
		{"audience before expiry", key, func(c jwt.MapClaims) {
			c["aud"] = "x"
			c["exp"] = testNow.Add(-time.Hour).Unix()
		}, ErrAudienceMismatch},
		{"expiry before nonce", key, func(c jwt.MapClaims) {
			c["exp"] = testNow.Add(-time.Hour).Unix()
			c["nonce"] = "x"
		}, ErrTokenExpired},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			claims := validClaims()
			if tc.mutate != nil {
				tc.mutate(claims)
			}
			_, err := v.Validate(context.Background(), sign(t, tc.key, claims), expectations())
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestValidateClockSkewTolerance(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t, key)

	claims := validClaims()
	claims["exp"] = testNow.Add(-90 * time.Second).Unix()
	claims["nbf"] = testNow.Add(90 * time.Second).Unix()
	if _, err := v.Validate(context.Background(), sign(t, key, claims), expectations()); err != nil {
		t.Fatalf("expected token within skew to validate: %v", err)
	}
}

func TestValidateRejectsMalformedAndUnsignedTokens(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t, key)

	for _, raw := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := v.Validate(context.Background(), raw, expectations()); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("Validate(%q): expected ErrSignatureInvalid, got %v", raw, err)
		}
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := v.Validate(context.Background(), raw, expectations()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected alg=none to be rejected, got %v", err)
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	raw, err = hs.SignedString([]byte("shared"))
	if err != nil {
		t.Fatalf("sign hs256: %v", err)
	}
	if _, err := v.Validate(context.Background(), raw, expectations()); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected HS256 to be rejected, got %v", err)
	}
}

func TestValidateSkipsNonceWhenNotExpected(t *testing.T) {
	key := newTestKey(t)
	v := newTestValidator(t, key)

	claims := validClaims()
	delete(claims, "nonce")
	want := expectations()
	want.Nonce = ""
	if _, err := v.Validate(context.Background(), sign(t, key, claims), want); err != nil {
		t.Fatalf("expected refresh-style token to validate: %v", err)
	}
}

func TestNewValidatorRequiresKeySet(t *testing.T) {
	if _, err := NewValidator(ValidatorConfig{}); err == nil {
		t.Fatalf("expected error without key set")
	}
}

func TestClaimsJSONRoundTripIsolatesCopies(t *testing.T) {
	c := ClaimsFromMap(map[string]any{"sub": "u1", "amr": []any{"pwd"}})

	m := c.Map()
	m["sub"] = "changed"
	if c.Subject() != "u1" {
		t.Fatalf("Map must return a copy")
	}

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Claims
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Subject() != "u1" {
		t.Fatalf("subject lost in round trip")
	}
	if got := decoded.Values("amr"); len(got) != 1 || got[0] != "pwd" {
		t.Fatalf("amr mismatch: %v", got)
	}
}
