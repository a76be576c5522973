package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultClockSkew is the tolerance applied to exp and nbf.
const DefaultClockSkew = 2 * time.Minute

// Validation failures, in the order they are checked.
var (
	ErrSignatureInvalid = errors.New("id_token signature invalid")
	ErrIssuerMismatch   = errors.New("id_token issuer mismatch")
	ErrAudienceMismatch = errors.New("id_token audience mismatch")
	ErrTokenNotYetValid = errors.New("id_token not yet valid")
	ErrTokenExpired     = errors.New("id_token expired")
	ErrNonceMismatch    = errors.New("id_token nonce mismatch")
	ErrMissingSubject   = errors.New("id_token sub missing")
)

// ValidatorConfig configures the ID token validator.
type ValidatorConfig struct {
	// KeySet verifies signatures, normally oidc.NewRemoteKeySet on the
	// provider's jwks_uri.
	KeySet oidc.KeySet
	// SupportedAlgorithms defaults to RS256.
	SupportedAlgorithms []string
	ClockSkew           time.Duration
	Now                 func() time.Time
}

// Expectations are the per-attempt values a token must match.
type Expectations struct {
	Issuer   string
	Audience string
	// Nonce is compared against the nonce claim. An empty Nonce skips the
	// check, which is only correct for tokens from a refresh grant.
	Nonce string
}

// Validator verifies identity tokens issued by the provider.
type Validator struct {
	keySet oidc.KeySet
	algs   []string
	skew   time.Duration
	now    func() time.Time
}

// NewValidator creates a validator with sane defaults.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.KeySet == nil {
		return nil, errors.New("validator: key set required")
	}
	algs := cfg.SupportedAlgorithms
	if len(algs) == 0 {
		algs = []string{oidc.RS256}
	}
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{keySet: cfg.KeySet, algs: algs, skew: skew, now: now}, nil
}

type idTokenClaims struct {
	Issuer    string           `json:"iss"`
	Subject   string           `json:"sub"`
	Audience  jwt.ClaimStrings `json:"aud"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	NotBefore *jwt.NumericDate `json:"nbf"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	Nonce     string           `json:"nonce"`
}

// Validate checks signature, issuer, audience, validity window and nonce,
// in that order, and returns the token's claims. The first failing check
// determines the error.
func (v *Validator) Validate(ctx context.Context, rawIDToken string, want Expectations) (*Claims, error) {
	if rawIDToken == "" {
		return nil, fmt.Errorf("%w: token required", ErrSignatureInvalid)
	}

	jws, err := jose.ParseSigned(rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed jws: %v", ErrSignatureInvalid, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: expected one signature, got %d", ErrSignatureInvalid, len(jws.Signatures))
	}
	if alg := jws.Signatures[0].Header.Algorithm; !slices.Contains(v.algs, alg) {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureInvalid, alg)
	}
	payload, err := v.keySet.VerifySignature(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var tc idTokenClaims
	if err := json.Unmarshal(payload, &tc); err != nil {
		return nil, fmt.Errorf("%w: malformed claims: %v", ErrSignatureInvalid, err)
	}

	if tc.Issuer != want.Issuer {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrIssuerMismatch, want.Issuer, tc.Issuer)
	}

	if !slices.Contains([]string(tc.Audience), want.Audience) {
		return nil, fmt.Errorf("%w: %q not in %v", ErrAudienceMismatch, want.Audience, []string(tc.Audience))
	}

	now := v.now()
	if tc.NotBefore != nil && now.Add(v.skew).Before(tc.NotBefore.Time) {
		return nil, fmt.Errorf("%w: nbf %s", ErrTokenNotYetValid, tc.NotBefore.Time.UTC().Format(time.RFC3339))
	}
	if tc.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: exp missing", ErrTokenExpired)
	}
	if now.Add(-v.skew).After(tc.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: exp %s", ErrTokenExpired, tc.ExpiresAt.Time.UTC().Format(time.RFC3339))
	}

	if want.Nonce != "" && tc.Nonce != want.Nonce {
		return nil, ErrNonceMismatch
	}

	if tc.Subject == "" {
		return nil, ErrMissingSubject
	}

	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed claims: %v", ErrSignatureInvalid, err)
	}
	return newClaims(raw), nil
}
