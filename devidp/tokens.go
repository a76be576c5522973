package devidp

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"imagegallery/registry"
	"imagegallery/storage"
)

const (
	codePrefix    = "idp_code:"
	refreshPrefix = "idp_refresh:"
)

var (
	errInvalidGrant = errors.New("invalid_grant")
	errPKCE         = errors.New("pkce verification failed")
)

// AccessTokenClaims are the claims of access tokens minted by the provider.
type AccessTokenClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// TokenResponse matches token endpoint payloads.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type authorizationCode struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	Nonce               string    `json:"nonce,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Subject             string    `json:"sub"`
	AuthTime            time.Time `json:"auth_time"`
}

type refreshGrant struct {
	ClientID string    `json:"client_id"`
	Subject  string    `json:"sub"`
	Scopes   []string  `json:"scopes"`
	AuthTime time.Time `json:"auth_time"`
}

// TokenTTLs bound the lifetime of everything the provider hands out.
type TokenTTLs struct {
	Code         time.Duration `yaml:"code"`
	IDToken      time.Duration `yaml:"id_token"`
	AccessToken  time.Duration `yaml:"access_token"`
	RefreshToken time.Duration `yaml:"refresh_token"`
}

func (t TokenTTLs) withDefaults() TokenTTLs {
	if t.Code <= 0 {
		t.Code = 5 * time.Minute
	}
	if t.IDToken <= 0 {
		t.IDToken = 5 * time.Minute
	}
	if t.AccessToken <= 0 {
		t.AccessToken = time.Hour
	}
	if t.RefreshToken <= 0 {
		t.RefreshToken = 30 * 24 * time.Hour
	}
	return t
}

// TokenService issues codes and signs tokens.
type TokenService struct {
	issuer string
	ttl    TokenTTLs
	store  storage.Store
	keys   *KeyManager
	users  userDirectory
	logger *slog.Logger
	now    func() time.Time
}

func newTokenService(issuer string, ttl TokenTTLs, store storage.Store, keys *KeyManager, users userDirectory, logger *slog.Logger) *TokenService {
	return &TokenService{
		issuer: strings.TrimSuffix(issuer, "/"),
		ttl:    ttl.withDefaults(),
		store:  store,
		keys:   keys,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// issueCode stores a single-use authorization code.
func (ts *TokenService) issueCode(ctx context.Context, code authorizationCode) (string, error) {
	id, err := storage.RandomToken(32)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(code)
	if err != nil {
		return "", err
	}
	if err := ts.store.Put(ctx, codePrefix+id, raw, ts.ttl.Code); err != nil {
		return "", err
	}
	return id, nil
}

// redeemCode consumes a code. A second redemption fails with invalid_grant.
func (ts *TokenService) redeemCode(ctx context.Context, client *registry.Registration, code, redirectURI, verifier string) (TokenResponse, error) {
	raw, err := ts.store.Take(ctx, codePrefix+code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: code invalid or expired", errInvalidGrant)
		}
		return TokenResponse{}, err
	}
	var ac authorizationCode
	if err := json.Unmarshal(raw, &ac); err != nil {
		return TokenResponse{}, err
	}
	if ac.ClientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", errInvalidGrant)
	}
	if ac.RedirectURI != redirectURI {
		return TokenResponse{}, fmt.Errorf("%w: redirect_uri mismatch", errInvalidGrant)
	}
	if ac.CodeChallenge != "" {
		if err := verifyPKCE(ac.CodeChallenge, verifier); err != nil {
			return TokenResponse{}, fmt.Errorf("%w: %v", errInvalidGrant, err)
		}
	}
	return ts.mint(ctx, client, ac.Subject, ac.Scopes, ac.Nonce, ac.AuthTime)
}

// redeemRefreshToken rotates a refresh token.
func (ts *TokenService) redeemRefreshToken(ctx context.Context, client *registry.Registration, token string) (TokenResponse, error) {
	raw, err := ts.store.Take(ctx, refreshPrefix+token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return TokenResponse{}, fmt.Errorf("%w: refresh token invalid or expired", errInvalidGrant)
		}
		return TokenResponse{}, err
	}
	var grant refreshGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return TokenResponse{}, err
	}
	if grant.ClientID != client.ClientID {
		return TokenResponse{}, fmt.Errorf("%w: client mismatch", errInvalidGrant)
	}
	return ts.mint(ctx, client, grant.Subject, grant.Scopes, "", grant.AuthTime)
}

func (ts *TokenService) mint(ctx context.Context, client *registry.Registration, subject string, scopes []string, nonce string, authTime time.Time) (TokenResponse, error) {
	user, ok := ts.users.lookup(subject)
	if !ok {
		return TokenResponse{}, fmt.Errorf("%w: unknown subject", errInvalidGrant)
	}
	scopeIDs := make([]registry.ScopeID, len(scopes))
	for i, s := range scopes {
		scopeIDs[i] = registry.ScopeID(s)
	}
	now := ts.now()

	access, err := ts.keys.Sign(AccessTokenClaims{
		Scope:    strings.Join(scopes, " "),
		ClientID: client.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ts.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{ts.issuer + "/resources"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ts.ttl.AccessToken)),
			ID:        uuid.NewString(),
		},
	})
	if err != nil {
		return TokenResponse{}, err
	}

	idClaims := jwt.MapClaims{
		"iss":       ts.issuer,
		"sub":       subject,
		"aud":       client.ClientID,
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       now.Add(ts.ttl.IDToken).Unix(),
		"auth_time": authTime.Unix(),
		"amr":       []string{"pwd"},
		"idp":       "local",
	}
	if nonce != "" {
		idClaims["nonce"] = nonce
	}
	for k, v := range user.claimsFor(scopeIDs) {
		idClaims[k] = v
	}
	idToken, err := ts.keys.Sign(idClaims)
	if err != nil {
		return TokenResponse{}, err
	}

	resp := TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ts.ttl.AccessToken.Seconds()),
		IDToken:     idToken,
		Scope:       strings.Join(scopes, " "),
	}

	if registry.Contains(scopeIDs, registry.ScopeOfflineAccess) && client.AllowsGrant(registry.GrantRefreshToken) {
		rt, err := storage.RandomToken(32)
		if err != nil {
			return TokenResponse{}, err
		}
		raw, err := json.Marshal(refreshGrant{ClientID: client.ClientID, Subject: subject, Scopes: scopes, AuthTime: authTime})
		if err != nil {
			return TokenResponse{}, err
		}
		if err := ts.store.Put(ctx, refreshPrefix+rt, raw, ts.ttl.RefreshToken); err != nil {
			return TokenResponse{}, err
		}
		resp.RefreshToken = rt
	}

	ts.logger.Info("tokens issued", "client_id", client.ClientID, "sub", subject, "scope", resp.Scope)
	return resp, nil
}

// ValidateAccessToken parses an access token minted by this provider.
func (ts *TokenService) ValidateAccessToken(token string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims, ts.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(ts.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// parseIDTokenHint verifies an id_token_hint, ignoring its expiry.
func (ts *TokenService) parseIDTokenHint(hint string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(hint, claims, ts.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, err
	}
	if iss, _ := claims.GetIssuer(); iss != ts.issuer {
		return nil, errors.New("id_token_hint issuer mismatch")
	}
	return claims, nil
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errPKCE
	}
	return nil
}
