package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"imagegallery/session"
)

// DefaultExchangeTimeout bounds back-channel calls to the token endpoint.
const DefaultExchangeTimeout = 10 * time.Second

// Provider is the identity provider as seen by the authenticator.
type Provider interface {
	Issuer() string
	AuthCodeURL(state, nonce, codeVerifier string, scopes []string) string
	Exchange(ctx context.Context, code, codeVerifier string) (*session.TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (*session.TokenSet, error)
	// EndSessionURL returns "" when the provider has no end_session_endpoint.
	EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) string
}

// ExchangeError describes a failed back-channel call.
type ExchangeError struct {
	Endpoint   string
	StatusCode int
	Code       string
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token endpoint %s returned %d %s: %v", e.Endpoint, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("token endpoint %s: %v", e.Endpoint, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ProviderConfig configures discovery and the client credentials used
// against the provider.
type ProviderConfig struct {
	// Authority is the issuer URL; a trailing slash is ignored.
	Authority    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// OIDCProvider talks to a discovered OpenID Connect provider.
type OIDCProvider struct {
	issuer      string
	oauthConfig *oauth2.Config
	keySet      oidc.KeySet
	endSession  string
	timeout     time.Duration
	httpClient  *http.Client
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg ProviderConfig) (*OIDCProvider, error) {
	if cfg.Authority == "" {
		return nil, errors.New("authority required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client id required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}

	issuer := strings.TrimSuffix(cfg.Authority, "/")
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", issuer, err)
	}

	var meta struct {
		JWKSURI            string `json:"jwks_uri"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := op.Claims(&meta); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, fmt.Errorf("provider %s advertises no jwks_uri", issuer)
	}

	endpoint := op.Endpoint()
	if cfg.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		issuer: issuer,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
		},
		// the key set outlives the discovery request
		keySet:     oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), httpClient), meta.JWKSURI),
		endSession: meta.EndSessionEndpoint,
		timeout:    timeout,
		httpClient: httpClient,
	}, nil
}

// Issuer returns the issuer every ID token must carry.
func (p *OIDCProvider) Issuer() string { return p.issuer }

// KeySet returns the provider's signing keys.
func (p *OIDCProvider) KeySet() oidc.KeySet { return p.keySet }

// AuthCodeURL builds the authorization request with nonce and PKCE S256.
func (p *OIDCProvider) AuthCodeURL(state, nonce, codeVerifier string, scopes []string) string {
	cfg := *p.oauthConfig
	cfg.Scopes = scopes
	return cfg.AuthCodeURL(state, oidc.Nonce(nonce), oauth2.S256ChallengeOption(codeVerifier))
}

// Exchange redeems an authorization code.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier string) (*session.TokenSet, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.httpClient), p.timeout)
	defer cancel()

	tok, err := p.oauthConfig.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, p.exchangeError(err)
	}
	return tokenSet(tok), nil
}

// Refresh runs the refresh_token grant.
func (p *OIDCProvider) Refresh(ctx context.Context, refreshToken string) (*session.TokenSet, error) {
	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.httpClient), p.timeout)
	defer cancel()

	tok, err := p.oauthConfig.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, p.exchangeError(err)
	}
	return tokenSet(tok), nil
}

// EndSessionURL builds the RP-initiated logout redirect.
func (p *OIDCProvider) EndSessionURL(idTokenHint, postLogoutRedirectURI, state string) string {
	if p.endSession == "" {
		return ""
	}
	u, err := url.Parse(p.endSession)
	if err != nil {
		return ""
	}
	q := u.Query()
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	if postLogoutRedirectURI != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirectURI)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *OIDCProvider) exchangeError(err error) error {
	e := &ExchangeError{Endpoint: p.oauthConfig.Endpoint.TokenURL, Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.Response != nil {
			e.StatusCode = re.Response.StatusCode
		}
		e.Code = re.ErrorCode
	}
	return e
}

func tokenSet(tok *oauth2.Token) *session.TokenSet {
	ts := &session.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if raw, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = raw
	}
	return ts
}
