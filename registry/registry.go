package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	// ErrClientNotFound is returned for an unknown client_id.
	ErrClientNotFound = errors.New("client not found")
	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = errors.New("invalid_client")
	// ErrInvalidRedirectURI is returned when a redirect URI is not registered for the client.
	ErrInvalidRedirectURI = errors.New("invalid redirect_uri")
	// ErrInvalidScope is returned when requested scopes exceed the client's allowed scopes.
	ErrInvalidScope = errors.New("invalid_scope")
	// ErrUnauthorizedGrant is returned when the client may not use a grant type.
	ErrUnauthorizedGrant = errors.New("unauthorized_client")
)

// GrantType identifies an OAuth 2.0 grant.
type GrantType string

// Supported grant types.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// ScopeID identifies an identity or API scope.
type ScopeID string

// Standard identity scopes.
const (
	ScopeOpenID  ScopeID = "openid"
	ScopeProfile ScopeID = "profile"
	ScopeEmail   ScopeID = "email"
	ScopePhone   ScopeID = "phone"
	ScopeAddress ScopeID = "address"
	// ScopeOfflineAccess requests a refresh token.
	ScopeOfflineAccess ScopeID = "offline_access"
)

// IdentityScopes lists the identity resources every provider exposes.
var IdentityScopes = []ScopeID{ScopeOpenID, ScopeProfile, ScopeAddress, ScopeEmail, ScopePhone}

// ClientConfig describes a registered relying party as read from YAML.
type ClientConfig struct {
	ClientID               string   `yaml:"client_id"`
	ClientName             string   `yaml:"client_name"`
	AllowedGrantTypes      []string `yaml:"allowed_grant_types"`
	RedirectURIs           []string `yaml:"redirect_uris"`
	PostLogoutRedirectURIs []string `yaml:"post_logout_redirect_uris"`
	AllowedScopes          []string `yaml:"allowed_scopes"`
	// ClientSecretHash is base64(SHA-256(secret)). Empty marks a public client.
	ClientSecretHash string `yaml:"client_secret_hash"`
	RequirePKCE      bool   `yaml:"require_pkce"`
}

// Registration is the validated, read-only form of a client entry.
type Registration struct {
	ClientID               string
	ClientName             string
	AllowedGrantTypes      map[GrantType]struct{}
	RedirectURIs           map[string]struct{}
	PostLogoutRedirectURIs map[string]struct{}
	AllowedScopes          map[ScopeID]struct{}
	ClientSecretHash       []byte
	RequirePKCE            bool
}

// Public reports whether the client has no secret.
func (r *Registration) Public() bool {
	return len(r.ClientSecretHash) == 0
}

// AllowsGrant reports whether the client may use the grant type.
func (r *Registration) AllowsGrant(g GrantType) bool {
	_, ok := r.AllowedGrantTypes[g]
	return ok
}

// AllowsScope reports whether the scope is in the client's allowed set.
func (r *Registration) AllowsScope(s ScopeID) bool {
	_, ok := r.AllowedScopes[s]
	return ok
}

// Registry holds registered clients. It is immutable after New returns.
type Registry struct {
	clients map[string]*Registration
	scopes  map[ScopeID]struct{}
}

// New builds the registry from configuration. Any malformed entry fails.
func New(cfgs []ClientConfig, apiScopes []string) (*Registry, error) {
	known := make(map[ScopeID]struct{}, len(IdentityScopes)+len(apiScopes)+1)
	for _, s := range IdentityScopes {
		known[s] = struct{}{}
	}
	known[ScopeOfflineAccess] = struct{}{}
	for _, s := range apiScopes {
		s = strings.TrimSpace(s)
		if s == "" || strings.ContainsAny(s, " \t") {
			return nil, fmt.Errorf("invalid api scope %q", s)
		}
		known[ScopeID(s)] = struct{}{}
	}

	clients := make(map[string]*Registration, len(cfgs))
	for i, cfg := range cfgs {
		reg, err := buildRegistration(cfg, known)
		if err != nil {
			return nil, fmt.Errorf("clients[%d]: %w", i, err)
		}
		if _, dup := clients[reg.ClientID]; dup {
			return nil, fmt.Errorf("clients[%d]: duplicate client_id %q", i, reg.ClientID)
		}
		clients[reg.ClientID] = reg
	}
	return &Registry{clients: clients, scopes: known}, nil
}

func buildRegistration(cfg ClientConfig, known map[ScopeID]struct{}) (*Registration, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client_id required")
	}
	if len(cfg.RedirectURIs) == 0 {
		return nil, fmt.Errorf("client %s: at least one redirect_uri is required", cfg.ClientID)
	}

	reg := &Registration{
		ClientID:               cfg.ClientID,
		ClientName:             cfg.ClientName,
		AllowedGrantTypes:      make(map[GrantType]struct{}),
		RedirectURIs:           make(map[string]struct{}),
		PostLogoutRedirectURIs: make(map[string]struct{}),
		AllowedScopes:          make(map[ScopeID]struct{}),
		RequirePKCE:            cfg.RequirePKCE,
	}

	grants := cfg.AllowedGrantTypes
	if len(grants) == 0 {
		grants = []string{string(GrantAuthorizationCode)}
	}
	for _, g := range grants {
		switch gt := GrantType(g); gt {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
			reg.AllowedGrantTypes[gt] = struct{}{}
		default:
			return nil, fmt.Errorf("client %s: unknown grant type %q", cfg.ClientID, g)
		}
	}

	for _, uri := range cfg.RedirectURIs {
		if err := checkRedirectURI(uri); err != nil {
			return nil, fmt.Errorf("client %s: redirect_uri %q: %w", cfg.ClientID, uri, err)
		}
		reg.RedirectURIs[uri] = struct{}{}
	}
	for _, uri := range cfg.PostLogoutRedirectURIs {
		if err := checkRedirectURI(uri); err != nil {
			return nil, fmt.Errorf("client %s: post_logout_redirect_uri %q: %w", cfg.ClientID, uri, err)
		}
		reg.PostLogoutRedirectURIs[uri] = struct{}{}
	}

	for _, s := range cfg.AllowedScopes {
		scope := ScopeID(s)
		if _, ok := known[scope]; !ok {
			return nil, fmt.Errorf("client %s: unknown scope %q", cfg.ClientID, s)
		}
		reg.AllowedScopes[scope] = struct{}{}
	}

	if cfg.ClientSecretHash != "" {
		hash, err := base64.StdEncoding.DecodeString(cfg.ClientSecretHash)
		if err != nil || len(hash) != sha256.Size {
			return nil, fmt.Errorf("client %s: client_secret_hash must be base64 SHA-256", cfg.ClientID)
		}
		reg.ClientSecretHash = hash
	}

	return reg, nil
}

// checkRedirectURI rejects URIs that can never be matched safely:
// relative references, non-http(s) schemes, userinfo and fragments.
func checkRedirectURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must be an absolute http(s) URL")
	}
	if u.Host == "" {
		return errors.New("host required")
	}
	if u.User != nil {
		return errors.New("userinfo not allowed")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return errors.New("fragment not allowed")
	}
	return nil
}

// Lookup retrieves a client registration.
func (r *Registry) Lookup(clientID string) (*Registration, error) {
	reg, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	return reg, nil
}

// ValidateRedirectURI reports whether uri exactly matches a registered redirect URI.
func (r *Registry) ValidateRedirectURI(clientID, uri string) bool {
	reg, ok := r.clients[clientID]
	if !ok {
		return false
	}
	_, ok = reg.RedirectURIs[uri]
	return ok
}

// ValidatePostLogoutRedirectURI reports whether uri exactly matches a registered post-logout URI.
func (r *Registry) ValidatePostLogoutRedirectURI(clientID, uri string) bool {
	reg, ok := r.clients[clientID]
	if !ok {
		return false
	}
	_, ok = reg.PostLogoutRedirectURIs[uri]
	return ok
}

// ValidateScopes returns the accepted scopes: the requested scopes that the
// client is allowed. If any requested scope is not allowed the whole request
// fails with ErrInvalidScope.
func (r *Registry) ValidateScopes(clientID string, requested []ScopeID) ([]ScopeID, error) {
	reg, err := r.Lookup(clientID)
	if err != nil {
		return nil, err
	}
	accepted := make([]ScopeID, 0, len(requested))
	var rejected []string
	seen := make(map[ScopeID]struct{}, len(requested))
	for _, s := range requested {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if reg.AllowsScope(s) {
			accepted = append(accepted, s)
		} else {
			rejected = append(rejected, string(s))
		}
	}
	if len(rejected) > 0 {
		return nil, fmt.Errorf("%w: %s not allowed for client %s", ErrInvalidScope, strings.Join(rejected, " "), clientID)
	}
	return accepted, nil
}

// CheckAuthorizationRequest validates an authorization code request for the
// client: grant type, exact redirect URI and scopes.
func (r *Registry) CheckAuthorizationRequest(clientID, redirectURI string, requested []ScopeID) ([]ScopeID, error) {
	reg, err := r.Lookup(clientID)
	if err != nil {
		return nil, err
	}
	if !r.ValidateRedirectURI(clientID, redirectURI) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRedirectURI, redirectURI)
	}
	if !reg.AllowsGrant(GrantAuthorizationCode) {
		return nil, fmt.Errorf("%w: authorization_code not allowed", ErrUnauthorizedGrant)
	}
	return r.ValidateScopes(clientID, requested)
}

// Authenticate validates client credentials. Public clients authenticate
// with an empty secret.
func (r *Registry) Authenticate(clientID, secret string) (*Registration, error) {
	reg, ok := r.clients[clientID]
	if !ok {
		return nil, ErrInvalidClient
	}
	if reg.Public() {
		if secret != "" {
			return nil, ErrInvalidClient
		}
		return reg, nil
	}
	if secret == "" {
		return nil, ErrInvalidClient
	}
	sum := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(sum[:], reg.ClientSecretHash) != 1 {
		return nil, ErrInvalidClient
	}
	return reg, nil
}

// Clients returns the registered client ids in sorted order.
func (r *Registry) Clients() []string {
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scopes returns every scope the registry knows about.
func (r *Registry) Scopes() []ScopeID {
	out := make([]ScopeID, 0, len(r.scopes))
	for s := range r.scopes {
		out = append(out, s)
	}
	return out
}

// HashSecret returns the registry representation of a client secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ParseScopes splits a space-delimited scope parameter, dropping duplicates.
func ParseScopes(scope string) []ScopeID {
	fields := strings.Fields(scope)
	out := make([]ScopeID, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, ScopeID(f))
	}
	return out
}

// FormatScopes joins scopes into a scope parameter.
func FormatScopes(scopes []ScopeID) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, " ")
}

// Contains reports whether scopes includes s.
func Contains(scopes []ScopeID, s ScopeID) bool {
	for _, v := range scopes {
		if v == s {
			return true
		}
	}
	return false
}
