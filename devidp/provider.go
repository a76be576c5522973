package devidp

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"imagegallery/registry"
	"imagegallery/storage"
)

// Config configures the development provider.
type Config struct {
	Issuer string
	TTL    TokenTTLs
	Users  []User
	// CORSOrigins may call discovery, JWKS, token and userinfo from a browser.
	CORSOrigins []string
}

// Provider serves the provider endpoints.
type Provider struct {
	issuer   string
	registry *registry.Registry
	tokens   *TokenService
	keys     *KeyManager
	users    userDirectory
	cors     *cors.Cors
	logger   *slog.Logger
}

// New builds a provider for the registered clients.
func New(cfg Config, reg *registry.Registry, store storage.Store, keys *KeyManager, logger *slog.Logger) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("devidp: issuer required")
	}
	if reg == nil || store == nil || keys == nil {
		return nil, errors.New("devidp: registry, store and keys required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	users := newUserDirectory(cfg.Users)
	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	return &Provider{
		issuer:   issuer,
		registry: reg,
		tokens:   newTokenService(issuer, cfg.TTL, store, keys, users, logger),
		keys:     keys,
		users:    users,
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}),
		logger: logger,
	}, nil
}

// Issuer returns the issuer identifier.
func (p *Provider) Issuer() string { return p.issuer }

// Routes mounts the provider endpoints.
func (p *Provider) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(p.cors.Handler)
		r.Get("/.well-known/openid-configuration", p.handleDiscovery)
		r.Get("/.well-known/openid-configuration/jwks", p.handleJWKS)
		r.Post("/connect/token", p.handleToken)
		r.Options("/connect/token", func(http.ResponseWriter, *http.Request) {})
		r.Get("/connect/userinfo", p.handleUserInfo)
		r.Post("/connect/userinfo", p.handleUserInfo)
	})
	r.Get("/connect/authorize", p.handleAuthorize)
	r.Get("/connect/endsession", p.handleEndSession)
}

// Handler returns a router serving only the provider endpoints.
func (p *Provider) Handler() http.Handler {
	r := chi.NewRouter()
	p.Routes(r)
	return r
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildDiscoveryDocument(p.issuer, p.registry.Scopes()))
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keys.PublicJWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	client, err := p.registry.Lookup(clientID)
	if err != nil {
		p.logger.Warn("authorize unknown client", "client_id", clientID)
		http.Error(w, "invalid_request: unknown client", http.StatusBadRequest)
		return
	}
	// an unregistered redirect URI is never redirected to
	if !p.registry.ValidateRedirectURI(clientID, redirectURI) {
		p.logger.Warn("authorize invalid redirect_uri", "client_id", clientID, "redirect_uri", redirectURI)
		http.Error(w, "invalid_request: redirect_uri not registered", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		redirectError(w, r, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}
	if !client.AllowsGrant(registry.GrantAuthorizationCode) {
		redirectError(w, r, redirectURI, state, "unauthorized_client", "authorization_code not allowed")
		return
	}
	requested := registry.ParseScopes(q.Get("scope"))
	if !registry.Contains(requested, registry.ScopeOpenID) {
		redirectError(w, r, redirectURI, state, "invalid_scope", "openid scope required")
		return
	}
	scopes, err := p.registry.ValidateScopes(clientID, requested)
	if err != nil {
		redirectError(w, r, redirectURI, state, "invalid_scope", err.Error())
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge != "" && method != "S256" {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge_method must be S256")
		return
	}
	if challenge == "" && (client.RequirePKCE || client.Public()) {
		redirectError(w, r, redirectURI, state, "invalid_request", "code_challenge required")
		return
	}

	user := p.users.pick(q.Get("login_hint"))
	scopeStrings := make([]string, len(scopes))
	for i, s := range scopes {
		scopeStrings[i] = string(s)
	}
	code, err := p.tokens.issueCode(r.Context(), authorizationCode{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scopes:              scopeStrings,
		Nonce:               q.Get("nonce"),
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Subject:             user.Subject,
		AuthTime:            time.Now(),
	})
	if err != nil {
		p.logger.Error("authorize issue code", "error", err)
		redirectError(w, r, redirectURI, state, "server_error", "failed to issue code")
		return
	}

	p.logger.Info("authorize", "client_id", clientID, "sub", user.Subject, "scope", registry.FormatScopes(scopes))
	target, _ := url.Parse(redirectURI)
	values := target.Query()
	values.Set("code", code)
	if state != "" {
		values.Set("state", state)
	}
	values.Set("iss", p.issuer)
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	clientID, secret, ok := r.BasicAuth()
	if ok {
		// client_secret_basic values are form-urlencoded
		if id, err := url.QueryUnescape(clientID); err == nil {
			clientID = id
		}
		if s, err := url.QueryUnescape(secret); err == nil {
			secret = s
		}
	} else {
		clientID = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	client, err := p.registry.Authenticate(clientID, secret)
	if err != nil {
		p.logger.Warn("token client authentication failed", "client_id", clientID)
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	var resp TokenResponse
	switch grant := registry.GrantType(r.PostFormValue("grant_type")); grant {
	case registry.GrantAuthorizationCode:
		if !client.AllowsGrant(grant) {
			tokenError(w, http.StatusBadRequest, "unauthorized_client", "grant not allowed")
			return
		}
		resp, err = p.tokens.redeemCode(r.Context(), client, r.PostFormValue("code"), r.PostFormValue("redirect_uri"), r.PostFormValue("code_verifier"))
	case registry.GrantRefreshToken:
		if !client.AllowsGrant(grant) {
			tokenError(w, http.StatusBadRequest, "unauthorized_client", "grant not allowed")
			return
		}
		resp, err = p.tokens.redeemRefreshToken(r.Context(), client, r.PostFormValue("refresh_token"))
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if err != nil {
		if errors.Is(err, errInvalidGrant) {
			p.logger.Warn("token grant rejected", "client_id", client.ClientID, "error", err)
			tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
			return
		}
		p.logger.Error("token mint", "client_id", client.ClientID, "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r.Header.Get("Authorization"))
	claims, err := p.tokens.ValidateAccessToken(token)
	if token == "" || err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	user, ok := p.users.lookup(claims.Subject)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	out := user.claimsFor(registry.ParseScopes(claims.Scope))
	out["sub"] = user.Subject
	writeJSON(w, http.StatusOK, out)
}

func (p *Provider) handleEndSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	postLogout := q.Get("post_logout_redirect_uri")

	if hint := q.Get("id_token_hint"); hint != "" && postLogout != "" {
		claims, err := p.tokens.parseIDTokenHint(hint)
		if err != nil {
			p.logger.Warn("end session: invalid id_token_hint", "error", err)
		} else {
			aud, _ := claims.GetAudience()
			for _, clientID := range aud {
				if p.registry.ValidatePostLogoutRedirectURI(clientID, postLogout) {
					target, _ := url.Parse(postLogout)
					if state := q.Get("state"); state != "" {
						values := target.Query()
						values.Set("state", state)
						target.RawQuery = values.Encode()
					}
					sub, _ := claims.GetSubject()
					p.logger.Info("end session", "client_id", clientID, "sub", sub)
					http.Redirect(w, r, target.String(), http.StatusFound)
					return
				}
			}
			p.logger.Warn("end session: post_logout_redirect_uri not registered", "uri", postLogout)
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, "<!doctype html><title>Signed out</title><p>You are now signed out of %s.</p>", html.EscapeString(p.issuer))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

// redirectError reports an authorize error to an already validated
// redirect URI.
func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, desc, http.StatusBadRequest)
		return
	}
	q := target.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	target.RawQuery = q.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func extractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
