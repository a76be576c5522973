package bridge

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"imagegallery/client"
	"imagegallery/registry"
	"imagegallery/session"
	"imagegallery/storage"
)

// DefaultCorrelationCookieName names the cookie binding a pending sign-in
// to the browser.
const DefaultCorrelationCookieName = "gallery_oidc_state"

// TokenValidator validates identity tokens.
type TokenValidator interface {
	Validate(ctx context.Context, rawIDToken string, want client.Expectations) (*client.Claims, error)
}

// Metrics receives flow outcomes. A nil error means success.
type Metrics interface {
	ObserveStage(stage State, err error)
	ObserveExchange(d time.Duration, err error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(State, error) {}

func (noopMetrics) ObserveExchange(time.Duration, error) {}

// Config describes this client's side of the flow.
type Config struct {
	ClientID string
	// RedirectURI is the absolute URL of the callback endpoint.
	RedirectURI string
	// PostLogoutRedirectURI is sent to the end_session_endpoint when it is
	// registered for the client.
	PostLogoutRedirectURI string
	Scopes                []registry.ScopeID
	// SaveTokens keeps the token set in the session record.
	SaveTokens bool

	StateTTL              time.Duration
	CorrelationCookieName string
	Secure                bool
	Secret                []byte
	PreviousSecrets       [][]byte

	Now func() time.Time
}

// Deps are the collaborators of the authenticator.
type Deps struct {
	Registry  *registry.Registry
	Provider  Provider
	Validator TokenValidator
	Sessions  *session.Store
	States    storage.Store
	Metrics   Metrics
	Logger    *slog.Logger
}

// Authenticator implements challenge, callback, logout and session
// enforcement.
type Authenticator struct {
	cfg       Config
	registry  *registry.Registry
	provider  Provider
	validator TokenValidator
	sessions  *session.Store
	states    storage.Store
	codec     *session.Codec
	metrics   Metrics
	logger    *slog.Logger
}

// New creates an authenticator. The client must be registered.
func New(cfg Config, deps Deps) (*Authenticator, error) {
	if deps.Registry == nil || deps.Provider == nil || deps.Validator == nil || deps.Sessions == nil || deps.States == nil {
		return nil, errors.New("bridge: registry, provider, validator, sessions and states are required")
	}
	if _, err := deps.Registry.Lookup(cfg.ClientID); err != nil {
		return nil, err
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("bridge: redirect uri required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []registry.ScopeID{registry.ScopeOpenID, registry.ScopeProfile}
	}
	if !registry.Contains(cfg.Scopes, registry.ScopeOpenID) {
		return nil, errors.New("bridge: scopes must include openid")
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.CorrelationCookieName == "" {
		cfg.CorrelationCookieName = DefaultCorrelationCookieName
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	codec, err := session.NewCodec("oidc correlation", cfg.Secret, cfg.PreviousSecrets...)
	if err != nil {
		return nil, err
	}

	a := &Authenticator{
		cfg:       cfg,
		registry:  deps.Registry,
		provider:  deps.Provider,
		validator: deps.Validator,
		sessions:  deps.Sessions,
		states:    deps.States,
		codec:     codec,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	if a.metrics == nil {
		a.metrics = noopMetrics{}
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a, nil
}

func (a *Authenticator) now() time.Time { return a.cfg.Now() }

func (a *Authenticator) transition(correlationID string, from, to State, attrs ...any) {
	args := append([]any{"correlation_id", correlationID, "from", from.String()}, attrs...)
	a.logger.Info("oidc."+to.String(), args...)
}

// Challenge starts a sign-in: the client's redirect URI and scopes are
// checked against the registry, the request is persisted and the browser is
// redirected to the authorize endpoint.
func (a *Authenticator) Challenge(w http.ResponseWriter, r *http.Request, returnURL string) error {
	correlationID := uuid.NewString()

	accepted, err := a.registry.CheckAuthorizationRequest(a.cfg.ClientID, a.cfg.RedirectURI, a.cfg.Scopes)
	if err != nil {
		a.fail(correlationID, StateRedirecting, err)
		return err
	}

	state, err := storage.RandomToken(32)
	if err != nil {
		return err
	}
	nonce, err := storage.RandomToken(32)
	if err != nil {
		return err
	}
	now := a.now()
	req := &authorizationRequest{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  oauth2.GenerateVerifier(),
		Scopes:        scopeStrings(accepted),
		ReturnURL:     LocalReturnURL(returnURL),
		CorrelationID: correlationID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(a.cfg.StateTTL),
	}
	if err := a.saveRequest(r.Context(), req); err != nil {
		a.fail(correlationID, StateRedirecting, err)
		return fmt.Errorf("persist authorization request: %w", err)
	}
	if err := a.setCorrelationCookie(w, req); err != nil {
		a.fail(correlationID, StateRedirecting, err)
		return fmt.Errorf("seal correlation cookie: %w", err)
	}

	a.transition(correlationID, StateUnauthenticated, StateRedirecting, "return_url", req.ReturnURL)
	a.metrics.ObserveStage(StateRedirecting, nil)

	authURL := a.provider.AuthCodeURL(req.State, req.Nonce, req.CodeVerifier, req.Scopes)
	http.Redirect(w, r, authURL, http.StatusFound)
	a.transition(correlationID, StateRedirecting, StateAwaitingCallback)
	return nil
}

// HandleLogin challenges with the returnUrl query parameter.
func (a *Authenticator) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if sess, err := a.sessions.Load(r); err == nil && sess != nil {
		http.Redirect(w, r, LocalReturnURL(r.URL.Query().Get("returnUrl")), http.StatusFound)
		return
	}
	if err := a.Challenge(w, r, r.URL.Query().Get("returnUrl")); err != nil {
		a.renderFailure(w, http.StatusInternalServerError, "")
	}
}

// CallbackResult is the outcome of a callback. CorrelationID is always set.
type CallbackResult struct {
	Session       *session.Session
	ReturnURL     string
	CorrelationID string
}

// Callback completes the flow for the request on the redirect URI. On
// success the session cookie has been issued.
func (a *Authenticator) Callback(w http.ResponseWriter, r *http.Request) (CallbackResult, error) {
	ctx := r.Context()
	q := r.URL.Query()
	stateParam := q.Get("state")
	correlationID := uuid.NewString()

	bound, hasCookie := a.readCorrelationCookie(w, r)

	// the stored request is consumed whatever the outcome
	lookup := stateParam
	if lookup == "" {
		lookup = bound
	}
	req, takeErr := a.takeRequest(ctx, lookup)
	if hasCookie && bound != lookup {
		_, _ = a.takeRequest(ctx, bound)
	}
	if req != nil && req.CorrelationID != "" {
		correlationID = req.CorrelationID
	}

	if !hasCookie || !statesEqual(bound, stateParam) {
		err := ErrStateMismatch
		if !hasCookie {
			err = fmt.Errorf("%w: correlation cookie missing or invalid", ErrStateMismatch)
		}
		a.fail(correlationID, StateAwaitingCallback, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}
	if takeErr != nil {
		a.fail(correlationID, StateAwaitingCallback, takeErr)
		return CallbackResult{CorrelationID: correlationID}, takeErr
	}

	if code := q.Get("error"); code != "" {
		err := &ProviderError{Code: code, Description: q.Get("error_description")}
		a.fail(correlationID, StateAwaitingCallback, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}
	code := q.Get("code")
	if code == "" {
		a.fail(correlationID, StateAwaitingCallback, ErrMissingCode)
		return CallbackResult{CorrelationID: correlationID}, ErrMissingCode
	}
	a.metrics.ObserveStage(StateAwaitingCallback, nil)

	a.transition(correlationID, StateAwaitingCallback, StateExchangingToken)
	start := time.Now()
	tokens, err := a.provider.Exchange(ctx, code, req.CodeVerifier)
	a.metrics.ObserveExchange(time.Since(start), err)
	if err != nil {
		attrs := []any{"error", err}
		var ee *ExchangeError
		if errors.As(err, &ee) {
			attrs = append(attrs, "endpoint", ee.Endpoint, "status", ee.StatusCode)
		}
		a.logger.Error("token exchange failed", append([]any{"correlation_id", correlationID}, attrs...)...)
		err = fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
		a.fail(correlationID, StateExchangingToken, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}
	if tokens.IDToken == "" {
		err := fmt.Errorf("%w: id_token missing in response", ErrTokenExchangeFailed)
		a.fail(correlationID, StateExchangingToken, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}

	a.transition(correlationID, StateExchangingToken, StateValidating)
	claims, err := a.validator.Validate(ctx, tokens.IDToken, client.Expectations{
		Issuer:   a.provider.Issuer(),
		Audience: a.cfg.ClientID,
		Nonce:    req.Nonce,
	})
	if err != nil {
		a.fail(correlationID, StateValidating, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}

	stored := tokens
	if !a.cfg.SaveTokens {
		stored = nil
	}
	sess, err := a.sessions.Create(ctx, claims, stored)
	if err != nil {
		a.fail(correlationID, StateValidating, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}
	if err := a.sessions.Issue(w, sess); err != nil {
		_ = a.sessions.Destroy(ctx, sess.ID)
		a.fail(correlationID, StateValidating, err)
		return CallbackResult{CorrelationID: correlationID}, err
	}

	a.transition(correlationID, StateValidating, StateAuthenticated, "session_id", sess.ID, "sub", sess.Subject())
	a.metrics.ObserveStage(StateAuthenticated, nil)
	return CallbackResult{Session: sess, ReturnURL: req.ReturnURL, CorrelationID: correlationID}, nil
}

// HandleCallback serves the redirect URI.
func (a *Authenticator) HandleCallback(w http.ResponseWriter, r *http.Request) {
	res, err := a.Callback(w, r)
	if err != nil {
		a.renderFailure(w, failureStatus(err), res.CorrelationID)
		return
	}
	http.Redirect(w, r, res.ReturnURL, http.StatusFound)
}

// Logout destroys the local session and clears its cookie, then returns the
// provider's end-session URL when one is available, or "/".
func (a *Authenticator) Logout(w http.ResponseWriter, r *http.Request) string {
	ctx := r.Context()
	var idToken string
	sess, err := a.sessions.Load(r)
	if err == nil {
		if sess.Tokens != nil {
			idToken = sess.Tokens.IDToken
		}
		if err := a.sessions.Destroy(ctx, sess.ID); err != nil {
			a.logger.Error("logout: destroy session", "session_id", sess.ID, "error", err)
		}
		a.logger.Info("oidc.signed_out", "session_id", sess.ID, "sub", sess.Subject())
	}
	a.sessions.Clear(w)
	a.metrics.ObserveStage(StateUnauthenticated, nil)

	postLogout := ""
	if a.cfg.PostLogoutRedirectURI != "" && a.registry.ValidatePostLogoutRedirectURI(a.cfg.ClientID, a.cfg.PostLogoutRedirectURI) {
		postLogout = a.cfg.PostLogoutRedirectURI
	}
	state, err := storage.RandomToken(16)
	if err != nil {
		a.logger.Warn("logout: state generation failed", "error", err)
		return "/"
	}
	if target := a.provider.EndSessionURL(idToken, postLogout, state); target != "" {
		return target
	}
	return "/"
}

// HandleLogout serves the logout endpoint.
func (a *Authenticator) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, a.Logout(w, r), http.StatusFound)
}

// HandleSignedOut serves the post-logout landing endpoint.
func (a *Authenticator) HandleSignedOut(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusFound)
}

// RequireAuthentication resolves the session for every request and
// challenges browsers without one.
func (a *Authenticator) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.sessions.Load(r)
		if err != nil {
			a.metrics.ObserveStage(StateUnauthenticated, err)
			switch {
			case errors.Is(err, session.ErrSessionExpired):
				a.logger.Info("oidc.session_expired", "path", r.URL.Path)
			case errors.Is(err, session.ErrSessionNotFound):
				a.logger.Debug("oidc.unauthenticated", "path", r.URL.Path)
			default:
				a.logger.Error("session lookup failed", "error", err)
				a.renderFailure(w, http.StatusInternalServerError, "")
				return
			}
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.Header().Set("WWW-Authenticate", "Cookie")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if err := a.Challenge(w, r, r.URL.RequestURI()); err != nil {
				a.renderFailure(w, http.StatusInternalServerError, "")
			}
			return
		}

		if a.sessions.NeedsRenewal(sess) {
			if renewed, err := a.sessions.Touch(r.Context(), sess.ID); err == nil {
				sess = renewed
				if err := a.sessions.Issue(w, sess); err != nil {
					a.logger.Warn("session renewal cookie", "session_id", sess.ID, "error", err)
				}
			} else {
				a.logger.Warn("session renewal failed", "session_id", sess.ID, "error", err)
			}
		}
		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

// RefreshTokens runs the refresh_token grant for sess. Concurrent calls for
// the same session share a single grant.
func (a *Authenticator) RefreshTokens(ctx context.Context, sess *session.Session) (*session.Session, error) {
	return a.sessions.Refresh(ctx, sess.ID, func(ctx context.Context, current *session.Session) (*session.TokenSet, *client.Claims, error) {
		if current.Tokens == nil || current.Tokens.RefreshToken == "" {
			return nil, nil, ErrNoRefreshToken
		}
		tokens, err := a.provider.Refresh(ctx, current.Tokens.RefreshToken)
		if err != nil {
			a.logger.Error("token refresh failed", "session_id", current.ID, "error", err)
			return nil, nil, fmt.Errorf("%w: %v", ErrTokenExchangeFailed, err)
		}
		if tokens.RefreshToken == "" {
			tokens.RefreshToken = current.Tokens.RefreshToken
		}
		var claims *client.Claims
		if tokens.IDToken != "" {
			// refresh responses carry no nonce
			claims, err = a.validator.Validate(ctx, tokens.IDToken, client.Expectations{
				Issuer:   a.provider.Issuer(),
				Audience: a.cfg.ClientID,
			})
			if err != nil {
				return nil, nil, err
			}
			if claims.Subject() != current.Subject() {
				return nil, nil, ErrSubjectChanged
			}
		} else {
			tokens.IDToken = current.Tokens.IDToken
		}
		a.logger.Info("oidc.tokens_refreshed", "session_id", current.ID)
		return tokens, claims, nil
	})
}

func (a *Authenticator) fail(correlationID string, from State, err error) {
	a.logger.Warn("oidc."+StateError.String(),
		"correlation_id", correlationID,
		"from", from.String(),
		"kind", Kind(err),
		"error", err,
	)
	a.metrics.ObserveStage(from, err)
}

func (a *Authenticator) renderFailure(w http.ResponseWriter, status int, correlationID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	body := "<!doctype html><title>Sign-in failed</title><p>Authentication failed, please try again.</p>"
	if correlationID != "" {
		body += "<p>Reference: <code>" + html.EscapeString(correlationID) + "</code></p>"
	}
	body += `<p><a href="/">Back to the gallery</a></p>`
	_, _ = w.Write([]byte(body))
}

func failureStatus(err error) int {
	switch {
	case errors.Is(err, ErrTokenExchangeFailed):
		return http.StatusBadGateway
	case errors.Is(err, registry.ErrInvalidRedirectURI), errors.Is(err, registry.ErrInvalidScope):
		return http.StatusInternalServerError
	case Kind(err) == "Internal":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// LocalReturnURL keeps only same-origin paths; anything else becomes "/".
func LocalReturnURL(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}

func scopeStrings(scopes []registry.ScopeID) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}
