package bridge

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"imagegallery/client"
	"imagegallery/registry"
	"imagegallery/session"
	"imagegallery/storage"
)

const (
	testIssuer      = "https://idp.test"
	testClientID    = "imagegalleryclient"
	testRedirectURI = "https://gallery.test/signin-oidc"
	testPostLogout  = "https://gallery.test/signout-callback-oidc"
	testSubject     = "d860efca-22d9-47fd-8249-791ba61b07c7"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// fakeProvider issues signed identity tokens for codes it handed out.
type fakeProvider struct {
	key *rsa.PrivateKey

	mu          sync.Mutex
	codes       map[string]string // code -> nonce
	audience    string
	nonce       string
	exchangeErr error
	refreshes   atomic.Int32
	release     chan struct{}
	endSession  string
	authorizeN  int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return &fakeProvider{
		key:        key,
		codes:      map[string]string{},
		audience:   testClientID,
		endSession: testIssuer + "/connect/endsession",
	}
}

func (p *fakeProvider) Issuer() string { return testIssuer }

func (p *fakeProvider) AuthCodeURL(state, nonce, verifier string, scopes []string) string {
	p.mu.Lock()
	p.authorizeN++
	p.mu.Unlock()
	q := url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {registry.FormatScopes(toScopeIDs(scopes))},
		"state":                 {state},
		"nonce":                 {nonce},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	return testIssuer + "/connect/authorize?" + q.Encode()
}

// login simulates the user authenticating at the provider.
func (p *fakeProvider) login(nonce string) string {
	code, _ := storage.RandomToken(16)
	p.mu.Lock()
	p.codes[code] = nonce
	p.mu.Unlock()
	return code
}

func (p *fakeProvider) Exchange(ctx context.Context, code, verifier string) (*session.TokenSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	nonce, ok := p.codes[code]
	if !ok {
		return nil, &ExchangeError{Endpoint: testIssuer + "/connect/token", StatusCode: 400, Code: "invalid_grant", Err: errors.New("invalid_grant")}
	}
	delete(p.codes, code)
	if p.nonce != "" {
		nonce = p.nonce
	}
	return &session.TokenSet{
		IDToken:      p.idToken(nonce),
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, refreshToken string) (*session.TokenSet, error) {
	p.refreshes.Add(1)
	if p.release != nil {
		<-p.release
	}
	return &session.TokenSet{
		IDToken:     p.idToken(""),
		AccessToken: "access-2",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
	}, nil
}

func (p *fakeProvider) EndSessionURL(idTokenHint, postLogout, state string) string {
	if p.endSession == "" {
		return ""
	}
	q := url.Values{"id_token_hint": {idTokenHint}, "post_logout_redirect_uri": {postLogout}, "state": {state}}
	return p.endSession + "?" + q.Encode()
}

func (p *fakeProvider) idToken(nonce string) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":         testIssuer,
		"sub":         testSubject,
		"aud":         p.audience,
		"iat":         now.Unix(),
		"nbf":         now.Unix(),
		"exp":         now.Add(5 * time.Minute).Unix(),
		"given_name":  "David",
		"family_name": "Flagg",
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test"
	signed, err := tok.SignedString(p.key)
	if err != nil {
		panic(err)
	}
	return signed
}

func toScopeIDs(scopes []string) []registry.ScopeID {
	out := make([]registry.ScopeID, len(scopes))
	for i, s := range scopes {
		out[i] = registry.ScopeID(s)
	}
	return out
}

type testEnv struct {
	auth     *Authenticator
	provider *fakeProvider
	sessions *session.Store
	states   *storage.InMemoryStore
	now      time.Time
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	reg, err := registry.New([]registry.ClientConfig{{
		ClientID:               testClientID,
		ClientName:             "Image Gallery",
		RedirectURIs:           []string{testRedirectURI},
		PostLogoutRedirectURIs: []string{testPostLogout},
		AllowedScopes:          []string{"openid", "profile"},
		AllowedGrantTypes:      []string{"authorization_code", "refresh_token"},
		ClientSecretHash:       registry.HashSecret("secret"),
	}}, nil)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := newFakeProvider(t)
	validator, err := client.NewValidator(client.ValidatorConfig{
		KeySet: &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&provider.key.PublicKey}},
	})
	require.NoError(t, err)
	env := &testEnv{provider: provider, states: storage.NewInMemoryStore(), now: time.Now()}
	env.sessions, err = session.NewStore(storage.NewInMemoryStore(), session.Options{
		Secret: testSecret,
		Now:    func() time.Time { return env.now },
	}, logger)
	require.NoError(t, err)
	cfg := Config{
		ClientID:              testClientID,
		RedirectURI:           testRedirectURI,
		PostLogoutRedirectURI: testPostLogout,
		Scopes:                []registry.ScopeID{registry.ScopeOpenID, registry.ScopeProfile},
		SaveTokens:            true,
		Secret:                testSecret,
		Now:                   func() time.Time { return env.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.auth, err = New(cfg, Deps{
		Registry:  reg,
		Provider:  provider,
		Validator: validator,
		Sessions:  env.sessions,
		States:    env.states,
		Logger:    logger,
	})
	require.NoError(t, err)
	return env
}

// challenge starts a sign-in and returns the authorize query and the
// cookies the browser holds afterwards.
func (e *testEnv) challenge(t *testing.T, returnURL string) (url.Values, []*http.Cookie) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/login", nil)
	require.NoError(t, e.auth.Challenge(w, r, returnURL))
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc.Query(), w.Result().Cookies()
}

func (e *testEnv) callback(t *testing.T, query url.Values, cookies []*http.Cookie) (*httptest.ResponseRecorder, CallbackResult, error) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/signin-oidc?"+query.Encode(), nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	res, err := e.auth.Callback(w, r)
	return w, res, err
}

// unexpiredCookies drops the cookies a browser would have discarded by now.
func unexpiredCookies(cookies []*http.Cookie, issued, now time.Time) []*http.Cookie {
	var kept []*http.Cookie
	for _, c := range cookies {
		if c.MaxAge < 0 {
			continue
		}
		if c.MaxAge > 0 && !now.Before(issued.Add(time.Duration(c.MaxAge)*time.Second)) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

func (e *testEnv) signIn(t *testing.T) []*http.Cookie {
	t.Helper()
	authz, cookies := e.challenge(t, "/")
	code := e.provider.login(authz.Get("nonce"))
	w, _, err := e.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.NoError(t, err)
	return sessionCookies(w)
}

func sessionCookies(w *httptest.ResponseRecorder) []*http.Cookie {
	var out []*http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == session.DefaultCookieName && c.MaxAge > 0 {
			out = append(out, c)
		}
	}
	return out
}

func TestSignInFlow(t *testing.T) {
	env := newTestEnv(t, nil)

	authz, cookies := env.challenge(t, "/images?page=2")
	require.Equal(t, testClientID, authz.Get("client_id"))
	require.Equal(t, testRedirectURI, authz.Get("redirect_uri"))
	require.Equal(t, "code", authz.Get("response_type"))
	require.Equal(t, "openid profile", authz.Get("scope"))
	require.Equal(t, "S256", authz.Get("code_challenge_method"))
	require.NotEmpty(t, authz.Get("state"))
	require.NotEmpty(t, authz.Get("nonce"))
	require.NotEqual(t, authz.Get("state"), authz.Get("nonce"))
	require.Len(t, cookies, 1)
	require.Equal(t, DefaultCorrelationCookieName, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)
	require.Equal(t, 1, env.states.Len())

	code := env.provider.login(authz.Get("nonce"))
	w, res, err := env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.NoError(t, err)
	require.Equal(t, "/images?page=2", res.ReturnURL)
	require.Equal(t, testSubject, res.Session.Subject())
	require.Equal(t, "David", res.Session.Claims.String("given_name"))
	require.NotNil(t, res.Session.Tokens)
	require.Equal(t, "refresh-1", res.Session.Tokens.RefreshToken)
	require.Len(t, sessionCookies(w), 1)
	require.Equal(t, 0, env.states.Len(), "authorization request must be consumed")

	// the session cookie now authenticates requests
	var seen *session.Session
	h := env.auth.RequireAuthentication(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = session.FromRequest(r)
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range sessionCookies(w) {
		r.AddCookie(c)
	}
	h.ServeHTTP(httptest.NewRecorder(), r)
	require.NotNil(t, seen)
	require.Equal(t, res.Session.ID, seen.ID)
}

func TestHandleCallbackRedirectsToReturnURL(t *testing.T) {
	env := newTestEnv(t, nil)
	authz, cookies := env.challenge(t, "https://evil.test/steal")
	code := env.provider.login(authz.Get("nonce"))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/signin-oidc?"+url.Values{"code": {code}, "state": {authz.Get("state")}}.Encode(), nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	env.auth.HandleCallback(w, r)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/", w.Header().Get("Location"), "absolute return URLs must not be honoured")
}

func TestSaveTokensDisabledKeepsTokensOutOfSession(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.SaveTokens = false })
	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))
	_, res, err := env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.NoError(t, err)
	require.Nil(t, res.Session.Tokens)
}

func TestChallengeValidatesRegistrationFirst(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RedirectURI = "https://evil.test/signin-oidc" })
	w := httptest.NewRecorder()
	err := env.auth.Challenge(w, httptest.NewRequest(http.MethodGet, "/", nil), "/")
	require.ErrorIs(t, err, registry.ErrInvalidRedirectURI)
	require.Equal(t, "InvalidRedirectUri", Kind(err))
	require.Empty(t, w.Header().Get("Location"))
	require.Equal(t, 0, env.provider.authorizeN)
	require.Equal(t, 0, env.states.Len())

	env = newTestEnv(t, func(c *Config) {
		c.Scopes = []registry.ScopeID{registry.ScopeOpenID, registry.ScopeEmail}
	})
	err = env.auth.Challenge(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), "/")
	require.ErrorIs(t, err, registry.ErrInvalidScope)
	require.Equal(t, 0, env.provider.authorizeN)
}

func TestCallbackStateMismatchCreatesNoSession(t *testing.T) {
	env := newTestEnv(t, nil)
	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))

	w, res, err := env.callback(t, url.Values{"code": {code}, "state": {"forged"}}, cookies)
	require.ErrorIs(t, err, ErrStateMismatch)
	require.Nil(t, res.Session)
	require.NotEmpty(t, res.CorrelationID)
	require.Empty(t, sessionCookies(w))
	require.Equal(t, 0, env.states.Len(), "pending request is consumed on mismatch")

	// no correlation cookie at all
	authz, _ = env.challenge(t, "/")
	code = env.provider.login(authz.Get("nonce"))
	_, _, err = env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, nil)
	require.ErrorIs(t, err, ErrStateMismatch)

	// cookie from a different sign-in attempt
	_, firstCookies := env.challenge(t, "/")
	second, _ := env.challenge(t, "/")
	code = env.provider.login(second.Get("nonce"))
	_, _, err = env.callback(t, url.Values{"code": {code}, "state": {second.Get("state")}}, firstCookies)
	require.ErrorIs(t, err, ErrStateMismatch)
}

func TestCallbackReplayIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	authz, cookies := env.challenge(t, "/")
	query := url.Values{"code": {env.provider.login(authz.Get("nonce"))}, "state": {authz.Get("state")}}

	_, _, err := env.callback(t, query, cookies)
	require.NoError(t, err)

	w, _, err := env.callback(t, query, cookies)
	require.ErrorIs(t, err, ErrStateExpired)
	require.Empty(t, sessionCookies(w))
}

func TestCallbackAfterStateTTL(t *testing.T) {
	env := newTestEnv(t, nil)
	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))

	issued := env.now
	env.now = env.now.Add(DefaultStateTTL + time.Second)
	cookies = unexpiredCookies(cookies, issued, env.now)
	require.NotEmpty(t, cookies, "correlation cookie must outlive the stored request")
	w, _, err := env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.ErrorIs(t, err, ErrStateExpired)
	require.Equal(t, "StateExpired", Kind(err))
	require.Empty(t, sessionCookies(w))
}

func TestCallbackProviderErrorAndMissingCode(t *testing.T) {
	env := newTestEnv(t, nil)

	authz, cookies := env.challenge(t, "/")
	_, _, err := env.callback(t, url.Values{"error": {"access_denied"}, "state": {authz.Get("state")}}, cookies)
	require.ErrorIs(t, err, ErrProviderError)
	var perr *ProviderError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "access_denied", perr.Code)

	authz, cookies = env.challenge(t, "/")
	_, _, err = env.callback(t, url.Values{"state": {authz.Get("state")}}, cookies)
	require.ErrorIs(t, err, ErrMissingCode)
}

func TestCallbackExchangeFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.exchangeErr = &ExchangeError{
		Endpoint: testIssuer + "/connect/token",
		Err:      context.DeadlineExceeded,
	}
	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/signin-oidc?"+url.Values{"code": {code}, "state": {authz.Get("state")}}.Encode(), nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	env.auth.HandleCallback(w, r)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Contains(t, w.Body.String(), "Authentication failed, please try again.")
	require.NotContains(t, w.Body.String(), "connect/token")
	require.Empty(t, sessionCookies(w))
}

func TestCallbackAudienceMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.audience = "otherclient"

	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))
	w, res, err := env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.ErrorIs(t, err, client.ErrAudienceMismatch)
	require.Equal(t, "AudienceMismatch", Kind(err))
	require.Nil(t, res.Session)
	require.Empty(t, sessionCookies(w))
}

func TestCallbackNonceMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.nonce = "nonce-from-another-attempt"

	authz, cookies := env.challenge(t, "/")
	code := env.provider.login(authz.Get("nonce"))
	_, _, err := env.callback(t, url.Values{"code": {code}, "state": {authz.Get("state")}}, cookies)
	require.ErrorIs(t, err, client.ErrNonceMismatch)
}

func TestRequireAuthenticationChallenges(t *testing.T) {
	env := newTestEnv(t, nil)
	called := false
	h := env.auth.RequireAuthentication(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/images/3", nil))
	require.False(t, called)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/connect/authorize", loc.Path)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/images", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.False(t, called)
}

func TestRequireAuthenticationRenewsSlidingSession(t *testing.T) {
	env := newTestEnv(t, nil)
	cookies := env.signIn(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	h := env.auth.RequireAuthentication(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Empty(t, sessionCookies(w), "fresh session needs no renewal")

	sess, err := env.sessions.Load(r)
	require.NoError(t, err)

	env.now = env.now.Add(session.DefaultTTL/2 + time.Minute)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	renewed := sessionCookies(w)
	require.Len(t, renewed, 1, "session past half its lifetime is renewed")

	touched, err := env.sessions.Resolve(context.Background(), sess.ID)
	require.NoError(t, err)
	require.True(t, touched.ExpiresAt.After(sess.ExpiresAt))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t, nil)
	cookies := env.signIn(t)

	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	sess, err := env.sessions.Load(r)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	env.auth.HandleLogout(w, r)
	require.Equal(t, http.StatusFound, w.Code)
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/connect/endsession", loc.Path)
	require.Equal(t, sess.Tokens.IDToken, loc.Query().Get("id_token_hint"))
	require.Equal(t, testPostLogout, loc.Query().Get("post_logout_redirect_uri"))
	require.NotEmpty(t, loc.Query().Get("state"))

	var cleared bool
	for _, c := range w.Result().Cookies() {
		if c.Name == session.DefaultCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	require.True(t, cleared)

	_, err = env.sessions.Resolve(context.Background(), sess.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = env.sessions.Load(r)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestLogoutWithoutEndSessionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.endSession = ""
	cookies := env.signIn(t)

	r := httptest.NewRequest(http.MethodGet, "/logout", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	sess, err := env.sessions.Load(r)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	env.auth.HandleLogout(w, r)
	require.Equal(t, "/", w.Header().Get("Location"))
	_, err = env.sessions.Resolve(context.Background(), sess.ID)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRefreshTokensSharesConcurrentGrant(t *testing.T) {
	env := newTestEnv(t, nil)
	cookies := env.signIn(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	sess, err := env.sessions.Load(r)
	require.NoError(t, err)

	env.provider.release = make(chan struct{})
	var wg, started sync.WaitGroup
	results := make([]*session.Session, 5)
	for i := range results {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			results[i], _ = env.auth.RefreshTokens(context.Background(), sess)
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(env.provider.release)
	wg.Wait()

	require.Equal(t, int32(1), env.provider.refreshes.Load())
	for _, res := range results {
		require.NotNil(t, res)
		require.Equal(t, "access-2", res.Tokens.AccessToken)
		require.Equal(t, "refresh-1", res.Tokens.RefreshToken, "refresh token is kept when not rotated")
		require.Equal(t, 1, res.Epoch)
	}
}

func TestRefreshTokensWithoutRefreshToken(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.SaveTokens = false })
	cookies := env.signIn(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	sess, err := env.sessions.Load(r)
	require.NoError(t, err)

	_, err = env.auth.RefreshTokens(context.Background(), sess)
	require.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestNewRequiresRegisteredClient(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := New(Config{ClientID: "unknown", RedirectURI: testRedirectURI, Secret: testSecret}, Deps{
		Registry:  env.auth.registry,
		Provider:  env.provider,
		Validator: env.auth.validator,
		Sessions:  env.sessions,
		States:    env.states,
	})
	require.ErrorIs(t, err, registry.ErrClientNotFound)
}

func TestKind(t *testing.T) {
	require.Equal(t, "", Kind(nil))
	require.Equal(t, "Internal", Kind(errors.New("boom")))
	require.Equal(t, "SessionExpired", Kind(session.ErrSessionExpired))
	require.Equal(t, "ProviderError", Kind(&ProviderError{Code: "access_denied"}))
	require.Equal(t, "SignatureInvalid", Kind(errors.Join(client.ErrSignatureInvalid)))
}

func TestLocalReturnURL(t *testing.T) {
	tests := map[string]string{
		"":                    "/",
		"/":                   "/",
		"/images?page=2":      "/images?page=2",
		"https://evil.test/":  "/",
		"//evil.test/":        "/",
		"/\\evil.test":        "/",
		"images":              "/",
		"javascript:alert(1)": "/",
		"/privacy#section":    "/privacy#section",
	}
	for in, want := range tests {
		require.Equal(t, want, LocalReturnURL(in), "input %q", in)
	}
}
