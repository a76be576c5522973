package devidp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"imagegallery/registry"
	"imagegallery/storage"
)

const (
	testClientID    = "imagegalleryclient"
	testSecret      = "secret"
	testRedirectURI = "https://gallery.test/signin-oidc"
	testPostLogout  = "https://gallery.test/signout-callback-oidc"
)

type idpEnv struct {
	srv      *httptest.Server
	provider *Provider
	client   *http.Client
}

func newIDPEnv(t *testing.T) *idpEnv {
	t.Helper()
	reg, err := registry.New([]registry.ClientConfig{{
		ClientID:               testClientID,
		RedirectURIs:           []string{testRedirectURI},
		PostLogoutRedirectURIs: []string{testPostLogout},
		AllowedScopes:          []string{"openid", "profile", "offline_access"},
		AllowedGrantTypes:      []string{"authorization_code", "refresh_token"},
		ClientSecretHash:       registry.HashSecret(testSecret),
		RequirePKCE:            true,
	}}, nil)
	require.NoError(t, err)

	keys, err := NewKeyManager("", 0, nil)
	require.NoError(t, err)

	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	p, err := New(Config{Issuer: srv.URL}, reg, storage.NewInMemoryStore(), keys, nil)
	require.NoError(t, err)
	handler = p.Handler()

	return &idpEnv{
		srv:      srv,
		provider: p,
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
	}
}

// authorize returns the redirect the provider answers an authorize request with.
func (e *idpEnv) authorize(t *testing.T, params url.Values) *url.URL {
	t.Helper()
	resp, err := e.client.Get(e.srv.URL + "/connect/authorize?" + params.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return loc
}

func authorizeParams(verifier, scope string) url.Values {
	return url.Values{
		"client_id":             {testClientID},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"scope":                 {scope},
		"state":                 {"the-state"},
		"nonce":                 {"the-nonce"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
		"login_hint":            {"Emma"},
	}
}

func (e *idpEnv) token(t *testing.T, form url.Values, secret string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/connect/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(testClientID, secret)
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func codeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
}

func TestDiscoveryDocument(t *testing.T) {
	env := newIDPEnv(t)
	resp, err := http.Get(env.srv.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	require.Equal(t, env.srv.URL, doc["issuer"])
	require.Equal(t, env.srv.URL+"/connect/authorize", doc["authorization_endpoint"])
	require.Equal(t, env.srv.URL+"/connect/endsession", doc["end_session_endpoint"])
	require.Equal(t, env.srv.URL+"/.well-known/openid-configuration/jwks", doc["jwks_uri"])

	jwksResp, err := http.Get(env.srv.URL + "/.well-known/openid-configuration/jwks")
	require.NoError(t, err)
	defer jwksResp.Body.Close()
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(jwksResp.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "RSA", jwks.Keys[0]["kty"])
	require.NotContains(t, jwks.Keys[0], "d")
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := newIDPEnv(t)
	verifier := oauth2.GenerateVerifier()

	loc := env.authorize(t, authorizeParams(verifier, "openid profile offline_access"))
	require.Equal(t, "gallery.test", loc.Host)
	require.Equal(t, "the-state", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	resp, body := env.token(t, codeForm(code, verifier), testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	require.Equal(t, "Bearer", body["token_type"])
	require.NotEmpty(t, body["refresh_token"])

	idToken, _ := body["id_token"].(string)
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, env.provider.keys.Keyfunc, jwt.WithIssuer(env.srv.URL), jwt.WithAudience(testClientID))
	require.NoError(t, err)
	require.Equal(t, "b7539694-97e7-4dfe-84da-b4256e1ff5c7", claims["sub"])
	require.Equal(t, "the-nonce", claims["nonce"])
	require.Equal(t, "Emma", claims["given_name"])

	// the code is single use
	resp, body = env.token(t, codeForm(code, verifier), testSecret)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])

	// userinfo accepts the access token
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/connect/userinfo", nil)
	req.Header.Set("Authorization", "Bearer "+accessToken(t, env, verifier))
	uiResp, err := env.client.Do(req)
	require.NoError(t, err)
	defer uiResp.Body.Close()
	require.Equal(t, http.StatusOK, uiResp.StatusCode)
}

// accessToken runs a fresh flow and returns its access token.
func accessToken(t *testing.T, env *idpEnv, verifier string) string {
	t.Helper()
	loc := env.authorize(t, authorizeParams(verifier, "openid profile"))
	_, body := env.token(t, codeForm(loc.Query().Get("code"), verifier), testSecret)
	at, _ := body["access_token"].(string)
	require.NotEmpty(t, at)
	return at
}

func TestRefreshTokenRotation(t *testing.T) {
	env := newIDPEnv(t)
	verifier := oauth2.GenerateVerifier()
	loc := env.authorize(t, authorizeParams(verifier, "openid offline_access"))
	_, body := env.token(t, codeForm(loc.Query().Get("code"), verifier), testSecret)
	rt, _ := body["refresh_token"].(string)
	require.NotEmpty(t, rt)

	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {rt}}
	resp, refreshed := env.token(t, form, testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, refreshed["id_token"])
	require.NotEqual(t, rt, refreshed["refresh_token"])

	resp, body = env.token(t, form, testSecret)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])
}

func TestNoRefreshTokenWithoutOfflineAccess(t *testing.T) {
	env := newIDPEnv(t)
	verifier := oauth2.GenerateVerifier()
	loc := env.authorize(t, authorizeParams(verifier, "openid profile"))
	resp, body := env.token(t, codeForm(loc.Query().Get("code"), verifier), testSecret)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotContains(t, body, "refresh_token")
}

func TestAuthorizeRejectsUnregisteredRedirectWithoutRedirecting(t *testing.T) {
	env := newIDPEnv(t)
	params := authorizeParams(oauth2.GenerateVerifier(), "openid")
	params.Set("redirect_uri", "https://evil.test/signin-oidc")

	resp, err := env.client.Get(env.srv.URL + "/connect/authorize?" + params.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))
}

func TestAuthorizeErrorsAreRedirected(t *testing.T) {
	tests := map[string]struct {
		mutate func(url.Values)
		code   string
	}{
		"missing openid":     {func(v url.Values) { v.Set("scope", "profile") }, "invalid_scope"},
		"scope not allowed":  {func(v url.Values) { v.Set("scope", "openid email") }, "invalid_scope"},
		"token flow":         {func(v url.Values) { v.Set("response_type", "token") }, "unsupported_response_type"},
		"pkce required":      {func(v url.Values) { v.Del("code_challenge") }, "invalid_request"},
		"plain pkce refused": {func(v url.Values) { v.Set("code_challenge_method", "plain") }, "invalid_request"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env := newIDPEnv(t)
			params := authorizeParams(oauth2.GenerateVerifier(), "openid profile")
			tc.mutate(params)
			loc := env.authorize(t, params)
			require.Equal(t, tc.code, loc.Query().Get("error"))
			require.Equal(t, "the-state", loc.Query().Get("state"))
			require.Empty(t, loc.Query().Get("code"))
		})
	}
}

func TestTokenRejectsBadVerifierAndSecret(t *testing.T) {
	env := newIDPEnv(t)
	verifier := oauth2.GenerateVerifier()

	loc := env.authorize(t, authorizeParams(verifier, "openid"))
	resp, body := env.token(t, codeForm(loc.Query().Get("code"), oauth2.GenerateVerifier()), testSecret)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_grant", body["error"])

	loc = env.authorize(t, authorizeParams(verifier, "openid"))
	resp, body = env.token(t, codeForm(loc.Query().Get("code"), verifier), "wrong")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "invalid_client", body["error"])
}

func TestEndSession(t *testing.T) {
	env := newIDPEnv(t)
	verifier := oauth2.GenerateVerifier()
	loc := env.authorize(t, authorizeParams(verifier, "openid"))
	_, body := env.token(t, codeForm(loc.Query().Get("code"), verifier), testSecret)
	idToken, _ := body["id_token"].(string)

	q := url.Values{
		"id_token_hint":            {idToken},
		"post_logout_redirect_uri": {testPostLogout},
		"state":                    {"bye"},
	}
	resp, err := env.client.Get(env.srv.URL + "/connect/endsession?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, testPostLogout+"?state=bye", resp.Header.Get("Location"))

	q.Set("post_logout_redirect_uri", "https://evil.test/")
	resp, err = env.client.Get(env.srv.URL + "/connect/endsession?" + q.Encode())
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Location"))
}

func TestKeyManagerPersistsAndRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "jwks.json")
	first, err := NewKeyManager(path, 0, nil)
	require.NoError(t, err)
	token, err := first.Sign(jwt.MapClaims{"sub": "s"})
	require.NoError(t, err)

	second, err := NewKeyManager(path, 0, nil)
	require.NoError(t, err)
	_, err = jwt.Parse(token, second.Keyfunc)
	require.NoError(t, err)

	require.NoError(t, second.Rotate())
	require.Len(t, second.PublicJWKS().Keys, 2)
	_, err = jwt.Parse(token, second.Keyfunc)
	require.NoError(t, err, "tokens signed with the previous key still verify")

	require.NoError(t, second.Rotate())
	_, err = jwt.Parse(token, second.Keyfunc)
	require.Error(t, err)
}
