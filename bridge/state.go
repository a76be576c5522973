package bridge

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"imagegallery/storage"
)

// State is a step of the sign-in flow.
type State int

const (
	StateUnauthenticated State = iota
	StateRedirecting
	StateAwaitingCallback
	StateExchangingToken
	StateValidating
	StateAuthenticated
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRedirecting:
		return "redirecting"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingToken:
		return "exchanging_token"
	case StateValidating:
		return "validating"
	case StateAuthenticated:
		return "authenticated"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultStateTTL bounds how long a sign-in attempt may take.
const DefaultStateTTL = 10 * time.Minute

const stateKeyPrefix = "oidc_state:"

// authorizationRequest is what Challenge persists for the callback.
type authorizationRequest struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	Scopes        []string  `json:"scopes"`
	ReturnURL     string    `json:"return_url"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (a *Authenticator) saveRequest(ctx context.Context, req *authorizationRequest) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return a.states.Put(ctx, stateKeyPrefix+req.State, raw, req.ExpiresAt.Sub(req.CreatedAt))
}

// takeRequest loads and deletes the stored request in one step. A request
// past its expiry is returned together with ErrStateExpired.
func (a *Authenticator) takeRequest(ctx context.Context, state string) (*authorizationRequest, error) {
	if state == "" {
		return nil, ErrStateExpired
	}
	raw, err := a.states.Take(ctx, stateKeyPrefix+state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrStateExpired
		}
		return nil, fmt.Errorf("load authorization request: %w", err)
	}
	var req authorizationRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode authorization request: %w", err)
	}
	if !a.now().Before(req.ExpiresAt) {
		return &req, ErrStateExpired
	}
	return &req, nil
}

// correlation is sealed into the short-lived cookie that binds a pending
// authorization request to the browser that started it. Expiry is decided
// by the stored request.
type correlation struct {
	State string `json:"state"`
}

func (a *Authenticator) setCorrelationCookie(w http.ResponseWriter, req *authorizationRequest) error {
	value, err := a.codec.Seal(a.cfg.CorrelationCookieName, correlation{State: req.State})
	if err != nil {
		return err
	}
	// outlives the stored request so a late callback reports StateExpired
	http.SetCookie(w, a.correlationCookie(value, int(2*a.cfg.StateTTL.Seconds())))
	return nil
}

// readCorrelationCookie returns the state bound to this browser and always
// clears the cookie.
func (a *Authenticator) readCorrelationCookie(w http.ResponseWriter, r *http.Request) (string, bool) {
	c, err := r.Cookie(a.cfg.CorrelationCookieName)
	if err != nil {
		return "", false
	}
	http.SetCookie(w, a.correlationCookie("", -1))

	var v correlation
	if err := a.codec.Open(a.cfg.CorrelationCookieName, c.Value, &v); err != nil {
		a.logger.Debug("correlation cookie rejected", "error", err)
		return "", false
	}
	return v.State, v.State != ""
}

func (a *Authenticator) correlationCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     a.cfg.CorrelationCookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cfg.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func statesEqual(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
