package session

import (
	"fmt"
	"net/http"
	"time"

	"imagegallery/client"
)

// DefaultCookieName names the session cookie.
const DefaultCookieName = "gallery_session"

// cookieValue is what the session cookie seals. Tokens stay server-side.
type cookieValue struct {
	SessionID string         `json:"sid"`
	ExpiresAt int64          `json:"exp"`
	Claims    *client.Claims `json:"claims,omitempty"`
}

// Issue sets the sealed session cookie for sess.
func (s *Store) Issue(w http.ResponseWriter, sess *Session) error {
	value, err := s.codec.Seal(s.cookieName, cookieValue{
		SessionID: sess.ID,
		ExpiresAt: sess.ExpiresAt.Unix(),
		Claims:    sess.Claims,
	})
	if err != nil {
		return fmt.Errorf("session: seal cookie: %w", err)
	}
	maxAge := int(sess.ExpiresAt.Sub(s.now()).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, s.cookie(value, maxAge))
	return nil
}

// Load resolves the session referenced by the request's cookie. A missing,
// tampered or foreign cookie yields ErrSessionNotFound.
func (s *Store) Load(r *http.Request) (*Session, error) {
	c, err := r.Cookie(s.cookieName)
	if err != nil {
		return nil, ErrSessionNotFound
	}
	var v cookieValue
	if err := s.codec.Open(s.cookieName, c.Value, &v); err != nil {
		s.logger.Debug("session cookie rejected", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	if v.SessionID == "" {
		return nil, ErrSessionNotFound
	}
	if !s.now().Before(time.Unix(v.ExpiresAt, 0)) {
		return nil, ErrSessionExpired
	}
	return s.Resolve(r.Context(), v.SessionID)
}

// Clear removes the session cookie.
func (s *Store) Clear(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie("", -1))
}

// CookieName returns the session cookie name.
func (s *Store) CookieName() string { return s.cookieName }

func (s *Store) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     s.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
