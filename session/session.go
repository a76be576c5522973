package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"imagegallery/client"
	"imagegallery/storage"
)

// DefaultTTL is the session lifetime when none is configured.
const DefaultTTL = 8 * time.Hour

// expiredRetention keeps a lapsed record around briefly so Resolve can
// report ErrSessionExpired rather than ErrSessionNotFound.
const expiredRetention = 5 * time.Minute

// refreshTimeout bounds a shared refresh independently of the callers.
const refreshTimeout = 30 * time.Second

const (
	keyPrefix       = "session:"
	tombstonePrefix = "session_destroyed:"
)

var (
	// ErrSessionNotFound is returned when no live record exists for an id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired is returned when the record exists but its lifetime elapsed.
	ErrSessionExpired = errors.New("session expired")
)

// TokenSet holds the tokens returned by the provider's token endpoint.
type TokenSet struct {
	IDToken      string    `json:"id_token"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Session is an authenticated user agent.
type Session struct {
	ID        string         `json:"id"`
	Claims    *client.Claims `json:"claims"`
	Tokens    *TokenSet      `json:"tokens,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	// Epoch increments on every token update.
	Epoch int `json:"epoch"`
}

// Subject is a shortcut for the sub claim.
func (s *Session) Subject() string {
	if s.Claims == nil {
		return ""
	}
	return s.Claims.Subject()
}

// Options configure a Store.
type Options struct {
	TTL time.Duration

	CookieName   string
	CookieDomain string
	// Secure marks cookies Secure. Disabled only in dev mode.
	Secure bool

	// Secret seals session cookies. PreviousSecrets still open cookies
	// sealed before a rotation.
	Secret          []byte
	PreviousSecrets [][]byte

	Now func() time.Time
}

// RefreshFunc obtains fresh tokens for a session. Returned claims replace
// the session's claims when non-nil.
type RefreshFunc func(ctx context.Context, current *Session) (*TokenSet, *client.Claims, error)

// Store creates, resolves and destroys sessions.
type Store struct {
	backend storage.Store
	codec   *Codec
	logger  *slog.Logger

	ttl          time.Duration
	cookieName   string
	cookieDomain string
	secure       bool
	now          func() time.Time

	// mu serialises read-modify-write updates of records.
	mu      sync.Mutex
	refresh singleflight.Group
}

// NewStore constructs a session store on top of a state backend.
func NewStore(backend storage.Store, opts Options, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("session: backend required")
	}
	codec, err := NewCodec("session", opts.Secret, opts.PreviousSecrets...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		backend:      backend,
		codec:        codec,
		logger:       logger,
		ttl:          opts.TTL,
		cookieName:   opts.CookieName,
		cookieDomain: opts.CookieDomain,
		secure:       opts.Secure,
		now:          opts.Now,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.cookieName == "" {
		s.cookieName = DefaultCookieName
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create mints a session for validated claims.
func (s *Store) Create(ctx context.Context, claims *client.Claims, tokens *TokenSet) (*Session, error) {
	if claims == nil || claims.Subject() == "" {
		return nil, errors.New("session: claims with subject required")
	}
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		Claims:    claims,
		Tokens:    tokens,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", sess.ID, "sub", sess.Subject(), "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Resolve returns the live session for id.
func (s *Store) Resolve(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}
	raw, err := s.backend.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	if !s.now().Before(sess.ExpiresAt) {
		_ = s.backend.Delete(ctx, keyPrefix+id)
		return nil, ErrSessionExpired
	}
	if gone, err := s.destroyed(ctx, id); err != nil {
		return nil, err
	} else if gone {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

// Touch extends the session's expiry by the TTL.
func (s *Store) Touch(ctx context.Context, id string) (*Session, error) {
	return s.update(ctx, id, func(sess *Session) {
		sess.ExpiresAt = s.now().Add(s.ttl)
	})
}

// NeedsRenewal reports whether less than half the TTL remains.
func (s *Store) NeedsRenewal(sess *Session) bool {
	return sess.ExpiresAt.Sub(s.now()) < s.ttl/2
}

// UpdateTokens replaces the session's tokens and bumps its epoch.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens *TokenSet) (*Session, error) {
	return s.update(ctx, id, func(sess *Session) {
		sess.Tokens = tokens
		sess.Epoch++
	})
}

// Refresh runs fn at most once at a time per session id; concurrent
// callers wait for and share the in-flight result.
func (s *Store) Refresh(ctx context.Context, id string, fn RefreshFunc) (*Session, error) {
	v, err, shared := s.refresh.Do(id, func() (any, error) {
		// waiting callers must not inherit the first caller's cancellation
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		current, err := s.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		tokens, claims, err := fn(ctx, current)
		if err != nil {
			return nil, err
		}
		return s.update(ctx, id, func(sess *Session) {
			sess.Tokens = tokens
			if claims != nil {
				sess.Claims = claims
			}
			sess.Epoch++
		})
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("session refresh shared", "session_id", id)
	}
	sess := *v.(*Session)
	return &sess, nil
}

// Destroy removes the session. Later Resolve calls return ErrSessionNotFound,
// and updates that read the record before the delete are discarded. The
// tombstone covers stores on other instances sharing the backend.
func (s *Store) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Put(ctx, tombstonePrefix+id, []byte{1}, s.ttl+expiredRetention); err != nil {
		return fmt.Errorf("session: destroy %s: %w", id, err)
	}
	if err := s.backend.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("session: destroy %s: %w", id, err)
	}
	s.logger.Info("session destroyed", "session_id", id)
	return nil
}

func (s *Store) update(ctx context.Context, id string, mutate func(*Session)) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(sess)
	if gone, err := s.destroyed(ctx, id); err != nil {
		return nil, err
	} else if gone {
		return nil, ErrSessionNotFound
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	ttl := sess.ExpiresAt.Sub(s.now()) + expiredRetention
	if err := s.backend.Put(ctx, keyPrefix+sess.ID, raw, ttl); err != nil {
		return fmt.Errorf("session: save %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) destroyed(ctx context.Context, id string) (bool, error) {
	_, err := s.backend.Get(ctx, tombstonePrefix+id)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("session: load %s: %w", id, err)
	}
}

type contextKey struct{}

// NewContext attaches a session to ctx.
func NewContext(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, sess)
}

// FromContext returns the session attached by NewContext.
func FromContext(ctx context.Context) (*Session, bool) {
	sess, ok := ctx.Value(contextKey{}).(*Session)
	return sess, ok && sess != nil
}

// FromRequest is FromContext on the request's context.
func FromRequest(r *http.Request) (*Session, bool) {
	return FromContext(r.Context())
}
