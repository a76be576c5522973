package devidp

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	private   *rsa.PrivateKey
	jwk       jose.JSONWebKey
	createdAt time.Time
}

// KeyManager holds the provider's RS256 signing keys. The previous key is
// still published so tokens signed before a rotation keep validating.
type KeyManager struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyManager loads keys from storePath or creates a fresh key.
func NewKeyManager(storePath string, rotateEvery time.Duration, logger *slog.Logger) (*KeyManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &KeyManager{rotateEvery: rotateEvery, storePath: storePath, logger: logger}

	if storePath != "" {
		if err := m.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if m.current.private == nil {
		if err := m.Rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys until stop is closed.
func (m *KeyManager) StartRotation(stop <-chan struct{}) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Rotate(); err != nil {
					m.logger.Error("signing key rotation", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign returns the compact JWS for claims.
func (m *KeyManager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.jwk.KeyID
	return token.SignedString(m.current.private)
}

// Keyfunc resolves verification keys by kid.
func (m *KeyManager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == m.current.jwk.KeyID {
		return &m.current.private.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.jwk.KeyID == kid {
			return &prev.private.PublicKey, nil
		}
	}
	return nil, errors.New("unknown signing key")
}

// PublicJWKS returns the published key set.
func (m *KeyManager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.jwk.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// Rotate generates a new current key and keeps one previous key.
func (m *KeyManager) Rotate() error {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := make([]byte, 8)
	if _, err := rand.Read(kid); err != nil {
		return err
	}
	key := signingKey{
		private:   private,
		jwk:       jose.JSONWebKey{Key: private, KeyID: hex.EncodeToString(kid), Algorithm: string(jose.RS256), Use: "sig"},
		createdAt: time.Now(),
	}

	m.mu.Lock()
	if m.current.private != nil {
		m.previous = []signingKey{m.current}
	}
	m.current = key
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", key.jwk.KeyID)
	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *KeyManager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.jwk}
	for _, prev := range m.previous {
		keys = append(keys, prev.jwk)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *KeyManager) load() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var loaded []signingKey
	for _, k := range set.Keys {
		private, ok := k.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		loaded = append(loaded, signingKey{private: private, jwk: k, createdAt: time.Now()})
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in " + m.storePath)
	}
	m.current = loaded[0]
	m.previous = loaded[1:]
	return nil
}
