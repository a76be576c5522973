package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DecodeSecret accepts a base64 (standard or URL) encoded secret and falls
// back to the raw bytes for plain strings.
func DecodeSecret(s string) []byte {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) >= MinSecretLength {
			return b
		}
	}
	return []byte(s)
}

// LoadOrCreateSecret reads the cookie secret stored at path, generating and
// persisting a new one when the file does not exist yet.
func LoadOrCreateSecret(path string) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err == nil {
		secret := DecodeSecret(string(payload))
		if len(secret) < MinSecretLength {
			return nil, fmt.Errorf("secret in %s is shorter than %d bytes", path, MinSecretLength)
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	secret := make([]byte, MinSecretLength)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, err
	}
	return secret, nil
}
