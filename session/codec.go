package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest accepted cookie secret.
const MinSecretLength = 32

// Codec seals and opens cookie values. Values are JSON encoded, encrypted
// with AES-256-CTR and authenticated with HMAC-SHA256.
type Codec struct {
	codecs []securecookie.Codec
}

// NewCodec derives per-purpose keys from secret. Cookies sealed with any of
// the previous secrets can still be opened; new cookies always use secret.
func NewCodec(purpose string, secret []byte, previous ...[]byte) (*Codec, error) {
	secrets := append([][]byte{secret}, previous...)
	codecs := make([]securecookie.Codec, 0, len(secrets))
	for i, sec := range secrets {
		if len(sec) < MinSecretLength {
			if i == 0 {
				return nil, fmt.Errorf("cookie secret must be at least %d bytes", MinSecretLength)
			}
			return nil, fmt.Errorf("previous cookie secret %d must be at least %d bytes", i, MinSecretLength)
		}
		hashKey, err := deriveKey(sec, purpose+" hmac")
		if err != nil {
			return nil, err
		}
		blockKey, err := deriveKey(sec, purpose+" aes")
		if err != nil {
			return nil, err
		}
		sc := securecookie.New(hashKey, blockKey)
		sc.SetSerializer(securecookie.JSONEncoder{})
		// expiry is carried inside the sealed value
		sc.MaxAge(0)
		codecs = append(codecs, sc)
	}
	return &Codec{codecs: codecs}, nil
}

// Seal encodes v for the named cookie.
func (c *Codec) Seal(name string, v any) (string, error) {
	return securecookie.EncodeMulti(name, v, c.codecs[0])
}

// Open decodes a value sealed by Seal.
func (c *Codec) Open(name, value string, dst any) error {
	if value == "" {
		return errors.New("empty cookie value")
	}
	return securecookie.DecodeMulti(name, value, dst, c.codecs...)
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}
