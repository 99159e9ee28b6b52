// Package crypto seals token credentials at rest with AES-256-GCM.
//
// Keys are derived from operator-supplied secrets with PBKDF2 so any
// passphrase length works. A TokenCipher holds one primary key used for
// sealing and any number of previous keys accepted when opening, which lets
// operators rotate TOKEN_ENCRYPTION_KEY without invalidating stored tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"token-keeper/internal/common/errors"
)

const (
	kdfSalt       = "token-keeper-credential-salt"
	kdfIterations = 10000
	keyLength     = 32
)

// TokenCipher encrypts and decrypts credential strings.
// It is safe for concurrent use.
type TokenCipher struct {
	primary  cipher.AEAD
	previous []cipher.AEAD
}

// NewTokenCipher creates a cipher sealing with primaryKey and also opening
// values sealed under any of previousKeys.
func NewTokenCipher(primaryKey string, previousKeys ...string) (*TokenCipher, error) {
	if primaryKey == "" {
		return nil, errors.ValidationError("encryption key cannot be empty")
	}

	primary, err := newAEAD(primaryKey)
	if err != nil {
		return nil, err
	}

	c := &TokenCipher{primary: primary}
	for _, k := range previousKeys {
		if k == "" || k == primaryKey {
			continue
		}
		aead, err := newAEAD(k)
		if err != nil {
			return nil, err
		}
		c.previous = append(c.previous, aead)
	}
	return c, nil
}

func newAEAD(key string) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(key), []byte(kdfSalt), kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, errors.InternalError("failed to create cipher", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.InternalError("failed to create GCM", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under the primary key and returns base64(nonce || ciphertext).
// The empty string encrypts to the empty string so absent credentials stay absent.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to create nonce", err)
	}

	sealed := c.primary.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt under the primary or any previous key.
func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.ValidationError("ciphertext is not valid base64")
	}

	for _, aead := range c.keys() {
		size := aead.NonceSize()
		if len(data) < size {
			continue
		}
		plaintext, err := aead.Open(nil, data[:size], data[size:], nil)
		if err == nil {
			return string(plaintext), nil
		}
	}

	return "", errors.ValidationError("ciphertext could not be opened with any configured key")
}

// NeedsRotation reports whether encoded was sealed by a previous key rather than the primary one.
func (c *TokenCipher) NeedsRotation(encoded string) bool {
	if encoded == "" {
		return false
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}
	size := c.primary.NonceSize()
	if len(data) < size {
		return false
	}
	_, err = c.primary.Open(nil, data[:size], data[size:], nil)
	return err != nil
}

func (c *TokenCipher) keys() []cipher.AEAD {
	return append([]cipher.AEAD{c.primary}, c.previous...)
}
