// Package secrets encrypts sensitive variable values at rest. The symmetric
// key is derived from a deployment secret; plaintext exists only in memory
// at reference-resolution time.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// salt is fixed per build: the deployment secret is already high-entropy,
// the KDF here only stretches it to key size.
var kdfSalt = []byte("conveyr.variables.v1")

const kdfIterations = 64_000

type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(deploymentSecret string) (*Cipher, error) {
	if deploymentSecret == "" {
		return nil, errors.New("deployment secret is required")
	}
	key := pbkdf2.Key([]byte(deploymentSecret), kdfSalt, kdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
