// Package secret encrypts plugin configuration values that the manifest
// marks as passwords. Ciphertexts are self-describing strings so they can
// live inside the plugin's JSON config column.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Prefix identifies an encrypted value. Values without it are plaintext.
const Prefix = "enc:v1:"

// Placeholder is what administrative surfaces see instead of a secret.
// Saving a config whose secret field still equals Placeholder keeps the
// previously stored ciphertext.
const Placeholder = "••••••••"

// Box errors.
var (
	ErrKeySize       = errors.New("secret: key must be 32 bytes")
	ErrNotEncrypted  = errors.New("secret: value is not an encrypted string")
	ErrMalformed     = errors.New("secret: malformed ciphertext")
	ErrDecryptFailed = errors.New("secret: decryption failed")
)

// Box seals and opens secret strings with a process-wide key.
type Box struct {
	key []byte
}

// NewBox creates a Box from a 32-byte key.
func NewBox(key []byte) (*Box, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Box{key: k}, nil
}

// Encrypt seals a plaintext string into a Prefix-tagged ciphertext.
func (b *Box) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secret: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a Prefix-tagged ciphertext.
func (b *Box) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return "", fmt.Errorf("secret: init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// IsEncrypted reports whether a value carries the ciphertext prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
