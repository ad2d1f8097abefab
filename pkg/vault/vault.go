// Package vault encrypts provider API keys at rest. Keys are sealed
// with ChaCha20-Poly1305 under a key derived from the configured
// secret, so a copied database file does not leak credentials.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// Auth source values, in resolution priority order.
const (
	SourceEncrypted = "encrypted"
	SourceLegacyEnv = "legacy_env"
	SourceNone      = "none"
)

// Auth is a resolved credential for one dispatch.
type Auth struct {
	Source string
	Token  string
}

// ErrInvalidCiphertext is returned when a stored value cannot be
// decrypted, typically after the secret key changed.
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// Vault seals and opens API keys.
type Vault struct {
	key [chacha20poly1305.KeySize]byte
}

// New derives the sealing key from the secret. Any non-empty secret is
// accepted; the same secret always derives the same key.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault secret must not be empty")
	}

	v := &Vault{}
	v.key = sha256.Sum256([]byte(secret))

	return v, nil
}

// Encrypt seals plaintext and returns a base64 token embedding the
// nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(v.key[:])
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	if len(raw) < chacha20poly1305.NonceSize {
		return "", ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.New(v.key[:])
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSize], raw[chacha20poly1305.NonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	return string(plaintext), nil
}

// ResolveAuth picks the credential for a connection: the sealed key
// when present and decryptable, otherwise the legacy environment
// variable, otherwise none. A sealed key that fails to open falls
// through rather than failing the dispatch.
func (v *Vault) ResolveAuth(apiKeyEncrypted, apiKeyEnvVar string) Auth {
	if apiKeyEncrypted != "" {
		if token, err := v.Decrypt(apiKeyEncrypted); err == nil && token != "" {
			return Auth{Source: SourceEncrypted, Token: token}
		}
	}

	if apiKeyEnvVar != "" {
		if token := os.Getenv(apiKeyEnvVar); token != "" {
			return Auth{Source: SourceLegacyEnv, Token: token}
		}
	}

	return Auth{Source: SourceNone}
}
