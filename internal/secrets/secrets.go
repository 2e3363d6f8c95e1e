// Package secrets encrypts stored provider API keys at rest.
//
// The master key material lives in a file next to the database (default
// .encryption_key, created on first boot with 0600 permissions). Values are
// encrypted with AES-256-GCM under a key derived from the master material
// via PBKDF2-SHA256 with a random per-value salt, and stored as
// base64(salt || nonce || ciphertext).
//
// Losing the key file makes stored API keys unrecoverable; the catalogue
// treats undecryptable keys as empty so the rest of the configuration
// survives.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	saltSize   = 16
	keyLength  = 32 // AES-256
	iterations = 100_000

	// keyFileBytes is the random master key material length before encoding.
	keyFileBytes = 32
)

// ErrKeyFileMissing is returned by LoadKey when the key file does not exist.
var ErrKeyFileMissing = errors.New("secrets: key file does not exist")

// LoadOrCreateKey returns the master key material from path, generating a new
// random key (and any missing parent directories) on first use.
func LoadOrCreateKey(path string) (string, error) {
	key, err := LoadKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyFileMissing) {
		return "", err
	}

	raw := make([]byte, keyFileBytes)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("secrets: create key directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return "", fmt.Errorf("secrets: write key file: %w", err)
	}
	return encoded, nil
}

// LoadKey reads existing master key material from path.
func LoadKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrKeyFileMissing
		}
		return "", fmt.Errorf("secrets: read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("secrets: key file %s is empty", path)
	}
	return key, nil
}

// Cipher encrypts and decrypts individual values under the master key.
type Cipher struct {
	seed string
}

// NewCipher returns a Cipher bound to the given master key material.
func NewCipher(seed string) *Cipher {
	return &Cipher{seed: seed}
}

func (c *Cipher) deriveKey(salt []byte) ([]byte, error) {
	return pbkdf2.Key(sha256.New, c.seed, salt, iterations, keyLength)
}

// Encrypt encrypts plaintext and returns base64(salt || nonce || ciphertext).
// The empty string encrypts to the empty string so keyless service types
// round-trip without ciphertext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", err
	}

	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := slices.Concat(salt, nonce, ciphertext)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt reverses Encrypt. Any tampering, truncation, or key mismatch
// returns an error.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("secrets: data too short")
	}

	salt := data[:saltSize]
	key, err := c.deriveKey(salt)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	ns := gcm.NonceSize()
	if len(data) < saltSize+ns {
		return "", fmt.Errorf("secrets: ciphertext too short")
	}
	nonce := data[saltSize : saltSize+ns]
	ct := data[saltSize+ns:]

	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Mask reduces an API key to its first and last four characters for display.
// Keys of eight characters or fewer are fully starred.
func Mask(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
