// Package secrets seals provider API keys at rest. Keys are encrypted
// with XChaCha20-Poly1305 under a process-wide master key and only
// decrypted at the moment an outbound provider call needs them.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/openconvo/convo-backend/internal/pkg/logger"
)

type Sealer struct {
	mu  sync.RWMutex
	key []byte
	log *logger.Logger
}

// NewSealer expects a base64-encoded 32-byte master key.
func NewSealer(masterKeyB64 string, log *logger.Logger) (*Sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
	}
	return &Sealer{key: raw, log: log.With("service", "Sealer")}, nil
}

// Seal encrypts plaintext and returns a base64 blob of nonce||ciphertext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(blob string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("decode sealed blob: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed blob too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed blob: %w", err)
	}
	return string(plaintext), nil
}

// GenerateMasterKey returns a fresh base64-encoded key, for operator setup.
func GenerateMasterKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
