// Package secret seals exchange credentials so they can sit in config files.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length.
const KeySize = 32

const (
	nonceSize = 12
	prefix    = "ENC[v%d]:"
)

var (
	ErrInvalidKey     = errors.New("invalid sealing key: must be 32 bytes")
	ErrInvalidSealed  = errors.New("invalid sealed value")
	ErrOpenFailed     = errors.New("cannot open sealed value")
	ErrVersionMissing = errors.New("sealed with an unknown key version")
)

// Sealer seals and opens values with AES-256-GCM. Sealed values look like
// ENC[v1]:base64(nonce+ciphertext).
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer creates a Sealer for key. version tags the values it seals.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead, version: version}, nil
}

// NewSealerFromBase64 decodes a base64 key, as stored in the environment.
func NewSealerFromBase64(encoded string, version int) (*Sealer, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return NewSealer(key, version)
}

// GenerateKey returns a random base64 encoded key.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	data := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(prefix, s.version) + base64.StdEncoding.EncodeToString(data), nil
}

// Open decrypts a value produced by Seal with the same key version.
func (s *Sealer) Open(sealed string) (string, error) {
	version := Version(sealed)
	if version == 0 {
		return "", ErrInvalidSealed
	}
	if version != s.version {
		return "", ErrVersionMissing
	}
	encoded := sealed[strings.Index(sealed, "]:")+2:]
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidSealed
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plaintext), nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return Version(v) > 0
}

// Version extracts the key version of a sealed value, or 0 when v is not
// sealed.
func Version(v string) int {
	if !strings.HasPrefix(v, "ENC[v") || !strings.Contains(v, "]:") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(v, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}
