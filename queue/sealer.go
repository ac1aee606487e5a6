package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	// ErrInvalidKey indicates a seal key that is not 32 bytes of hex.
	ErrInvalidKey = errors.New("seal key must be 64 hex characters")

	// ErrUnseal indicates stored data failed authentication.
	ErrUnseal = errors.New("unseal failed: message authentication failed")
)

// Sealer encrypts queue entries at rest with NaCl secretbox.
type Sealer struct {
	key [32]byte
}

// NewSealer creates a sealer from a raw 32-byte key.
func NewSealer(key [32]byte) *Sealer {
	return &Sealer{key: key}
}

// ParseSealer creates a sealer from a hex-encoded key.
func ParseSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	var key [32]byte
	copy(key[:], raw)
	return NewSealer(key), nil
}

// Seal encrypts plaintext; the random nonce is prepended to the output.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < nonceSize+secretbox.Overhead {
		return nil, ErrUnseal
	}
	var nonce [nonceSize]byte
	copy(nonce[:], data[:nonceSize])
	out, ok := secretbox.Open(nil, data[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnseal
	}
	return out, nil
}
