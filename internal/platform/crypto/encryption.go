package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purposes bind a derived key to one kind of data so ciphertexts cannot be
// swapped between columns.
const (
	PurposeTOTPSecret = "timeclock/totp-secret/v1"
)

var (
	ErrNotConfigured      = errors.New("data encryption key not configured")
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Sealer encrypts credential material at rest with AES-256-GCM. The AES key
// is derived from the configured master key with HKDF-SHA256 per purpose.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(masterKey, purpose string) (*Sealer, error) {
	if masterKey == "" {
		return &Sealer{}, nil
	}
	raw, err := decodeKey(masterKey)
	if err != nil {
		return nil, err
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("DATA_ENCRYPTION_KEY must be at least 32 bytes after decoding")
	}

	derived := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(purpose)), derived); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

func (s *Sealer) Configured() bool {
	return s != nil && s.aead != nil
}

// Seal returns nonce||ciphertext. The employee id is bound as associated
// data so a sealed secret only opens for the row it was written to.
func (s *Sealer) Seal(plain []byte, owner string) ([]byte, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(owner)), nil
}

func (s *Sealer) Open(sealed []byte, owner string) ([]byte, error) {
	if !s.Configured() {
		return nil, ErrNotConfigured
	}
	size := s.aead.NonceSize()
	if len(sealed) < size {
		return nil, ErrCiphertextTooShort
	}
	return s.aead.Open(nil, sealed[:size], sealed[size:], []byte(owner))
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 64 {
		if decoded, err := hex.DecodeString(raw); err == nil {
			return decoded, nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(raw); err == nil {
		return decoded, nil
	}
	return []byte(raw), nil
}
