// Package crypto provides authenticated symmetric encryption for persisted
// sensitive fields (loader SQL, source database passwords).
//
// Each ciphertext is base64(nonce || ciphertext || tag) using AES-256-GCM
// with a random 12-byte nonce and a 16-byte tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

const (
	nonceSize = 12
	tagSize   = 16
	// minRawLen is the raw size of an empty plaintext message (nonce + tag).
	minRawLen = nonceSize + tagSize
)

// Service implements domain.Cipher over AES-256-GCM.
type Service struct {
	aead cipher.AEAD
}

// New builds a Service from a 32-byte key. Shorter or longer keys are a
// hard startup failure.
func New(key []byte) (*Service, error) {
	if len(key) != 32 {
		return nil, domain.NewExecError(domain.KindCryptoKeyInvalid,
			fmt.Errorf("key must be 32 bytes, got %d", len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.NewExecError(domain.KindCryptoKeyInvalid, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.NewExecError(domain.KindCryptoKeyInvalid, err)
	}
	return &Service{aead: aead}, nil
}

// Encrypt encrypts plain and returns base64(nonce || ciphertext || tag).
// The empty string passes through unchanged.
func (s *Service) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("op=crypto.Encrypt: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered ciphertext yields
// CRYPTO_DECRYPT_FAILED. The empty string passes through unchanged.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", domain.NewExecError(domain.KindCryptoDecryptFailed, err)
	}
	if len(raw) < minRawLen {
		return "", domain.NewExecError(domain.KindCryptoDecryptFailed,
			fmt.Errorf("ciphertext too short: %d bytes", len(raw)))
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", domain.NewExecError(domain.KindCryptoDecryptFailed, err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether s looks like one of our ciphertexts: valid
// standard base64 decoding to at least nonce+tag bytes.
func (s *Service) IsEncrypted(v string) bool {
	if v == "" {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return false
	}
	return len(raw) >= minRawLen
}
