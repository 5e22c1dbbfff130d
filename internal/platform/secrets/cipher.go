// Package secrets decodes the credential blobs stored alongside payer
// configuration (SFTP passwords, private keys, API keys).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// SecretCipher turns a stored credential blob back into its plaintext.
// Transports only depend on Decrypt; Encrypt is used by tooling that writes
// payer configuration.
type SecretCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// AESGCMCipher provides AES-256-GCM encryption. Blobs are base64 with the
// nonce prepended to the ciphertext.
type AESGCMCipher struct {
	aead cipher.AEAD
}

// NewAESGCMCipher creates a cipher with the given 32-byte AES-256 key.
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secret cipher: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret cipher: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret cipher: create GCM: %w", err)
	}

	return &AESGCMCipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns base64(nonce + ciphertext).
func (c *AESGCMCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret encrypt: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decodes the base64 blob, extracts the nonce and opens the ciphertext.
func (c *AESGCMCipher) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("secret decrypt: base64 decode: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secret decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Base64Cipher is the reversible placeholder encoding used by payer records
// created before key management was configured. It provides no
// confidentiality.
type Base64Cipher struct{}

// Encrypt base64-encodes plaintext.
func (Base64Cipher) Encrypt(plaintext string) (string, error) {
	return base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
}

// Decrypt base64-decodes blob.
func (Base64Cipher) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("secret decrypt: base64 decode: %w", err)
	}
	return string(data), nil
}

// NewCipher selects the cipher for the configured key.
//
// An empty key selects the Base64Cipher placeholder and logs a warning. A
// non-empty key must be a 64-character hex string encoding a 32-byte AES-256
// key; anything else is an error so the server refuses to start with a
// misconfigured key.
func NewCipher(key string, logger zerolog.Logger) (SecretCipher, error) {
	if key == "" {
		logger.Warn().Msg("EDI credential encryption disabled: EDI_SECRET_KEY is not set, using reversible base64 encoding")
		return Base64Cipher{}, nil
	}

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("EDI_SECRET_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("EDI_SECRET_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	c, err := NewAESGCMCipher(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create secret cipher: %w", err)
	}

	logger.Info().Msg("EDI credential encryption enabled")
	return c, nil
}
