package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt is returned for any blob that cannot be decrypted with the
// configured key. Callers distinguish it from other failures to support the
// legacy-plaintext fallback for credentials stored before encryption existed.
var ErrDecrypt = errors.New("decryption failed")

// Codec encrypts and decrypts credential blobs with AES-256-GCM.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec creates a Codec from a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext and returns nonce-prefixed ciphertext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext. Any failure, including a blob too
// short to carry a nonce, is reported as ErrDecrypt.
func (c *Codec) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, fmt.Errorf("%w: blob shorter than nonce", ErrDecrypt)
	}

	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	return plaintext, nil
}
