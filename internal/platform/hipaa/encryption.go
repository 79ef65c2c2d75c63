package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// ErrDecrypt marks every failure to turn stored ciphertext back into a
// document. It is distinct from "not found": it means corruption or a key
// mismatch.
var ErrDecrypt = errors.New("document decryption failed")

// DocumentEncryptor provides AES-256-GCM encryption for document bodies.
// Output layout is nonce || ciphertext || tag.
type DocumentEncryptor struct {
	aead cipher.AEAD
}

// NewDocumentEncryptor creates a new DocumentEncryptor with the given 32-byte AES-256 key.
func NewDocumentEncryptor(key []byte) (*DocumentEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("document encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("document encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("document encryptor: create GCM: %w", err)
	}

	return &DocumentEncryptor{aead: aead}, nil
}

// Encrypt seals data under a fresh random nonce and returns the nonce
// prepended to the ciphertext.
func (e *DocumentEncryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(data)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("document encrypt: generate nonce: %w", err)
	}

	// Seal appends to nonce, so the result is nonce + ciphertext.
	return e.aead.Seal(nonce, nonce, data, nil), nil
}

// Decrypt extracts the nonce from the front of data and opens the remainder.
func (e *DocumentEncryptor) Decrypt(data []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
