package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// MaxMessageSize bounds plaintext size to prevent excessive memory usage.
const MaxMessageSize = 1024 * 1024

// Seal encrypts plaintext with ChaCha20-Poly1305 using the given key,
// nonce and associated data.
func Seal(key []byte, nonce []byte, plaintext, associatedData []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("empty message")
	}
	if len(plaintext) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, associatedData), nil
}

// Open decrypts and authenticates ciphertext produced by Seal. A tampered
// ciphertext, wrong key, or wrong associated data fails authentication.
func Open(key []byte, nonce []byte, ciphertext, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	return plaintext, nil
}

// AEADNonceSize is the nonce length for the message AEAD.
const AEADNonceSize = chacha20poly1305.NonceSize
