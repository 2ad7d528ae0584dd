// Package crypto implements the cryptographic primitives for the
// whatsandra protocol client.
//
// This package handles key generation, Diffie-Hellman agreement, signing,
// authenticated encryption, and key derivation using Go's x/crypto
// packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair used for Diffie-Hellman
// agreement. The same shape serves the long-term noise static key,
// ratchet keys, and ephemeral pairing keys.
type KeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	clampPrivateKey(&private)

	return FromSecretKey(private)
}

// FromSecretKey derives a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	pair := &KeyPair{Private: secretKey}
	copy(pair.Public[:], public)
	return pair, nil
}

// clampPrivateKey applies the Curve25519 scalar clamping bits.
func clampPrivateKey(key *[32]byte) {
	key[0] &= 248
	key[31] &= 127
	key[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	var v byte
	for _, b := range key {
		v |= b
	}
	return v == 0
}

// ValidatePublicKey checks that a public key is usable for agreement.
func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != 32 {
		return fmt.Errorf("public key must be 32 bytes, got %d", len(publicKey))
	}
	var key [32]byte
	copy(key[:], publicKey)
	if isZeroKey(key) {
		return errors.New("invalid public key: all zeros")
	}
	return nil
}
