package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SigningKeyPair represents an Ed25519 signing identity. The signing key
// authenticates signed prekeys and pairing confirmations; it is distinct
// from the Curve25519 agreement key.
type SigningKeyPair struct {
	Public  ed25519.PublicKey  `json:"public"`
	Private ed25519.PrivateKey `json:"private"`
}

// GenerateSigningKeyPair creates a new random Ed25519 signing key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &SigningKeyPair{Public: public, Private: private}, nil
}

// SigningKeyFromSeed rebuilds a signing key pair from a 32-byte seed.
func SigningKeyFromSeed(seed []byte) (*SigningKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)
	return &SigningKeyPair{Public: public, Private: private}, nil
}

// Sign produces an Ed25519 signature over data.
func (kp *SigningKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// VerifySignature checks an Ed25519 signature against a public key.
func VerifySignature(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
