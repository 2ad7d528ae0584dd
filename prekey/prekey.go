// Package prekey implements the published key material that lets peers
// start an encrypted session with a device that is offline.
//
// Each device maintains one signed prekey, authenticated by its Ed25519
// identity signing key, plus a batch of single-use one-time prekeys.
// A peer fetches this material as a Bundle from the directory and runs
// the session bootstrap against it without any round trip to the
// target device.
package prekey

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/identity"
)

var (
	// ErrInvalidSignature indicates a bundle whose signed prekey fails
	// verification against the identity signing key.
	ErrInvalidSignature = errors.New("signed prekey signature is invalid")
	// ErrBundleNotFound indicates the directory has no bundle for the
	// requested device.
	ErrBundleNotFound = errors.New("prekey bundle not found")
)

// signaturePrefix domain-separates prekey signatures from any other use
// of the identity signing key.
var signaturePrefix = []byte("signed-prekey:")

// SignedPreKey is a medium-term key pair whose public half is signed by
// the device's identity signing key. It doubles as the responder's
// initial ratchet key for sessions bootstrapped against it.
type SignedPreKey struct {
	ID        uint32         `json:"id"`
	KeyPair   crypto.KeyPair `json:"key_pair"`
	Signature []byte         `json:"signature"`
	CreatedAt time.Time      `json:"created_at"`
}

// OneTimePreKey is a single-use key pair. It is deleted the moment a
// session consumes it.
type OneTimePreKey struct {
	ID      uint32         `json:"id"`
	KeyPair crypto.KeyPair `json:"key_pair"`
}

// GenerateSignedPreKey creates a signed prekey authenticated by the
// given identity signing key.
func GenerateSignedPreKey(signing *crypto.SigningKeyPair, id uint32) (*SignedPreKey, error) {
	if signing == nil {
		return nil, fmt.Errorf("signing key pair cannot be nil")
	}
	if id == 0 {
		return nil, fmt.Errorf("signed prekey ID cannot be zero")
	}

	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}

	sig := signing.Sign(signedPayload(pair.Public))

	logrus.WithFields(logrus.Fields{
		"function": "GenerateSignedPreKey",
		"id":       id,
	}).Debug("Generated signed prekey")

	return &SignedPreKey{
		ID:        id,
		KeyPair:   *pair,
		Signature: sig,
		CreatedAt: time.Now(),
	}, nil
}

// GenerateOneTimePreKeys creates count one-time prekeys with sequential
// IDs starting at startID.
func GenerateOneTimePreKeys(startID uint32, count int) ([]*OneTimePreKey, error) {
	if startID == 0 {
		return nil, fmt.Errorf("one-time prekey IDs start at 1")
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive")
	}

	keys := make([]*OneTimePreKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate one-time prekey: %w", err)
		}
		keys = append(keys, &OneTimePreKey{
			ID:      startID + uint32(i),
			KeyPair: *pair,
		})
	}
	return keys, nil
}

// Bundle is the public prekey material for one device, as served by the
// directory. OneTimePreKeyID of zero means the device's one-time
// prekeys are exhausted and the bundle carries none.
type Bundle struct {
	Identity        identity.DeviceIdentity
	IdentityKey     [32]byte
	SigningKey      ed25519.PublicKey
	SignedPreKeyID  uint32
	SignedPreKey    [32]byte
	Signature       []byte
	OneTimePreKeyID uint32
	OneTimePreKey   [32]byte
}

// Verify checks the signed prekey signature against the bundle's
// signing key. A bundle that fails verification must not be used for
// session bootstrap.
func (b *Bundle) Verify() error {
	if len(b.SigningKey) != ed25519.PublicKeySize {
		return ErrInvalidSignature
	}
	if !crypto.VerifySignature(b.SigningKey, signedPayload(b.SignedPreKey), b.Signature) {
		logrus.WithFields(logrus.Fields{
			"function": "Verify",
			"identity": b.Identity.String(),
		}).Warn("Prekey bundle signature verification failed")
		return ErrInvalidSignature
	}
	return nil
}

// HasOneTimePreKey reports whether the bundle includes a one-time
// prekey.
func (b *Bundle) HasOneTimePreKey() bool {
	return b.OneTimePreKeyID != 0
}

func signedPayload(pub [32]byte) []byte {
	payload := make([]byte, 0, len(signaturePrefix)+32)
	payload = append(payload, signaturePrefix...)
	payload = append(payload, pub[:]...)
	return payload
}
