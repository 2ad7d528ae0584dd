package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/identity"
)

const credentialsKey = "credentials/self"

// ErrNoCredentials indicates the device has never been paired.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is everything a paired device needs to reconnect: its
// assigned identity, long-term keys, and the pinned relay static key.
type Credentials struct {
	Identity       identity.DeviceIdentity `json:"identity"`
	NoiseKey       crypto.KeyPair          `json:"noise_key"`
	SigningKey     crypto.SigningKeyPair   `json:"signing_key"`
	RegistrationID uint32                  `json:"registration_id"`
	ServerKey      []byte                  `json:"server_key,omitempty"`
}

// CredentialStore persists the device credentials. Pairing is the only
// writer; connection setup reads.
type CredentialStore struct {
	backend Store
}

// NewCredentialStore wraps backend.
func NewCredentialStore(backend Store) *CredentialStore {
	return &CredentialStore{backend: backend}
}

// Load returns the stored credentials, or ErrNoCredentials when the
// device is unpaired.
func (c *CredentialStore) Load() (*Credentials, error) {
	raw, err := c.backend.Get(credentialsKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrNoCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	if creds.Identity.IsZero() {
		return nil, fmt.Errorf("stored credentials carry no identity")
	}
	return &creds, nil
}

// Save persists creds, replacing any previous set.
func (c *CredentialStore) Save(creds *Credentials) error {
	if creds == nil || creds.Identity.IsZero() {
		return fmt.Errorf("credentials must carry an identity")
	}

	raw, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}
	if err := c.backend.Put(credentialsKey, raw); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Save",
		"identity": creds.Identity.String(),
	}).Info("Persisted device credentials")
	return nil
}

// Clear removes the credentials. Used by logout; the device must pair
// again afterwards.
func (c *CredentialStore) Clear() error {
	logrus.WithFields(logrus.Fields{
		"function": "Clear",
	}).Info("Clearing device credentials")
	return c.backend.Delete(credentialsKey)
}
