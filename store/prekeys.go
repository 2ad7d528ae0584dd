package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/prekey"
)

const (
	signedPreKeyPrefix  = "prekey/signed/"
	oneTimePreKeyPrefix = "prekey/onetime/"
	preKeyCounterKey    = "prekey/next-id"

	// DefaultOneTimeBatch is how many one-time prekeys Initialize and
	// Replenish generate at a time.
	DefaultOneTimeBatch = 100
)

// ErrPreKeyNotFound indicates the requested prekey does not exist or
// was already consumed.
var ErrPreKeyNotFound = errors.New("prekey not found")

// PreKeyStore persists the device's own prekey private halves and
// serves them to the ratchet engine. One-time prekeys are deleted the
// moment they are taken, so a key can never unlock two sessions.
type PreKeyStore struct {
	mu      sync.Mutex
	backend Store
}

// NewPreKeyStore wraps backend.
func NewPreKeyStore(backend Store) *PreKeyStore {
	return &PreKeyStore{backend: backend}
}

// Initialize generates the signed prekey and the first one-time batch
// for a freshly paired device. Existing prekeys are left untouched.
func (p *PreKeyStore) Initialize(signing *crypto.SigningKeyPair) (*prekey.SignedPreKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, err := p.currentSignedPreKey(); err == nil {
		return existing, nil
	}

	spk, err := prekey.GenerateSignedPreKey(signing, p.nextID())
	if err != nil {
		return nil, err
	}
	if err := p.putSignedPreKey(spk); err != nil {
		return nil, err
	}

	if _, err := p.replenishLocked(DefaultOneTimeBatch); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Initialize",
		"signedPreKey": spk.ID,
	}).Info("Generated device prekeys")
	return spk, nil
}

// SignedPreKey returns the signed prekey with the given ID.
func (p *PreKeyStore) SignedPreKey(id uint32) (*prekey.SignedPreKey, error) {
	raw, err := p.backend.Get(signedPreKeyPrefix + formatID(id))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: signed prekey %d", ErrPreKeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var spk prekey.SignedPreKey
	if err := json.Unmarshal(raw, &spk); err != nil {
		return nil, fmt.Errorf("failed to parse signed prekey %d: %w", id, err)
	}
	return &spk, nil
}

// TakeOneTimePreKey returns the one-time prekey with the given ID and
// deletes it in the same call.
func (p *PreKeyStore) TakeOneTimePreKey(id uint32) (*prekey.OneTimePreKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := oneTimePreKeyPrefix + formatID(id)
	raw, err := p.backend.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: one-time prekey %d", ErrPreKeyNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	var opk prekey.OneTimePreKey
	if err := json.Unmarshal(raw, &opk); err != nil {
		return nil, fmt.Errorf("failed to parse one-time prekey %d: %w", id, err)
	}
	if err := p.backend.Delete(key); err != nil {
		return nil, fmt.Errorf("failed to consume one-time prekey %d: %w", id, err)
	}
	return &opk, nil
}

// Replenish generates count new one-time prekeys and returns them for
// publication.
func (p *PreKeyStore) Replenish(count int) ([]*prekey.OneTimePreKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replenishLocked(count)
}

// Remaining reports how many unconsumed one-time prekeys are stored.
func (p *PreKeyStore) Remaining() (int, error) {
	keys, err := p.backend.Keys(oneTimePreKeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Bundle assembles this device's public bundle for publication to the
// directory. The one-time prekey fields are left empty; the directory
// assigns them per fetch.
func (p *PreKeyStore) Bundle(dev identity.DeviceIdentity, identityKey [32]byte, signing *crypto.SigningKeyPair) (*prekey.Bundle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	spk, err := p.currentSignedPreKey()
	if err != nil {
		return nil, err
	}
	return &prekey.Bundle{
		Identity:       dev,
		IdentityKey:    identityKey,
		SigningKey:     signing.Public,
		SignedPreKeyID: spk.ID,
		SignedPreKey:   spk.KeyPair.Public,
		Signature:      spk.Signature,
	}, nil
}

func (p *PreKeyStore) replenishLocked(count int) ([]*prekey.OneTimePreKey, error) {
	start := p.nextID()
	keys, err := prekey.GenerateOneTimePreKeys(start, count)
	if err != nil {
		return nil, err
	}

	for _, opk := range keys {
		raw, err := json.Marshal(opk)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize one-time prekey: %w", err)
		}
		if err := p.backend.Put(oneTimePreKeyPrefix+formatID(opk.ID), raw); err != nil {
			return nil, fmt.Errorf("failed to store one-time prekey: %w", err)
		}
	}
	p.setNextID(start + uint32(count))
	return keys, nil
}

func (p *PreKeyStore) currentSignedPreKey() (*prekey.SignedPreKey, error) {
	keys, err := p.backend.Keys(signedPreKeyPrefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no signed prekey", ErrPreKeyNotFound)
	}

	// Lexicographic order of the zero-padded IDs makes the last key the
	// most recent.
	raw, err := p.backend.Get(keys[len(keys)-1])
	if err != nil {
		return nil, err
	}
	var spk prekey.SignedPreKey
	if err := json.Unmarshal(raw, &spk); err != nil {
		return nil, fmt.Errorf("failed to parse signed prekey: %w", err)
	}
	return &spk, nil
}

func (p *PreKeyStore) putSignedPreKey(spk *prekey.SignedPreKey) error {
	raw, err := json.Marshal(spk)
	if err != nil {
		return fmt.Errorf("failed to serialize signed prekey: %w", err)
	}
	return p.backend.Put(signedPreKeyPrefix+formatID(spk.ID), raw)
}

// nextID returns the next unused prekey ID, starting at 1.
func (p *PreKeyStore) nextID() uint32 {
	raw, err := p.backend.Get(preKeyCounterKey)
	if err != nil || len(raw) != 4 {
		return 1
	}
	return binary.BigEndian.Uint32(raw)
}

func (p *PreKeyStore) setNextID(id uint32) {
	raw := make([]byte, 4)
	binary.BigEndian.PutUint32(raw, id)
	if err := p.backend.Put(preKeyCounterKey, raw); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "setNextID",
			"error":    err,
		}).Error("Failed to persist prekey counter")
	}
}

// formatID zero-pads IDs so key order matches numeric order.
func formatID(id uint32) string {
	return fmt.Sprintf("%010d", id)
}
