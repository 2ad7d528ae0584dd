package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/ratchet"
)

const sessionPrefix = "session/"

// SessionStore persists ratchet sessions in a Store backend, one entry
// per peer.
type SessionStore struct {
	backend Store
}

// NewSessionStore wraps backend.
func NewSessionStore(backend Store) *SessionStore {
	return &SessionStore{backend: backend}
}

// LoadSession returns the session for peer.
func (s *SessionStore) LoadSession(peer identity.DeviceIdentity) (*ratchet.State, error) {
	raw, err := s.backend.Get(sessionPrefix + peer.String())
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ratchet.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var state ratchet.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session for %s: %w", peer.String(), err)
	}
	return &state, nil
}

// SaveSession persists state for peer, replacing any previous session.
func (s *SessionStore) SaveSession(peer identity.DeviceIdentity, state *ratchet.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	if err := s.backend.Put(sessionPrefix+peer.String(), raw); err != nil {
		return fmt.Errorf("failed to write session for %s: %w", peer.String(), err)
	}
	return nil
}

// DeleteSession removes the session for peer.
func (s *SessionStore) DeleteSession(peer identity.DeviceIdentity) error {
	return s.backend.Delete(sessionPrefix + peer.String())
}

// Peers lists every peer with a stored session.
func (s *SessionStore) Peers() ([]identity.DeviceIdentity, error) {
	keys, err := s.backend.Keys(sessionPrefix)
	if err != nil {
		return nil, err
	}

	peers := make([]identity.DeviceIdentity, 0, len(keys))
	for _, key := range keys {
		peer, err := identity.Parse(key[len(sessionPrefix):])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Peers",
				"key":      key,
			}).Warn("Skipping session with unparseable peer key")
			continue
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Reset deletes every stored session. Future messages to old peers
// bootstrap fresh sessions; undelivered out-of-order messages from the
// old sessions become undecryptable.
func (s *SessionStore) Reset() error {
	keys, err := s.backend.Keys(sessionPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.backend.Delete(key); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Reset",
		"sessions": len(keys),
	}).Info("Discarded all ratchet sessions")
	return nil
}
