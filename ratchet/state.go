// Package ratchet implements the per-peer double ratchet that encrypts
// application messages end to end.
//
// A session is bootstrapped from the peer's prekey bundle with an
// X3DH-style agreement, then advances a message key per send and a DH
// ratchet step whenever the remote side rotates its ratchet key.
// Out-of-order delivery inside a bounded skip window is handled by a
// skipped-key cache; anything beyond the window, and any replay, is
// rejected without touching persisted state.
package ratchet

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/w33ladalah/whatsandra/identity"
)

const (
	// MaxSkip bounds how far ahead of the receive counter a message may
	// arrive and still be decryptable later.
	MaxSkip = 1000
	// maxSkippedKeys caps the skipped-key cache size per session.
	maxSkippedKeys = 2000
)

var (
	// ErrSessionNotFound indicates no ratchet session exists for a peer.
	ErrSessionNotFound = errors.New("ratchet session not found")
	// ErrChainUninitialized indicates a send or receive before the
	// corresponding chain key exists.
	ErrChainUninitialized = errors.New("ratchet chain key is uninitialized")
)

// PendingPreKey carries the bootstrap material an initiator attaches to
// every outbound envelope until the peer's first reply proves the
// session is established on both ends.
type PendingPreKey struct {
	SignedPreKeyID  uint32   `json:"signed_prekey_id"`
	OneTimePreKeyID uint32   `json:"onetime_prekey_id"`
	BaseKey         [32]byte `json:"base_key"`
	IdentityKey     [32]byte `json:"identity_key"`
}

// State is the full serializable ratchet state for one peer. It is
// mutated on every message and owned exclusively by the session store;
// callers work on a Clone and persist it only after success.
type State struct {
	RootKey   []byte   `json:"root_key"`
	DHPriv    [32]byte `json:"dh_priv"`
	DHPub     [32]byte `json:"dh_pub"`
	PeerDHPub [32]byte `json:"peer_dh_pub"`

	SendCK []byte `json:"send_ck,omitempty"`
	RecvCK []byte `json:"recv_ck,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	// Skipped caches message keys for out-of-order delivery, keyed by
	// ratchet public key and counter.
	Skipped map[string][]byte `json:"skipped,omitempty"`

	// Pending is set on the initiator until the first inbound message
	// from the peer confirms session establishment.
	Pending *PendingPreKey `json:"pending,omitempty"`

	// BootstrapBaseKey records, on the responder, the initiator base key
	// this session was created from. A prekey envelope carrying the same
	// base key can never legitimately need a re-bootstrap: if the current
	// session rejects it, it is a replay.
	BootstrapBaseKey [32]byte `json:"bootstrap_base_key,omitempty"`
}

// Clone returns a deep copy. Decrypt and encrypt operate on clones so a
// failure never leaves partially advanced state behind.
func (s *State) Clone() *State {
	out := &State{
		DHPriv:           s.DHPriv,
		DHPub:            s.DHPub,
		PeerDHPub:        s.PeerDHPub,
		Ns:               s.Ns,
		Nr:               s.Nr,
		PN:               s.PN,
		BootstrapBaseKey: s.BootstrapBaseKey,
	}
	out.RootKey = append([]byte(nil), s.RootKey...)
	out.SendCK = append([]byte(nil), s.SendCK...)
	out.RecvCK = append([]byte(nil), s.RecvCK...)
	if s.Skipped != nil {
		out.Skipped = make(map[string][]byte, len(s.Skipped))
		for k, v := range s.Skipped {
			out.Skipped[k] = append([]byte(nil), v...)
		}
	}
	if s.Pending != nil {
		pending := *s.Pending
		out.Pending = &pending
	}
	return out
}

// SessionStore persists ratchet sessions keyed by peer identity.
// Implementations must return ErrSessionNotFound for unknown peers.
type SessionStore interface {
	LoadSession(peer identity.DeviceIdentity) (*State, error)
	SaveSession(peer identity.DeviceIdentity, state *State) error
	DeleteSession(peer identity.DeviceIdentity) error
}

// skippedKeyID builds the cache key for a skipped message key. Hex
// keeps the map JSON-serializable.
func skippedKeyID(ratchetPub [32]byte, n uint32) string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(ratchetPub[:]), n)
}
