package ratchet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/prekey"
)

// CipherReason classifies cipher failures.
type CipherReason string

const (
	// ReasonUndecryptable covers replays, out-of-window counters, and
	// AEAD failures. The message is dropped; session state is unchanged.
	ReasonUndecryptable CipherReason = "undecryptable"
	// ReasonNoSession indicates an inbound message for a peer with no
	// session and no bootstrap material to create one.
	ReasonNoSession CipherReason = "no-session"
	// ReasonInvalidBundle indicates a prekey bundle that failed
	// signature verification.
	ReasonInvalidBundle CipherReason = "invalid-bundle"
	// ReasonDirectory indicates the peer's bundle could not be fetched.
	ReasonDirectory CipherReason = "directory"
)

// CipherError reports an end-to-end encryption failure.
type CipherError struct {
	Reason CipherReason
	Peer   identity.DeviceIdentity
	Err    error
}

func (e *CipherError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cipher error (%s) for %s: %v", e.Reason, e.Peer.String(), e.Err)
	}
	return fmt.Sprintf("cipher error (%s) for %s", e.Reason, e.Peer.String())
}

func (e *CipherError) Unwrap() error { return e.Err }

// IsUndecryptable reports whether err is a per-message decrypt failure
// that should be dropped rather than treated as fatal.
func IsUndecryptable(err error) bool {
	var ce *CipherError
	return errors.As(err, &ce) && ce.Reason == ReasonUndecryptable
}

// LocalPreKeys exposes the private halves of our published prekeys so
// inbound prekey envelopes can reconstruct the session root. One-time
// prekeys are consumed on use and never returned twice.
type LocalPreKeys interface {
	SignedPreKey(id uint32) (*prekey.SignedPreKey, error)
	TakeOneTimePreKey(id uint32) (*prekey.OneTimePreKey, error)
}

// Cipher encrypts and decrypts end-to-end messages, owning session
// bootstrap and all ratchet state mutation. Operations for the same
// peer are serialized; different peers proceed concurrently.
type Cipher struct {
	self        identity.DeviceIdentity
	identityKey crypto.KeyPair
	sessions    SessionStore
	directory   prekey.Directory
	local       LocalPreKeys

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCipher creates a message cipher for the given device.
func NewCipher(self identity.DeviceIdentity, identityKey crypto.KeyPair, sessions SessionStore, directory prekey.Directory, local LocalPreKeys) (*Cipher, error) {
	if self.IsZero() {
		return nil, fmt.Errorf("device identity cannot be zero")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	return &Cipher{
		self:        self,
		identityKey: identityKey,
		sessions:    sessions,
		directory:   directory,
		local:       local,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// Encrypt seals plaintext for peer, bootstrapping a session from the
// peer's prekey bundle when none exists. Until the peer's first reply,
// envelopes carry the bootstrap material as a prekey attachment.
func (c *Cipher) Encrypt(ctx context.Context, peer identity.DeviceIdentity, plaintext []byte) (*Envelope, error) {
	unlock := c.lockPeer(peer)
	defer unlock()

	st, err := c.sessions.LoadSession(peer)
	if errors.Is(err, ErrSessionNotFound) {
		st, err = c.bootstrapInitiator(ctx, peer)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session for %s: %w", peer.String(), err)
	} else {
		st = st.Clone()
	}

	header, ciphertext, err := Encrypt(st, []byte(c.self.String()), plaintext)
	if err != nil {
		return nil, &CipherError{Reason: ReasonUndecryptable, Peer: peer, Err: err}
	}

	env := &Envelope{
		Type:       EnvelopeMessage,
		Header:     *header,
		Sender:     c.self.String(),
		Ciphertext: ciphertext,
	}
	if st.Pending != nil {
		env.Type = EnvelopePreKey
		env.PreKey = &PreKeyAttachment{
			SignedPreKeyID:  st.Pending.SignedPreKeyID,
			OneTimePreKeyID: st.Pending.OneTimePreKeyID,
			BaseKey:         st.Pending.BaseKey,
			IdentityKey:     st.Pending.IdentityKey,
		}
	}

	if err := c.sessions.SaveSession(peer, st); err != nil {
		return nil, fmt.Errorf("failed to persist session for %s: %w", peer.String(), err)
	}
	return env, nil
}

// Decrypt opens an inbound envelope. A prekey envelope from an unknown
// peer creates the session from our stored prekey private halves. Any
// failure leaves persisted session state untouched.
func (c *Cipher) Decrypt(ctx context.Context, env *Envelope) (identity.DeviceIdentity, []byte, error) {
	_ = ctx

	sender, err := identity.Parse(env.Sender)
	if err != nil {
		return identity.DeviceIdentity{}, nil, &CipherError{Reason: ReasonUndecryptable, Err: err}
	}

	unlock := c.lockPeer(sender)
	defer unlock()

	st, err := c.sessions.LoadSession(sender)
	if errors.Is(err, ErrSessionNotFound) {
		if env.Type != EnvelopePreKey {
			return sender, nil, &CipherError{Reason: ReasonNoSession, Peer: sender}
		}
		st, err = c.bootstrapResponder(sender, env.PreKey)
		if err != nil {
			return sender, nil, err
		}
	} else if err != nil {
		return sender, nil, fmt.Errorf("failed to load session for %s: %w", sender.String(), err)
	} else {
		st = st.Clone()
	}

	plaintext, err := Decrypt(st, []byte(env.Sender), &env.Header, env.Ciphertext)
	if err != nil && env.Type == EnvelopePreKey && env.PreKey.BaseKey != st.BootstrapBaseKey {
		// The peer may have discarded the old session and started a new
		// one from a fresh bundle fetch; a fresh start always carries a
		// new base key. An attachment with the base key that created the
		// stored session is a replay and stays rejected. Rebuild from the
		// attachment and try once more before giving up.
		fresh, bootErr := c.bootstrapResponder(sender, env.PreKey)
		if bootErr == nil {
			if plaintext, err = Decrypt(fresh, []byte(env.Sender), &env.Header, env.Ciphertext); err == nil {
				logrus.WithFields(logrus.Fields{
					"function": "Decrypt",
					"peer":     sender.String(),
				}).Info("Replaced ratchet session from prekey envelope")
				st = fresh
			}
		}
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"peer":     sender.String(),
			"error":    err,
		}).Warn("Failed to decrypt inbound message")
		return sender, nil, &CipherError{Reason: ReasonUndecryptable, Peer: sender, Err: err}
	}

	if err := c.sessions.SaveSession(sender, st); err != nil {
		return sender, nil, fmt.Errorf("failed to persist session for %s: %w", sender.String(), err)
	}
	return sender, plaintext, nil
}

// ResetSession discards the session for peer. The next exchange
// bootstraps a fresh one; prior skipped keys are lost, so undelivered
// out-of-order messages from the old session become undecryptable.
func (c *Cipher) ResetSession(peer identity.DeviceIdentity) error {
	unlock := c.lockPeer(peer)
	defer unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ResetSession",
		"peer":     peer.String(),
	}).Info("Discarding ratchet session")
	return c.sessions.DeleteSession(peer)
}

func (c *Cipher) bootstrapInitiator(ctx context.Context, peer identity.DeviceIdentity) (*State, error) {
	if c.directory == nil {
		return nil, &CipherError{Reason: ReasonNoSession, Peer: peer, Err: fmt.Errorf("no prekey directory configured")}
	}

	bundle, err := c.directory.FetchPreKeyBundle(ctx, peer)
	if err != nil {
		return nil, &CipherError{Reason: ReasonDirectory, Peer: peer, Err: err}
	}
	if err := bundle.Verify(); err != nil {
		return nil, &CipherError{Reason: ReasonInvalidBundle, Peer: peer, Err: err}
	}

	base, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate base key: %w", err)
	}

	root, err := InitiatorRoot(c.identityKey.Private, base.Private, bundle)
	if err != nil {
		return nil, err
	}
	st, err := InitInitiator(root, bundle.SignedPreKey)
	crypto.ZeroBytes(root)
	if err != nil {
		return nil, err
	}

	st.Pending = &PendingPreKey{
		SignedPreKeyID:  bundle.SignedPreKeyID,
		OneTimePreKeyID: bundle.OneTimePreKeyID,
		BaseKey:         base.Public,
		IdentityKey:     c.identityKey.Public,
	}

	logrus.WithFields(logrus.Fields{
		"function": "bootstrapInitiator",
		"peer":     peer.String(),
		"onetime":  bundle.HasOneTimePreKey(),
	}).Debug("Bootstrapped outbound session")
	return st, nil
}

func (c *Cipher) bootstrapResponder(peer identity.DeviceIdentity, attachment *PreKeyAttachment) (*State, error) {
	if c.local == nil {
		return nil, &CipherError{Reason: ReasonNoSession, Peer: peer, Err: fmt.Errorf("no local prekeys configured")}
	}

	spk, err := c.local.SignedPreKey(attachment.SignedPreKeyID)
	if err != nil {
		return nil, &CipherError{Reason: ReasonNoSession, Peer: peer, Err: err}
	}

	var oneTimePriv *[32]byte
	if attachment.OneTimePreKeyID != 0 {
		opk, err := c.local.TakeOneTimePreKey(attachment.OneTimePreKeyID)
		if err != nil {
			return nil, &CipherError{Reason: ReasonNoSession, Peer: peer, Err: err}
		}
		oneTimePriv = &opk.KeyPair.Private
	}

	root, err := ResponderRoot(c.identityKey.Private, spk.KeyPair.Private, oneTimePriv, attachment.IdentityKey, attachment.BaseKey)
	if err != nil {
		return nil, err
	}
	st := InitResponder(root, spk.KeyPair)
	crypto.ZeroBytes(root)
	st.BootstrapBaseKey = attachment.BaseKey

	logrus.WithFields(logrus.Fields{
		"function": "bootstrapResponder",
		"peer":     peer.String(),
		"onetime":  attachment.OneTimePreKeyID != 0,
	}).Debug("Bootstrapped inbound session")
	return st, nil
}

// lockPeer serializes ratchet operations per peer.
func (c *Cipher) lockPeer(peer identity.DeviceIdentity) func() {
	key := peer.String()

	c.mu.Lock()
	lock, ok := c.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[key] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
