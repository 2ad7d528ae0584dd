// Package noise implements the Noise Protocol Framework handshake that
// secures the transport channel to the relay server.
//
// The client runs the XX pattern: both sides exchange ephemeral keys and
// transmit their static keys under encryption, providing mutual
// authentication and forward secrecy without prior knowledge of the
// peer's static key. The client additionally pins the relay's static key
// and aborts if the authenticated key does not match.
package noise

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"

	"github.com/w33ladalah/whatsandra/crypto"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete.
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// Reason classifies handshake failures. Any failure is terminal for the
// connection attempt; no partial trust is established.
type Reason string

const (
	// ReasonMACMismatch indicates an authentication tag failure while
	// processing a handshake message.
	ReasonMACMismatch Reason = "mac-mismatch"
	// ReasonUnexpectedMessage indicates a message that does not fit the
	// scripted handshake sequence.
	ReasonUnexpectedMessage Reason = "unexpected-message"
	// ReasonTimeout indicates a handshake round trip exceeded its
	// deadline.
	ReasonTimeout Reason = "timeout"
	// ReasonServerKeyMismatch indicates the authenticated server static
	// key does not match the pinned value.
	ReasonServerKeyMismatch Reason = "server-key-mismatch"
)

// HandshakeError reports a failed handshake attempt.
type HandshakeError struct {
	Reason Reason
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Role defines whether we initiate or respond to a handshake.
type Role uint8

const (
	// Initiator starts the handshake. The client is always the
	// initiator against the relay.
	Initiator Role = iota
	// Responder answers a handshake initiation.
	Responder
)

// XXHandshake drives the Noise XX pattern message by message. The
// three-message script is:
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
//
// After the second message the initiator knows the responder's static
// key and can verify it against a pinned value before revealing its own.
type XXHandshake struct {
	role        Role
	state       *noise.HandshakeState
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	complete    bool
	localPubKey [32]byte
}

// NewXXHandshake creates an XX handshake from our long-term static key.
func NewXXHandshake(staticPriv [32]byte, role Role) (*XXHandshake, error) {
	keyPair, err := crypto.FromSecretKey(staticPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	xx := &XXHandshake{role: role, state: state}
	xx.localPubKey = keyPair.Public
	return xx, nil
}

// WriteMessage produces the next outbound handshake message.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, false, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	if cs1 != nil && cs2 != nil {
		xx.assignCiphers(cs1, cs2)
		xx.complete = true
	}
	return message, xx.complete, nil
}

// ReadMessage consumes the next inbound handshake message.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if xx.complete {
		return nil, false, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, &HandshakeError{Reason: ReasonMACMismatch, Err: err}
	}

	if cs1 != nil && cs2 != nil {
		xx.assignCiphers(cs1, cs2)
		xx.complete = true
	}
	return payload, xx.complete, nil
}

// assignCiphers orients the split cipher pair: the first state encrypts
// initiator-to-responder traffic.
func (xx *XXHandshake) assignCiphers(cs1, cs2 *noise.CipherState) {
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
}

// IsComplete returns true when the cipher states are available.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// CipherStates returns the negotiated send and receive cipher states.
func (xx *XXHandshake) CipherStates() (*noise.CipherState, *noise.CipherState, error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// PeerStatic returns the peer's authenticated static public key. For the
// initiator it becomes available after the second handshake message.
func (xx *XXHandshake) PeerStatic() []byte {
	remote := xx.state.PeerStatic()
	if len(remote) == 0 {
		return nil
	}
	key := make([]byte, len(remote))
	copy(key, remote)
	return key
}

// LocalStatic returns our static public key.
func (xx *XXHandshake) LocalStatic() []byte {
	key := make([]byte, 32)
	copy(key, xx.localPubKey[:])
	return key
}

// verifyServerKey compares the authenticated peer static against the
// pinned expected key.
func verifyServerKey(got, expected []byte) error {
	if len(expected) == 0 {
		return nil
	}
	if len(got) != 32 || !bytes.Equal(got, expected) {
		return &HandshakeError{Reason: ReasonServerKeyMismatch}
	}
	return nil
}
