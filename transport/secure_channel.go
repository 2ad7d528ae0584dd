package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// ChannelReason classifies secure channel failures.
type ChannelReason string

const (
	// ChannelClosed indicates the channel was closed locally.
	ChannelClosed ChannelReason = "closed"
	// ChannelClosedByPeer indicates the remote end closed the connection.
	ChannelClosedByPeer ChannelReason = "closed-by-peer"
	// ChannelDecryptFailure indicates an authentication or sequencing
	// failure. It is connection-fatal and triggers reconnection.
	ChannelDecryptFailure ChannelReason = "decrypt-failure"
)

// ChannelError reports a secure channel failure with a machine-readable
// reason.
type ChannelError struct {
	Reason ChannelReason
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("secure channel %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("secure channel %s", e.Reason)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsDecryptFailure reports whether err is a connection-fatal decrypt
// failure on a secure channel.
func IsDecryptFailure(err error) bool {
	var ce *ChannelError
	return errors.As(err, &ce) && ce.Reason == ChannelDecryptFailure
}

// SecureChannel wraps a Transport with the cipher states negotiated by
// the noise handshake. Every frame is AEAD-protected; the cipher states
// advance an internal counter per frame, so any gap, repeat, or
// reordering makes decryption fail hard.
//
// The channel keys live only as long as the connection: they are never
// persisted and are discarded on Close.
type SecureChannel struct {
	transport Transport

	sendMu   sync.Mutex
	send     *noise.CipherState
	sendSeq  uint64
	recvMu   sync.Mutex
	recv     *noise.CipherState
	recvSeq  uint64
	closedMu sync.Mutex
	closed   bool
}

// NewSecureChannel builds a channel over t using the negotiated cipher
// states. send encrypts outbound frames; recv decrypts inbound frames.
func NewSecureChannel(t Transport, send, recv *noise.CipherState) (*SecureChannel, error) {
	if t == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if send == nil || recv == nil {
		return nil, errors.New("cipher states cannot be nil")
	}
	return &SecureChannel{transport: t, send: send, recv: recv}, nil
}

// Send encrypts and transmits one payload. Payloads are delivered in the
// order sent; callers serialize concurrent sends through one queue.
func (sc *SecureChannel) Send(payload []byte) error {
	if sc.isClosed() {
		return &ChannelError{Reason: ChannelClosed}
	}

	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()

	ciphertext, err := sc.send.Encrypt(nil, nil, payload)
	if err != nil {
		return &ChannelError{Reason: ChannelClosed, Err: err}
	}
	sc.sendSeq++

	if err := sc.transport.Send(ciphertext); err != nil {
		if errors.Is(err, ErrClosedByPeer) {
			return &ChannelError{Reason: ChannelClosedByPeer, Err: err}
		}
		return &ChannelError{Reason: ChannelClosed, Err: err}
	}
	return nil
}

// Receive blocks for the next inbound payload and decrypts it. A decrypt
// failure means the counter stream is out of step or the frame was
// tampered with; both are connection-fatal.
func (sc *SecureChannel) Receive(ctx context.Context) ([]byte, error) {
	if sc.isClosed() {
		return nil, &ChannelError{Reason: ChannelClosed}
	}

	frame, err := sc.transport.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrClosedByPeer) {
			return nil, &ChannelError{Reason: ChannelClosedByPeer, Err: err}
		}
		return nil, &ChannelError{Reason: ChannelClosed, Err: err}
	}

	sc.recvMu.Lock()
	defer sc.recvMu.Unlock()

	payload, err := sc.recv.Decrypt(nil, nil, frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"recv_seq": sc.recvSeq,
			"error":    err.Error(),
		}).Error("Secure channel decrypt failure")
		return nil, &ChannelError{Reason: ChannelDecryptFailure, Err: err}
	}
	sc.recvSeq++

	return payload, nil
}

// SendSeq returns the number of frames sent on this channel.
func (sc *SecureChannel) SendSeq() uint64 {
	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()
	return sc.sendSeq
}

// RecvSeq returns the number of frames received on this channel.
func (sc *SecureChannel) RecvSeq() uint64 {
	sc.recvMu.Lock()
	defer sc.recvMu.Unlock()
	return sc.recvSeq
}

// Close discards the channel keys and closes the underlying transport.
func (sc *SecureChannel) Close() error {
	sc.closedMu.Lock()
	if sc.closed {
		sc.closedMu.Unlock()
		return nil
	}
	sc.closed = true
	sc.closedMu.Unlock()

	return sc.transport.Close()
}

func (sc *SecureChannel) isClosed() bool {
	sc.closedMu.Lock()
	defer sc.closedMu.Unlock()
	return sc.closed
}
