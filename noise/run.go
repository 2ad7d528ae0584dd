package noise

import (
	"context"
	"errors"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/transport"
)

// DefaultStepTimeout bounds each handshake round trip.
const DefaultStepTimeout = 15 * time.Second

// TransportKeys holds the symmetric cipher states negotiated for one
// connection. They are scoped to that connection's lifetime: discarded on
// disconnect, regenerated by a fresh handshake on reconnect, and never
// persisted.
type TransportKeys struct {
	Send       *noise.CipherState
	Recv       *noise.CipherState
	PeerStatic []byte
}

// RunClient performs the full XX handshake as initiator over t.
//
// expectedServerKey pins the relay's static key; the handshake aborts
// with ReasonServerKeyMismatch before the client reveals its own static
// key if the authenticated server key differs. A nil expectedServerKey
// skips pinning (trust-on-first-use during initial pairing).
//
// The handshake is stateless across attempts: reconnection re-runs it
// from scratch.
func RunClient(ctx context.Context, t transport.Transport, staticPriv [32]byte, expectedServerKey []byte, stepTimeout time.Duration) (*TransportKeys, error) {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}

	hs, err := NewXXHandshake(staticPriv, Initiator)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	// -> e
	msg1, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := t.Send(msg1); err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	// <- e, ee, s, es
	msg2, err := receiveStep(ctx, t, stepTimeout)
	if err != nil {
		return nil, err
	}
	if _, _, err := hs.ReadMessage(msg2); err != nil {
		return nil, err
	}

	// The server's static key is authenticated at this point. Verify it
	// against the pinned value before proving our own identity.
	if err := verifyServerKey(hs.PeerStatic(), expectedServerKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "RunClient",
		}).Error("Relay static key does not match pinned key")
		return nil, err
	}

	// -> s, se
	msg3, complete, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: ErrHandshakeNotComplete}
	}
	if err := t.Send(msg3); err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	return &TransportKeys{Send: send, Recv: recv, PeerStatic: hs.PeerStatic()}, nil
}

// RunServer performs the XX handshake as responder over t. The loopback
// relay used in tests depends on it; a production relay implements the
// same transcript.
func RunServer(ctx context.Context, t transport.Transport, staticPriv [32]byte, stepTimeout time.Duration) (*TransportKeys, error) {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}

	hs, err := NewXXHandshake(staticPriv, Responder)
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	// -> e
	msg1, err := receiveStep(ctx, t, stepTimeout)
	if err != nil {
		return nil, err
	}
	if _, _, err := hs.ReadMessage(msg1); err != nil {
		return nil, err
	}

	// <- e, ee, s, es
	msg2, _, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := t.Send(msg2); err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	// -> s, se
	msg3, err := receiveStep(ctx, t, stepTimeout)
	if err != nil {
		return nil, err
	}
	if _, complete, err := hs.ReadMessage(msg3); err != nil {
		return nil, err
	} else if !complete {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: ErrHandshakeNotComplete}
	}

	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}

	return &TransportKeys{Send: send, Recv: recv, PeerStatic: hs.PeerStatic()}, nil
}

// receiveStep waits for one handshake message with a per-step deadline.
func receiveStep(ctx context.Context, t transport.Transport, timeout time.Duration) ([]byte, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	frame, err := t.Receive(stepCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &HandshakeError{Reason: ReasonTimeout, Err: err}
		}
		if ctx.Err() != nil {
			return nil, &HandshakeError{Reason: ReasonTimeout, Err: ctx.Err()}
		}
		return nil, &HandshakeError{Reason: ReasonUnexpectedMessage, Err: err}
	}
	return frame, nil
}
