package transport

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/flynn/noise"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCipherPair negotiates cipher states with a minimal NN handshake and
// wires two secure channel ends over an in-memory pipe.
func testCipherPair(t *testing.T) (*SecureChannel, *SecureChannel, *PipeTransport, *PipeTransport) {
	t.Helper()

	suite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

	cfgA := noise.Config{
		CipherSuite: suite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	}
	cfgB := cfgA
	cfgB.Initiator = false

	hsA, err := noise.NewHandshakeState(cfgA)
	require.NoError(t, err)
	hsB, err := noise.NewHandshakeState(cfgB)
	require.NoError(t, err)

	msg1, _, _, err := hsA.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, _, _, err = hsB.ReadMessage(nil, msg1)
	require.NoError(t, err)

	// The first split cipher state carries initiator-to-responder
	// traffic for both parties.
	msg2, bRecv, bSend, err := hsB.WriteMessage(nil, nil)
	require.NoError(t, err)
	_, aSend, aRecv, err := hsA.ReadMessage(nil, msg2)
	require.NoError(t, err)

	endA, endB := Pipe()

	chanA, err := NewSecureChannel(endA, aSend, aRecv)
	require.NoError(t, err)
	chanB, err := NewSecureChannel(endB, bSend, bRecv)
	require.NoError(t, err)

	return chanA, chanB, endA, endB
}

func TestSecureChannelRoundTrip(t *testing.T) {
	chanA, chanB, _, _ := testCipherPair(t)
	defer chanA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, chanA.Send([]byte("first")))
	require.NoError(t, chanA.Send([]byte("second")))

	got, err := chanB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	got, err = chanB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	assert.Equal(t, uint64(2), chanA.SendSeq())
	assert.Equal(t, uint64(2), chanB.RecvSeq())
}

func TestSecureChannelBothDirections(t *testing.T) {
	chanA, chanB, _, _ := testCipherPair(t)
	defer chanA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, chanA.Send([]byte("ping")))
	got, err := chanB.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	require.NoError(t, chanB.Send([]byte("pong")))
	got, err = chanA.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)
}

func TestSecureChannelDecryptFailure(t *testing.T) {
	chanA, chanB, endA, _ := testCipherPair(t)
	defer chanA.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A forged frame on the wire must produce a connection-fatal decrypt
	// failure, not a silently dropped message.
	require.NoError(t, endA.Send([]byte("garbage ciphertext")))

	_, err := chanB.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsDecryptFailure(err))

	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ChannelDecryptFailure, ce.Reason)
}

func TestSecureChannelClosed(t *testing.T) {
	chanA, chanB, _, _ := testCipherPair(t)

	require.NoError(t, chanA.Close())
	require.NoError(t, chanA.Close(), "close is idempotent")

	err := chanA.Send([]byte("after close"))
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = chanB.Receive(ctx)
	require.Error(t, err)
}

func TestNewSecureChannelValidation(t *testing.T) {
	endA, _ := Pipe()
	_, err := NewSecureChannel(endA, nil, nil)
	assert.Error(t, err)

	_, err = NewSecureChannel(nil, nil, nil)
	assert.Error(t, err)
}

func TestPipeOrderingAndCancel(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))

	for i := byte(0); i < 10; i++ {
		require.NoError(t, a.Send([]byte{i}))
	}
	for i := byte(0); i < 10; i++ {
		frame, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{i}, frame)
	}

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	_, err := b.Receive(shortCtx)
	require.Error(t, err)
}
