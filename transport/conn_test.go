package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetConnRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ta := WrapConn(a)
	tb := WrapConn(b)
	defer ta.Close()
	defer tb.Close()

	go func() {
		ta.Send([]byte("first"))
		ta.Send([]byte("second"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, err := tb.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), frame)

	frame, err = tb.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), frame)
}

func TestNetConnSendBeforeConnect(t *testing.T) {
	tr := NewNetConn("tcp", "127.0.0.1:0")
	err := tr.Send([]byte("x"))
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNetConnReceiveCancel(t *testing.T) {
	a, b := net.Pipe()
	ta := WrapConn(a)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := ta.Receive(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNetConnClosedBehavior(t *testing.T) {
	a, b := net.Pipe()
	ta := WrapConn(a)
	tb := WrapConn(b)
	require.NoError(t, ta.Close())
	assert.NoError(t, ta.Close())

	err := ta.Send([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)

	// The peer sees the stream end.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = tb.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosedByPeer)
}

func TestPacketRoundTrip(t *testing.T) {
	pkt := &Packet{Type: PacketMessage, Data: []byte{1, 2, 3}}
	raw, err := pkt.Serialize()
	require.NoError(t, err)

	parsed, err := ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, pkt.Type, parsed.Type)
	assert.Equal(t, pkt.Data, parsed.Data)

	_, err = ParsePacket(nil)
	assert.Error(t, err)

	empty := &Packet{Type: PacketPing}
	raw, err = empty.Serialize()
	require.NoError(t, err)
	parsed, err = ParsePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, PacketPing, parsed.Type)
	assert.Empty(t, parsed.Data)
}
