package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
)

// NetConnTransport frames bytes over a raw stream connection using the
// 3-byte length prefix. It serves relays reachable over plain TCP and
// lets tests run against net.Pipe.
type NetConnTransport struct {
	network string
	address string

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	closed  bool
}

// NewNetConn creates a transport that dials network/address on Connect.
func NewNetConn(network, address string) *NetConnTransport {
	return &NetConnTransport{network: network, address: address}
}

// WrapConn wraps an already-established connection, skipping dialing.
func WrapConn(conn net.Conn) *NetConnTransport {
	return &NetConnTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Connect dials the configured address.
func (t *NetConnTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &Error{Op: "connect", Err: ErrClosed}
	}
	if t.conn != nil {
		return nil
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, t.network, t.address)
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	return nil
}

// Send writes one length-prefixed frame.
func (t *NetConnTransport) Send(frame []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if conn == nil {
		return &Error{Op: "send", Err: ErrNotConnected}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := WriteFrame(conn, frame); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive reads the next frame. Cancellation closes the connection since
// a blocked stream read cannot otherwise be interrupted.
func (t *NetConnTransport) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	reader := t.reader
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return nil, &Error{Op: "receive", Err: ErrClosed}
	}
	if reader == nil {
		return nil, &Error{Op: "receive", Err: ErrNotConnected}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-stop:
		}
	}()

	body, err := ReadFrame(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Op: "receive", Err: ctx.Err()}
		}
		return nil, &Error{Op: "receive", Err: ErrClosedByPeer}
	}
	return body, nil
}

// Close shuts the connection down.
func (t *NetConnTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
