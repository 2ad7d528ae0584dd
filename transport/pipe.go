package transport

import (
	"context"
	"sync"
)

// PipeTransport is an in-memory Transport used by tests and by the
// loopback relay in integration tests. Frames written on one end arrive
// in order on the other.
type PipeTransport struct {
	send chan []byte
	recv chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Pipe creates a connected pair of in-memory transports.
func Pipe() (*PipeTransport, *PipeTransport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	done := make(chan struct{})

	a := &PipeTransport{send: ab, recv: ba, done: done}
	b := &PipeTransport{send: ba, recv: ab, done: done}
	return a, b
}

// Connect is a no-op; pipe transports are born connected.
func (p *PipeTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return &Error{Op: "connect", Err: ErrClosed}
	}
	return nil
}

// Send queues one frame for the peer end.
func (p *PipeTransport) Send(frame []byte) error {
	body := make([]byte, len(frame))
	copy(body, frame)

	select {
	case <-p.done:
		return &Error{Op: "send", Err: ErrClosed}
	case p.send <- body:
		return nil
	}
}

// Receive blocks until the peer sends a frame or the pipe closes.
func (p *PipeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.recv:
		return frame, nil
	case <-p.done:
		// Drain frames queued before close so in-flight data is not lost.
		select {
		case frame := <-p.recv:
			return frame, nil
		default:
		}
		return nil, &Error{Op: "receive", Err: ErrClosedByPeer}
	case <-ctx.Done():
		return nil, &Error{Op: "receive", Err: ctx.Err()}
	}
}

// Close tears down both ends of the pipe.
func (p *PipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
