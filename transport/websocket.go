package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second
	// wsHandshakeTimeout bounds the WebSocket upgrade.
	wsHandshakeTimeout = 20 * time.Second
)

// WebSocketTransport frames bytes over a WebSocket connection to the
// relay server. Each outbound frame travels as one binary message with
// the standard 3-byte length prefix, matching the relay's wire format.
type WebSocketTransport struct {
	url    string
	header http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	frames chan []byte
	errs   chan error
	done   chan struct{}
}

// NewWebSocket creates a transport that dials the given WebSocket URL on
// Connect. The optional header is sent with the upgrade request.
func NewWebSocket(url string, header http.Header) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		header: header,
		frames: make(chan []byte, 32),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Connect dials the relay and starts the read pump.
func (w *WebSocketTransport) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return &Error{Op: "connect", Err: ErrClosed}
	}
	if w.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, w.header)
	if err != nil {
		return &Error{Op: "connect", Err: err}
	}
	w.conn = conn

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      w.url,
	}).Info("WebSocket transport connected")

	go w.readPump(conn)
	return nil
}

// readPump reads binary messages, strips the frame prefix, and queues
// bodies for Receive.
func (w *WebSocketTransport) readPump(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case w.errs <- classifyWSError(err):
			default:
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		// A single WebSocket message may carry several framed bodies.
		for len(data) > 0 {
			body, consumed, err := DecodeFrame(data)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Warn("Dropping malformed frame from relay")
				break
			}
			data = data[consumed:]
			// A blocked send must not pin this goroutine past Close when
			// no reader is draining the queue.
			select {
			case w.frames <- body:
			case <-w.done:
				return
			}
		}
	}
}

func classifyWSError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		return &Error{Op: "receive", Err: ErrClosedByPeer}
	}
	return &Error{Op: "receive", Err: err}
}

// Send transmits one frame as a binary message.
func (w *WebSocketTransport) Send(frame []byte) error {
	w.mu.Lock()
	conn := w.conn
	closed := w.closed
	w.mu.Unlock()

	if closed {
		return &Error{Op: "send", Err: ErrClosed}
	}
	if conn == nil {
		return &Error{Op: "send", Err: ErrNotConnected}
	}

	framed, err := EncodeFrame(frame)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, framed); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next inbound frame body.
func (w *WebSocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-w.frames:
		return frame, nil
	case err := <-w.errs:
		return nil, err
	case <-w.done:
		return nil, &Error{Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, &Error{Op: "receive", Err: ctx.Err()}
	}
}

// Close shuts down the WebSocket connection.
func (w *WebSocketTransport) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn == nil {
		return nil
	}

	w.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	w.writeMu.Unlock()

	err := w.conn.Close()
	w.conn = nil
	return err
}
