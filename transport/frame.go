package transport

import (
	"errors"
	"fmt"
	"io"
)

// Frame wire format: a 3-byte big-endian length prefix followed by the
// frame body. The prefix caps a frame at MaxFrameSize bytes.
const (
	frameHeaderSize = 3
	// MaxFrameSize is the largest body a single frame may carry.
	MaxFrameSize = 1<<24 - 1
)

var (
	// ErrFrameTooLarge indicates a frame body exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrEmptyFrame indicates an attempt to write a zero-length frame.
	ErrEmptyFrame = errors.New("empty frame")
)

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}

	var header [frameHeaderSize]byte
	putUint24(header[:], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := uint24(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// EncodeFrame returns the framed representation of body as a new slice.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(body))
	}
	out := make([]byte, frameHeaderSize+len(body))
	putUint24(out, uint32(len(body)))
	copy(out[frameHeaderSize:], body)
	return out, nil
}

// DecodeFrame parses one framed message from data, returning the body and
// the number of bytes consumed.
func DecodeFrame(data []byte) ([]byte, int, error) {
	if len(data) < frameHeaderSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	length := uint24(data)
	if length == 0 {
		return nil, 0, ErrEmptyFrame
	}
	total := frameHeaderSize + int(length)
	if len(data) < total {
		return nil, 0, io.ErrUnexpectedEOF
	}
	body := make([]byte, length)
	copy(body, data[frameHeaderSize:total])
	return body, total, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
