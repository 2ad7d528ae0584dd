package ratchet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// EnvelopeVersion is the current envelope wire version.
const EnvelopeVersion = 0x01

// Envelope types. PreKey envelopes carry the session bootstrap material
// in addition to the ciphertext.
const (
	EnvelopeMessage byte = 0x01
	EnvelopePreKey  byte = 0x02
)

const (
	envelopeFixedSize  = 1 + 1 + 32 + 4 + 4 + 1
	preKeyTrailerSize  = 4 + 4 + 32 + 32
	maxEnvelopeSender  = 255
	minEnvelopeMessage = envelopeFixedSize
)

var (
	// ErrEnvelopeTooShort indicates a truncated envelope.
	ErrEnvelopeTooShort = errors.New("envelope too short")
	// ErrEnvelopeVersion indicates an unsupported envelope version.
	ErrEnvelopeVersion = errors.New("unsupported envelope version")
)

// PreKeyAttachment identifies the bundle material an initiator used so
// the responder can reconstruct the session root. A zero
// OneTimePreKeyID means no one-time prekey was consumed.
type PreKeyAttachment struct {
	SignedPreKeyID  uint32
	OneTimePreKeyID uint32
	BaseKey         [32]byte
	IdentityKey     [32]byte
}

// Envelope is one end-to-end encrypted message as carried inside a
// secure channel frame.
//
// Layout, all integers big-endian:
//
//	[ver u8][type u8][ratchetPub 32][prevCount u32][count u32]
//	[senderLen u8][sender utf8][ciphertext...]
//
// PreKey envelopes append a fixed 72-byte trailer after the ciphertext:
//
//	[spkID u32][opkID u32][baseKey 32][identityKey 32]
type Envelope struct {
	Type       byte
	Header     Header
	Sender     string
	Ciphertext []byte
	PreKey     *PreKeyAttachment
}

// Encode serializes the envelope. The encoding round-trips byte-exact
// through Decode.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Type != EnvelopeMessage && e.Type != EnvelopePreKey {
		return nil, fmt.Errorf("unknown envelope type 0x%02x", e.Type)
	}
	if e.Type == EnvelopePreKey && e.PreKey == nil {
		return nil, fmt.Errorf("prekey envelope missing attachment")
	}
	if e.Type == EnvelopeMessage && e.PreKey != nil {
		return nil, fmt.Errorf("message envelope cannot carry prekey attachment")
	}
	if len(e.Sender) > maxEnvelopeSender {
		return nil, fmt.Errorf("sender %q exceeds %d bytes", e.Sender, maxEnvelopeSender)
	}

	size := envelopeFixedSize + len(e.Sender) + len(e.Ciphertext)
	if e.PreKey != nil {
		size += preKeyTrailerSize
	}
	out := make([]byte, 0, size)

	out = append(out, EnvelopeVersion, e.Type)
	out = append(out, e.Header.RatchetPub[:]...)
	out = binary.BigEndian.AppendUint32(out, e.Header.PrevCount)
	out = binary.BigEndian.AppendUint32(out, e.Header.Count)
	out = append(out, byte(len(e.Sender)))
	out = append(out, e.Sender...)
	out = append(out, e.Ciphertext...)

	if e.PreKey != nil {
		out = binary.BigEndian.AppendUint32(out, e.PreKey.SignedPreKeyID)
		out = binary.BigEndian.AppendUint32(out, e.PreKey.OneTimePreKeyID)
		out = append(out, e.PreKey.BaseKey[:]...)
		out = append(out, e.PreKey.IdentityKey[:]...)
	}
	return out, nil
}

// DecodeEnvelope parses a serialized envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) < minEnvelopeMessage {
		return nil, ErrEnvelopeTooShort
	}
	if data[0] != EnvelopeVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrEnvelopeVersion, data[0])
	}

	env := &Envelope{Type: data[1]}
	if env.Type != EnvelopeMessage && env.Type != EnvelopePreKey {
		return nil, fmt.Errorf("unknown envelope type 0x%02x", env.Type)
	}

	copy(env.Header.RatchetPub[:], data[2:34])
	env.Header.PrevCount = binary.BigEndian.Uint32(data[34:38])
	env.Header.Count = binary.BigEndian.Uint32(data[38:42])

	senderLen := int(data[42])
	rest := data[43:]
	if len(rest) < senderLen {
		return nil, ErrEnvelopeTooShort
	}
	env.Sender = string(rest[:senderLen])
	body := rest[senderLen:]

	if env.Type == EnvelopePreKey {
		if len(body) < preKeyTrailerSize {
			return nil, ErrEnvelopeTooShort
		}
		trailer := body[len(body)-preKeyTrailerSize:]
		body = body[:len(body)-preKeyTrailerSize]

		attachment := &PreKeyAttachment{
			SignedPreKeyID:  binary.BigEndian.Uint32(trailer[0:4]),
			OneTimePreKeyID: binary.BigEndian.Uint32(trailer[4:8]),
		}
		copy(attachment.BaseKey[:], trailer[8:40])
		copy(attachment.IdentityKey[:], trailer[40:72])
		env.PreKey = attachment
	}

	env.Ciphertext = append([]byte(nil), body...)
	return env, nil
}
