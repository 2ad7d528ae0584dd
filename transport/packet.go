package transport

import (
	"errors"
)

// PacketType identifies the type of an application packet carried inside
// a secure channel frame.
type PacketType byte

const (
	// Pairing packet types
	PacketPairRequest PacketType = iota + 1
	PacketPairConfirm
	PacketPairReject

	// Authentication packet types
	PacketLogin
	PacketLoginOK
	PacketLoginFail

	// Messaging packet types
	PacketMessage
	PacketMessageAck

	// Keepalive and lifecycle packet types
	PacketPing
	PacketPong
	PacketLogout
)

// Packet represents one application-level protocol packet.
type Packet struct {
	Type PacketType
	Data []byte
}

// Serialize converts a packet to a byte slice for transmission.
// Format: [packet type (1 byte)][data (variable length)].
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		p.Data = []byte{}
	}

	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.Type)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		Type: PacketType(data[0]),
		Data: make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
