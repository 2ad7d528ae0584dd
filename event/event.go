// Package event defines the notifications the client emits and the bus
// that delivers them to application handlers.
package event

import (
	"time"

	"github.com/w33ladalah/whatsandra/identity"
)

// Event is implemented by every notification type.
type Event interface {
	eventName() string
}

// DisconnectReason explains why a connection ended.
type DisconnectReason string

const (
	// ReasonNetworkError covers transport-level failures; the client
	// reconnects automatically.
	ReasonNetworkError DisconnectReason = "network-error"
	// ReasonDecryptFailure covers secure channel integrity failures;
	// the connection is torn down and re-established.
	ReasonDecryptFailure DisconnectReason = "decrypt-failure"
	// ReasonLoggedOut means credentials were cleared; no retry.
	ReasonLoggedOut DisconnectReason = "logged-out"
	// ReasonCredentialsRevoked means the server rejected our
	// credentials; no retry until re-pairing.
	ReasonCredentialsRevoked DisconnectReason = "credentials-revoked"
	// ReasonRequested means the application called Disconnect.
	ReasonRequested DisconnectReason = "requested"
)

// Connected is emitted when the connection reaches the authenticated
// Connected state.
type Connected struct {
	Identity identity.DeviceIdentity
}

// Disconnected is emitted exactly once per terminal connection failure
// or deliberate disconnect, before any automatic retry begins.
type Disconnected struct {
	Reason DisconnectReason
}

// QRCodeGenerated is emitted each time a pairing QR payload is created,
// including refreshes after expiry.
type QRCodeGenerated struct {
	Code      string
	ExpiresAt time.Time
}

// PairingSuccess is emitted when pairing completes and credentials are
// persisted.
type PairingSuccess struct {
	Identity identity.DeviceIdentity
}

// PairingFailure is emitted when a pairing attempt ends without
// credentials.
type PairingFailure struct {
	Reason string
}

// MessageReceived is emitted for every successfully decrypted inbound
// message.
type MessageReceived struct {
	From      identity.DeviceIdentity
	ID        string
	Timestamp time.Time
	PushName  string
	Body      []byte
}

// AckStatus is the delivery state reported by a message ack.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckRead      AckStatus = "read"
)

// MessageAckReceived is emitted when the peer acknowledges a message we
// sent.
type MessageAckReceived struct {
	To     identity.DeviceIdentity
	ID     string
	Status AckStatus
}

// Error is emitted for recoverable failures that do not end the
// connection, such as an undecryptable inbound message being dropped.
type Error struct {
	Err error
}

func (Connected) eventName() string          { return "connected" }
func (Disconnected) eventName() string       { return "disconnected" }
func (QRCodeGenerated) eventName() string    { return "qr-code-generated" }
func (PairingSuccess) eventName() string     { return "pairing-success" }
func (PairingFailure) eventName() string     { return "pairing-failure" }
func (MessageReceived) eventName() string    { return "message-received" }
func (MessageAckReceived) eventName() string { return "message-ack-received" }
func (Error) eventName() string              { return "error" }
