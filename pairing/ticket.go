// Package pairing implements QR-code device linking. The unpaired
// device publishes a short-lived ticket as a QR payload; the account's
// primary device scans it and returns a signed confirmation that
// assigns the new device its identity and keys.
package pairing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/w33ladalah/whatsandra/crypto"
)

// DefaultTicketTTL is how long one QR payload stays scannable before a
// fresh one is emitted.
const DefaultTicketTTL = 30 * time.Second

// QRVersion is the QR payload wire version.
const QRVersion = 0x01

var (
	// ErrQRMalformed indicates a QR payload that does not parse.
	ErrQRMalformed = errors.New("malformed QR payload")
	// ErrQRVersion indicates an unsupported QR payload version.
	ErrQRVersion = errors.New("unsupported QR payload version")
)

// Ticket is one pairing attempt's ephemeral state. The reference code
// and public keys go into the QR payload; the private halves stay on
// the device and become its long-term keys if pairing succeeds.
type Ticket struct {
	Reference string
	Ephemeral crypto.KeyPair
	Signing   crypto.SigningKeyPair
	ExpiresAt time.Time
}

// NewTicket creates a ticket with fresh keys and a UUID reference.
func NewTicket(ttl time.Duration) (*Ticket, error) {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	signing, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &Ticket{
		Reference: uuid.New().String(),
		Ephemeral: *ephemeral,
		Signing:   *signing,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// Expired reports whether the ticket's scan window has passed.
func (t *Ticket) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// qrBinary is the canonical ticket encoding. It is both the QR payload
// body and the byte string the confirming device signs.
//
//	[ver u8][refLen u8][ref utf8][ephemeralPub 32][signingPub 32]
func (t *Ticket) qrBinary() ([]byte, error) {
	if len(t.Reference) == 0 || len(t.Reference) > 255 {
		return nil, fmt.Errorf("reference length %d out of range", len(t.Reference))
	}

	out := make([]byte, 0, 2+len(t.Reference)+64)
	out = append(out, QRVersion, byte(len(t.Reference)))
	out = append(out, t.Reference...)
	out = append(out, t.Ephemeral.Public[:]...)
	out = append(out, t.Signing.Public...)
	return out, nil
}

// QRCode returns the base64 payload embedded in the QR image.
func (t *Ticket) QRCode() (string, error) {
	raw, err := t.qrBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DisplayCode returns the human-pasteable "ref,ephB64,signB64" form.
func (t *Ticket) DisplayCode() string {
	return fmt.Sprintf("%s,%s,%s",
		t.Reference,
		base64.StdEncoding.EncodeToString(t.Ephemeral.Public[:]),
		base64.StdEncoding.EncodeToString(t.Signing.Public))
}

// SignedPayload is the exact byte string a confirming device must sign:
// the QR binary followed by the identity it assigns. Binding the
// identity prevents a confirmation from being replayed against a
// different account.
func (t *Ticket) SignedPayload(assignedIdentity string) ([]byte, error) {
	raw, err := t.qrBinary()
	if err != nil {
		return nil, err
	}
	raw = append(raw, assignedIdentity...)
	return raw, nil
}

// ScannedTicket is the public half of a ticket as recovered from a QR
// payload by the scanning device.
type ScannedTicket struct {
	Reference    string
	EphemeralPub [32]byte
	SigningPub   ed25519.PublicKey
}

// DecodeQR parses a base64 QR payload.
func DecodeQR(code string) (*ScannedTicket, error) {
	raw, err := base64.StdEncoding.DecodeString(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQRMalformed, err)
	}
	if len(raw) < 2 {
		return nil, ErrQRMalformed
	}
	if raw[0] != QRVersion {
		return nil, fmt.Errorf("%w: 0x%02x", ErrQRVersion, raw[0])
	}

	refLen := int(raw[1])
	if len(raw) != 2+refLen+64 {
		return nil, ErrQRMalformed
	}

	st := &ScannedTicket{Reference: string(raw[2 : 2+refLen])}
	copy(st.EphemeralPub[:], raw[2+refLen:2+refLen+32])
	st.SigningPub = append(ed25519.PublicKey(nil), raw[2+refLen+32:]...)
	return st, nil
}
