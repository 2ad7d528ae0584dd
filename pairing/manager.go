package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/event"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/store"
)

// maxTicketRefreshes bounds how many fresh QR codes one pairing attempt
// emits before giving up.
const maxTicketRefreshes = 5

// Reason classifies pairing failures.
type Reason string

const (
	// ReasonExpired means no confirmation arrived within the attempt's
	// refresh budget.
	ReasonExpired Reason = "expired"
	// ReasonRejected means the scanning device declined the link.
	ReasonRejected Reason = "rejected"
	// ReasonInvalidSignature means the confirmation's signature did not
	// verify over the ticket.
	ReasonInvalidSignature Reason = "invalid-signature"
	// ReasonReferenceMismatch means the confirmation referenced a
	// different (stale) ticket.
	ReasonReferenceMismatch Reason = "reference-mismatch"
	// ReasonPersistence means credentials could not be written.
	ReasonPersistence Reason = "persistence"
	// ReasonBadState means a pairing operation arrived in a state that
	// cannot accept it.
	ReasonBadState Reason = "bad-state"
)

// PairingError reports a failed pairing attempt.
type PairingError struct {
	Reason Reason
	Err    error
}

func (e *PairingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pairing failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pairing failed (%s)", e.Reason)
}

func (e *PairingError) Unwrap() error { return e.Err }

// Confirmation is the signed response from the account's primary
// device, delivered over the secure channel. The signature covers the
// scanned ticket plus the assigned identity.
type Confirmation struct {
	Reference      string `json:"reference"`
	Identity       string `json:"identity"`
	AccountKey     []byte `json:"account_key"`
	Signature      []byte `json:"signature"`
	RegistrationID uint32 `json:"registration_id"`
	ServerKey      []byte `json:"server_key,omitempty"`
}

// Encode serializes the confirmation for the wire.
func (c *Confirmation) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeConfirmation parses a wire confirmation.
func DecodeConfirmation(data []byte) (*Confirmation, error) {
	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed pairing confirmation: %w", err)
	}
	return &c, nil
}

// BuildConfirmation signs a scanned ticket on the account's primary
// device, assigning dev to the new device. The loopback relay in tests
// uses it; a production primary device runs the same construction.
func BuildConfirmation(scanned *ScannedTicket, accountKey *crypto.SigningKeyPair, dev identity.DeviceIdentity, registrationID uint32, serverKey []byte) (*Confirmation, error) {
	payload, err := scannedPayload(scanned, dev.String())
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		Reference:      scanned.Reference,
		Identity:       dev.String(),
		AccountKey:     accountKey.Public,
		Signature:      accountKey.Sign(payload),
		RegistrationID: registrationID,
		ServerKey:      serverKey,
	}, nil
}

// scannedPayload reconstructs the exact bytes Ticket.SignedPayload
// produces, from the scanning side's view.
func scannedPayload(scanned *ScannedTicket, assignedIdentity string) ([]byte, error) {
	if len(scanned.Reference) == 0 || len(scanned.Reference) > 255 {
		return nil, fmt.Errorf("reference length %d out of range", len(scanned.Reference))
	}
	out := make([]byte, 0, 2+len(scanned.Reference)+64+len(assignedIdentity))
	out = append(out, QRVersion, byte(len(scanned.Reference)))
	out = append(out, scanned.Reference...)
	out = append(out, scanned.EphemeralPub[:]...)
	out = append(out, scanned.SigningPub...)
	out = append(out, assignedIdentity...)
	return out, nil
}

// State is the pairing state machine position.
type State int

const (
	StateIdle State = iota
	StateAwaitingScan
	StateAwaitingConfirmation
	StatePaired
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingScan:
		return "awaiting-scan"
	case StateAwaitingConfirmation:
		return "awaiting-confirmation"
	case StatePaired:
		return "paired"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager drives one device's pairing lifecycle. It owns all writes to
// the credential store.
type Manager struct {
	mu       sync.Mutex
	state    State
	ticket   *Ticket
	refreshC int
	paired   identity.DeviceIdentity
	stop     context.CancelFunc

	creds *store.CredentialStore
	bus   *event.Bus
	ttl   time.Duration
}

// NewManager creates a pairing manager. ttl of zero uses
// DefaultTicketTTL.
func NewManager(creds *store.CredentialStore, bus *event.Bus, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &Manager{creds: creds, bus: bus, ttl: ttl}
}

// State returns the current state machine position.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins a pairing attempt, emitting the first QRCodeGenerated
// event. Calling Start when the device is already paired is a no-op
// that returns the existing identity.
func (m *Manager) Start(ctx context.Context) (identity.DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StatePaired {
		return m.paired, nil
	}
	if creds, err := m.creds.Load(); err == nil {
		m.state = StatePaired
		m.paired = creds.Identity
		return m.paired, nil
	}
	if m.state == StateAwaitingScan || m.state == StateAwaitingConfirmation {
		return identity.DeviceIdentity{}, &PairingError{Reason: ReasonBadState, Err: fmt.Errorf("pairing already in progress")}
	}

	if err := m.issueTicketLocked(); err != nil {
		return identity.DeviceIdentity{}, err
	}
	m.state = StateAwaitingScan
	m.refreshC = 0

	refreshCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	go m.refreshLoop(refreshCtx)

	return identity.DeviceIdentity{}, nil
}

// CurrentTicket returns a copy of the active ticket, or nil outside an
// attempt.
func (m *Manager) CurrentTicket() *Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticket == nil {
		return nil
	}
	t := *m.ticket
	return &t
}

// Confirm processes the signed confirmation from the primary device.
// On success credentials are persisted, the state becomes Paired, and
// PairingSuccess is emitted. Any verification failure ends the attempt.
func (m *Manager) Confirm(conf *Confirmation) (identity.DeviceIdentity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingScan && m.state != StateAwaitingConfirmation {
		return identity.DeviceIdentity{}, &PairingError{Reason: ReasonBadState, Err: fmt.Errorf("no pairing attempt in state %s", m.state)}
	}
	m.state = StateAwaitingConfirmation

	if conf.Reference != m.ticket.Reference {
		return identity.DeviceIdentity{}, m.failLocked(ReasonReferenceMismatch, fmt.Errorf("confirmation references %q", conf.Reference))
	}
	if m.ticket.Expired() {
		return identity.DeviceIdentity{}, m.failLocked(ReasonExpired, nil)
	}

	dev, err := identity.Parse(conf.Identity)
	if err != nil {
		return identity.DeviceIdentity{}, m.failLocked(ReasonInvalidSignature, err)
	}

	payload, err := m.ticket.SignedPayload(conf.Identity)
	if err != nil {
		return identity.DeviceIdentity{}, m.failLocked(ReasonInvalidSignature, err)
	}
	if !crypto.VerifySignature(ed25519.PublicKey(conf.AccountKey), payload, conf.Signature) {
		return identity.DeviceIdentity{}, m.failLocked(ReasonInvalidSignature, fmt.Errorf("account signature does not verify"))
	}

	// The ticket's ephemeral agreement key and signing key are promoted
	// to the device's long-term credentials.
	creds := &store.Credentials{
		Identity:       dev,
		NoiseKey:       m.ticket.Ephemeral,
		SigningKey:     m.ticket.Signing,
		RegistrationID: conf.RegistrationID,
		ServerKey:      conf.ServerKey,
	}
	if err := m.creds.Save(creds); err != nil {
		return identity.DeviceIdentity{}, m.failLocked(ReasonPersistence, err)
	}

	m.state = StatePaired
	m.paired = dev
	m.ticket = nil
	if m.stop != nil {
		m.stop()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Confirm",
		"identity": dev.String(),
	}).Info("Device paired")
	m.publish(event.PairingSuccess{Identity: dev})
	return dev, nil
}

// Reject ends the attempt after an explicit refusal from the scanning
// device.
func (m *Manager) Reject(detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingScan && m.state != StateAwaitingConfirmation {
		return
	}
	_ = m.failLocked(ReasonRejected, fmt.Errorf("%s", detail))
}

// Cancel aborts an in-flight attempt without emitting a failure event.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateAwaitingScan && m.state != StateAwaitingConfirmation {
		return
	}
	m.state = StateIdle
	m.ticket = nil
	if m.stop != nil {
		m.stop()
	}
}

// refreshLoop re-issues the QR code whenever the current ticket
// expires, up to the refresh budget.
func (m *Manager) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.state != StateAwaitingScan && m.state != StateAwaitingConfirmation {
			m.mu.Unlock()
			return
		}
		m.refreshC++
		if m.refreshC >= maxTicketRefreshes {
			_ = m.failLocked(ReasonExpired, nil)
			m.mu.Unlock()
			return
		}
		if err := m.issueTicketLocked(); err != nil {
			_ = m.failLocked(ReasonExpired, err)
			m.mu.Unlock()
			return
		}
		m.state = StateAwaitingScan
		m.mu.Unlock()
	}
}

// issueTicketLocked mints a ticket and emits its QR event. Caller holds
// m.mu.
func (m *Manager) issueTicketLocked() error {
	ticket, err := NewTicket(m.ttl)
	if err != nil {
		return &PairingError{Reason: ReasonPersistence, Err: err}
	}
	code, err := ticket.QRCode()
	if err != nil {
		return &PairingError{Reason: ReasonPersistence, Err: err}
	}

	m.ticket = ticket
	logrus.WithFields(logrus.Fields{
		"function":  "issueTicketLocked",
		"reference": ticket.Reference,
	}).Debug("Issued pairing ticket")
	m.publish(event.QRCodeGenerated{Code: code, ExpiresAt: ticket.ExpiresAt})
	return nil
}

// failLocked transitions to Failed and emits PairingFailure. Caller
// holds m.mu.
func (m *Manager) failLocked(reason Reason, cause error) error {
	m.state = StateFailed
	m.ticket = nil
	if m.stop != nil {
		m.stop()
	}

	err := &PairingError{Reason: reason, Err: cause}
	logrus.WithFields(logrus.Fields{
		"function": "failLocked",
		"reason":   string(reason),
		"error":    cause,
	}).Warn("Pairing attempt failed")
	m.publish(event.PairingFailure{Reason: string(reason)})
	return err
}

func (m *Manager) publish(e event.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}
