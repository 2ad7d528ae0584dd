package pairing

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/event"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/store"
)

func TestTicketQRRoundTrip(t *testing.T) {
	ticket, err := NewTicket(DefaultTicketTTL)
	require.NoError(t, err)

	code, err := ticket.QRCode()
	require.NoError(t, err)

	scanned, err := DecodeQR(code)
	require.NoError(t, err)
	assert.Equal(t, ticket.Reference, scanned.Reference)
	assert.Equal(t, ticket.Ephemeral.Public, scanned.EphemeralPub)
	assert.Equal(t, []byte(ticket.Signing.Public), []byte(scanned.SigningPub))
}

func TestTicketDisplayCode(t *testing.T) {
	ticket, err := NewTicket(DefaultTicketTTL)
	require.NoError(t, err)

	parts := strings.Split(ticket.DisplayCode(), ",")
	require.Len(t, parts, 3)
	assert.Equal(t, ticket.Reference, parts[0])

	eph, err := base64.StdEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Equal(t, ticket.Ephemeral.Public[:], eph)
}

func TestDecodeQRRejectsGarbage(t *testing.T) {
	_, err := DecodeQR("not base64 !!!")
	assert.ErrorIs(t, err, ErrQRMalformed)

	_, err = DecodeQR(base64.StdEncoding.EncodeToString([]byte{0x7F, 3, 'a', 'b', 'c'}))
	assert.ErrorIs(t, err, ErrQRVersion)

	// Truncated body.
	_, err = DecodeQR(base64.StdEncoding.EncodeToString([]byte{QRVersion, 3, 'a', 'b', 'c', 1, 2}))
	assert.ErrorIs(t, err, ErrQRMalformed)
}

// collectEvents subscribes a recording handler to a fresh bus.
func collectEvents(bus *event.Bus) func() []event.Event {
	var mu sync.Mutex
	var events []event.Event
	bus.Subscribe(func(e event.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return func() []event.Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]event.Event, len(events))
		copy(out, events)
		return out
	}
}

func confirmCurrentTicket(t *testing.T, m *Manager, dev identity.DeviceIdentity) (*Confirmation, *crypto.SigningKeyPair) {
	t.Helper()

	ticket := m.CurrentTicket()
	require.NotNil(t, ticket)
	code, err := ticket.QRCode()
	require.NoError(t, err)
	scanned, err := DecodeQR(code)
	require.NoError(t, err)

	accountKey, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	conf, err := BuildConfirmation(scanned, accountKey, dev, 7777, []byte{9, 9})
	require.NoError(t, err)
	return conf, accountKey
}

func TestPairingHappyPath(t *testing.T) {
	bus := event.NewBus()
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingScan, m.State())

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)
	ticket := m.CurrentTicket()

	got, err := m.Confirm(conf)
	require.NoError(t, err)
	assert.Equal(t, dev, got)
	assert.Equal(t, StatePaired, m.State())

	// Credentials were written, promoting the ticket keys.
	saved, err := creds.Load()
	require.NoError(t, err)
	assert.Equal(t, dev, saved.Identity)
	assert.Equal(t, ticket.Ephemeral, saved.NoiseKey)
	assert.Equal(t, uint32(7777), saved.RegistrationID)
	assert.Equal(t, []byte{9, 9}, saved.ServerKey)

	bus.Close()
}

func TestPairingEmitsEvents(t *testing.T) {
	bus := event.NewBus()
	snapshot := collectEvents(bus)
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)
	_, err = m.Confirm(conf)
	require.NoError(t, err)

	bus.Close()
	events := snapshot()
	require.Len(t, events, 2)
	qr, ok := events[0].(event.QRCodeGenerated)
	require.True(t, ok)
	assert.NotEmpty(t, qr.Code)
	assert.Equal(t, event.PairingSuccess{Identity: dev}, events[1])
}

func TestPairingRejectsBadSignature(t *testing.T) {
	bus := event.NewBus()
	snapshot := collectEvents(bus)
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)
	conf.Signature[0] ^= 0xFF

	_, err = m.Confirm(conf)
	require.Error(t, err)
	var pe *PairingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonInvalidSignature, pe.Reason)
	assert.Equal(t, StateFailed, m.State())

	// No credentials written.
	_, err = creds.Load()
	assert.ErrorIs(t, err, store.ErrNoCredentials)

	bus.Close()
	events := snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, event.PairingFailure{Reason: string(ReasonInvalidSignature)}, events[1])
}

func TestPairingSignatureBindsIdentity(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)

	// Swapping the assigned identity after signing must fail.
	conf.Identity = identity.New("attacker", 1, identity.ServerUser).String()
	_, err = m.Confirm(conf)
	require.Error(t, err)
	var pe *PairingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonInvalidSignature, pe.Reason)
}

func TestPairingStaleReference(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)
	conf.Reference = "someone-elses-ticket"

	_, err = m.Confirm(conf)
	var pe *PairingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ReasonReferenceMismatch, pe.Reason)
}

func TestPairingReentrantWhenPaired(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	backend := store.NewMemoryStore()
	creds := store.NewCredentialStore(backend)
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	dev := identity.New("15550001111", 5, identity.ServerUser)
	conf, _ := confirmCurrentTicket(t, m, dev)
	_, err = m.Confirm(conf)
	require.NoError(t, err)

	// Start again: no new attempt, existing identity returned.
	got, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dev, got)

	// A fresh manager over the same store also short-circuits.
	m2 := NewManager(creds, bus, time.Minute)
	got, err = m2.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dev, got)
}

func TestPairingQRRefresh(t *testing.T) {
	bus := event.NewBus()
	snapshot := collectEvents(bus)
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, 30*time.Millisecond)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	first := m.CurrentTicket()
	require.NotNil(t, first)

	// Wait for at least one refresh.
	require.Eventually(t, func() bool {
		ticket := m.CurrentTicket()
		return ticket != nil && ticket.Reference != first.Reference
	}, 2*time.Second, 10*time.Millisecond)

	// Exhaust the refresh budget.
	require.Eventually(t, func() bool {
		return m.State() == StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	bus.Close()
	events := snapshot()
	var qrCount, failCount int
	for _, e := range events {
		switch e.(type) {
		case event.QRCodeGenerated:
			qrCount++
		case event.PairingFailure:
			failCount++
		}
	}
	assert.GreaterOrEqual(t, qrCount, 2)
	assert.Equal(t, 1, failCount)
}

func TestPairingReject(t *testing.T) {
	bus := event.NewBus()
	snapshot := collectEvents(bus)
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	m.Reject("user declined on phone")
	assert.Equal(t, StateFailed, m.State())

	bus.Close()
	events := snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, event.PairingFailure{Reason: string(ReasonRejected)}, events[1])
}

func TestPairingCancel(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	creds := store.NewCredentialStore(store.NewMemoryStore())
	m := NewManager(creds, bus, time.Minute)

	_, err := m.Start(context.Background())
	require.NoError(t, err)

	m.Cancel()
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.CurrentTicket())
}
