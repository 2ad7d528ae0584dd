package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/w33ladalah/whatsandra/event"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/noise"
	"github.com/w33ladalah/whatsandra/pairing"
	"github.com/w33ladalah/whatsandra/ratchet"
	"github.com/w33ladalah/whatsandra/store"
	"github.com/w33ladalah/whatsandra/transport"
)

const (
	// DefaultKeepaliveInterval is how often the client pings the relay
	// in the Connected state.
	DefaultKeepaliveInterval = 30 * time.Second
	// DefaultLoginTimeout bounds the login round trip.
	DefaultLoginTimeout = 15 * time.Second
	// DefaultPairingTimeout bounds one pairing wait; the pairing
	// manager's QR refresh budget runs within it.
	DefaultPairingTimeout = 3 * time.Minute

	// maxMissedPongs before the connection is declared dead.
	maxMissedPongs = 2
	// outboundQueueSize bounds the serialized send queue.
	outboundQueueSize = 32
)

var (
	// ErrNotConnected indicates a send before the connection reached
	// the Connected state.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyRunning indicates Connect on a running manager.
	ErrAlreadyRunning = errors.New("connection already running")

	// errRestart signals an internal reconnect that is not a failure,
	// such as the post-pairing relogin.
	errRestart = errors.New("restart connection")
)

// Config wires a Manager's collaborators.
type Config struct {
	// Dial opens a fresh transport for each connection attempt.
	Dial func(ctx context.Context) (transport.Transport, error)
	// Credentials is the device credential store.
	Credentials *store.CredentialStore
	// Sessions, when set, is reset on logout.
	Sessions *store.SessionStore
	// Pairer runs the QR pairing flow for unpaired devices.
	Pairer *pairing.Manager
	// NewCipher builds the message cipher once credentials exist.
	NewCipher func(creds *store.Credentials) (*ratchet.Cipher, error)
	// Bus receives lifecycle and message events.
	Bus *event.Bus

	// PushName is attached to outbound message metadata.
	PushName string

	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
	LoginTimeout      time.Duration
	PairingTimeout    time.Duration
}

// Manager owns the connection lifecycle. One reader goroutine feeds
// inbound frames through the ratchet to the event bus; one writer
// goroutine serializes all outbound traffic; the run loop drives
// reconnection with bounded backoff.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	state    State
	channel  *transport.SecureChannel
	outbound chan []byte
	cipher   *ratchet.Cipher
	self     identity.DeviceIdentity
	cancel   context.CancelFunc
	running  bool
	loggedOut bool

	missedPongs int32
	wg          sync.WaitGroup
}

// NewManager validates cfg and creates a manager in the Disconnected
// state.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, fmt.Errorf("config requires a Dial function")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("config requires a credential store")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("config requires an event bus")
	}
	if cfg.NewCipher == nil {
		return nil, fmt.Errorf("config requires a cipher factory")
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = noise.DefaultStepTimeout
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultPairingTimeout
	}
	return &Manager{cfg: cfg, state: StateDisconnected}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the paired device identity, zero until pairing or
// the first credential load.
func (m *Manager) Identity() identity.DeviceIdentity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// Connect starts the connection run loop. It returns immediately;
// progress is reported through the event bus.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.loggedOut = false
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(runCtx)
	}()
	return nil
}

// Disconnect stops the connection and any pending retry. It blocks
// until the run loop has exited.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	channel := m.channel
	m.mu.Unlock()

	cancel()
	if channel != nil {
		channel.Close()
	}
	m.wg.Wait()
}

// Logout sends the logout packet when connected, clears credentials and
// sessions, and stops the connection permanently. The device must pair
// again to reconnect.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.loggedOut = true
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected {
		pkt := &transport.Packet{Type: transport.PacketLogout}
		if raw, err := pkt.Serialize(); err == nil {
			m.enqueue(raw)
		}
		// Give the writer a moment to flush before tearing down.
		time.Sleep(50 * time.Millisecond)
	}

	if err := m.cfg.Credentials.Clear(); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	if m.cfg.Sessions != nil {
		if err := m.cfg.Sessions.Reset(); err != nil {
			return fmt.Errorf("failed to reset sessions: %w", err)
		}
	}

	m.Disconnect()
	m.mu.Lock()
	m.self = identity.DeviceIdentity{}
	m.cipher = nil
	m.mu.Unlock()
	return nil
}

// SendText encrypts body for peer and queues it for delivery,
// returning the generated message ID.
func (m *Manager) SendText(ctx context.Context, peer identity.DeviceIdentity, body []byte) (string, error) {
	m.mu.Lock()
	cipher := m.cipher
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || cipher == nil {
		return "", ErrNotConnected
	}

	msg := &messageBody{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UnixMilli(),
		PushName:  m.cfg.PushName,
		Body:      body,
	}
	plaintext, err := msg.encode()
	if err != nil {
		return "", err
	}

	env, err := cipher.Encrypt(ctx, peer, plaintext)
	if err != nil {
		return "", err
	}
	encoded, err := env.Encode()
	if err != nil {
		return "", err
	}
	raw, err := (&transport.Packet{Type: transport.PacketMessage, Data: encoded}).Serialize()
	if err != nil {
		return "", err
	}
	if !m.enqueue(raw) {
		return "", ErrNotConnected
	}
	return msg.ID, nil
}

// run is the reconnection loop: one attempt per iteration, bounded
// backoff between failures, stop on fatal failures or cancellation.
func (m *Manager) run(ctx context.Context) {
	defer func() {
		m.setState(StateDisconnected)
		m.mu.Lock()
		m.running = false
		m.channel = nil
		m.mu.Unlock()
	}()

	retry := newBackoff()
	for {
		err := m.attempt(ctx)

		if errors.Is(err, errRestart) {
			retry.reset()
			continue
		}
		if err == nil || ctx.Err() != nil {
			// The attempt emitted its own terminal Disconnected event.
			return
		}

		m.setState(StateReconnecting)
		delay := retry.next()
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"delay":    delay.String(),
			"error":    err,
		}).Info("Reconnecting after failure")

		select {
		case <-ctx.Done():
			// The failed attempt already reported its Disconnected event;
			// cancellation during the backoff wait adds nothing.
			return
		case <-time.After(delay):
		}
	}
}

// attempt performs one full connection attempt. A nil return means the
// attempt ended fatally and already emitted its terminal event; a
// non-nil return other than errRestart asks the run loop to retry.
func (m *Manager) attempt(ctx context.Context) error {
	m.setState(StateConnecting)
	t, err := m.cfg.Dial(ctx)
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return fmt.Errorf("dial failed: %w", err)
	}
	defer t.Close()

	creds, err := m.cfg.Credentials.Load()
	if errors.Is(err, store.ErrNoCredentials) {
		return m.pairAttempt(ctx, t)
	}
	if err != nil {
		m.publish(event.Error{Err: err})
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}
	return m.loginAttempt(ctx, t, creds)
}

// pairAttempt runs the handshake with the pairing ticket's key and
// waits for the signed confirmation. On success the connection restarts
// with the new credentials.
func (m *Manager) pairAttempt(ctx context.Context, t transport.Transport) error {
	if m.cfg.Pairer == nil {
		m.fail(ctx, event.ReasonCredentialsRevoked)
		return nil
	}

	if _, err := m.cfg.Pairer.Start(ctx); err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}
	// Leave no attempt dangling when this connection dies; Cancel is a
	// no-op once pairing finished either way.
	defer m.cfg.Pairer.Cancel()

	ticket := m.cfg.Pairer.CurrentTicket()
	if ticket == nil {
		m.fail(ctx, event.ReasonNetworkError)
		return fmt.Errorf("pairing produced no ticket")
	}

	// Unpaired devices cannot pin the relay key yet: trust on first
	// use, persist the observed key with the credentials.
	m.setState(StateHandshaking)
	keys, err := noise.RunClient(ctx, t, ticket.Ephemeral.Private, nil, m.cfg.HandshakeTimeout)
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	channel, err := transport.NewSecureChannel(t, keys.Send, keys.Recv)
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	m.setState(StatePairing)
	code, err := ticket.QRCode()
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}
	raw, err := (&transport.Packet{Type: transport.PacketPairRequest, Data: []byte(code)}).Serialize()
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}
	if err := channel.Send(raw); err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	pairCtx, cancel := context.WithTimeout(ctx, m.cfg.PairingTimeout)
	defer cancel()

	for {
		frame, err := channel.Receive(pairCtx)
		if err != nil {
			m.fail(ctx, event.ReasonNetworkError)
			return err
		}
		pkt, err := transport.ParsePacket(frame)
		if err != nil {
			continue
		}

		switch pkt.Type {
		case transport.PacketPairConfirm:
			conf, err := pairing.DecodeConfirmation(pkt.Data)
			if err != nil {
				m.cfg.Pairer.Reject(err.Error())
				m.fail(ctx, event.ReasonNetworkError)
				return nil
			}
			if conf.ServerKey == nil {
				conf.ServerKey = keys.PeerStatic
			}
			if _, err := m.cfg.Pairer.Confirm(conf); err != nil {
				// PairingFailure was already emitted by the manager.
				m.fail(ctx, event.ReasonNetworkError)
				return nil
			}
			// Reconnect and log in with the new credentials.
			channel.Close()
			return errRestart

		case transport.PacketPairReject:
			m.cfg.Pairer.Reject(string(pkt.Data))
			m.fail(ctx, event.ReasonCredentialsRevoked)
			return nil

		default:
			// Ignore anything else while pairing.
		}
	}
}

// loginAttempt handshakes with the device's long-term key, pins the
// relay static, authenticates, and runs the connected loops.
func (m *Manager) loginAttempt(ctx context.Context, t transport.Transport, creds *store.Credentials) error {
	m.setState(StateHandshaking)
	keys, err := noise.RunClient(ctx, t, creds.NoiseKey.Private, creds.ServerKey, m.cfg.HandshakeTimeout)
	if err != nil {
		var he *noise.HandshakeError
		if errors.As(err, &he) && he.Reason == noise.ReasonServerKeyMismatch {
			// Integrity violation: never retried silently.
			m.publish(event.Error{Err: err})
			m.fail(ctx, event.ReasonNetworkError)
			return nil
		}
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	channel, err := transport.NewSecureChannel(t, keys.Send, keys.Recv)
	if err != nil {
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	m.setState(StateAuthenticating)
	if err := m.login(ctx, channel, creds); err != nil {
		var fatal *fatalAuthError
		if errors.As(err, &fatal) {
			m.fail(ctx, event.ReasonCredentialsRevoked)
			return nil
		}
		m.fail(ctx, event.ReasonNetworkError)
		return err
	}

	cipher, err := m.ensureCipher(creds)
	if err != nil {
		m.publish(event.Error{Err: err})
		m.fail(ctx, event.ReasonNetworkError)
		return nil
	}

	m.mu.Lock()
	m.channel = channel
	m.outbound = make(chan []byte, outboundQueueSize)
	m.self = creds.Identity
	m.state = StateConnected
	outbound := m.outbound
	m.mu.Unlock()
	atomic.StoreInt32(&m.missedPongs, 0)

	m.publish(event.Connected{Identity: creds.Identity})
	logrus.WithFields(logrus.Fields{
		"function": "loginAttempt",
		"identity": creds.Identity.String(),
	}).Info("Connected")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loopWG sync.WaitGroup
	loopWG.Add(2)
	go func() {
		defer loopWG.Done()
		m.writeLoop(loopCtx, channel, outbound)
	}()
	go func() {
		defer loopWG.Done()
		m.keepaliveLoop(loopCtx, channel)
	}()

	readErr := m.readLoop(loopCtx, channel, cipher)
	cancel()
	channel.Close()
	loopWG.Wait()

	m.mu.Lock()
	m.channel = nil
	m.outbound = nil
	loggedOut := m.loggedOut
	m.mu.Unlock()

	if loggedOut {
		m.publish(event.Disconnected{Reason: event.ReasonLoggedOut})
		return nil
	}
	if ctx.Err() != nil {
		m.publish(event.Disconnected{Reason: event.ReasonRequested})
		return nil
	}
	if transport.IsDecryptFailure(readErr) {
		m.publish(event.Error{Err: readErr})
		m.publish(event.Disconnected{Reason: event.ReasonDecryptFailure})
		return readErr
	}
	m.fail(ctx, event.ReasonNetworkError)
	return readErr
}

// fatalAuthError marks login failures that must not be retried.
type fatalAuthError struct{ detail string }

func (e *fatalAuthError) Error() string { return "login rejected: " + e.detail }

// login performs the authentication round trip on a fresh channel.
func (m *Manager) login(ctx context.Context, channel *transport.SecureChannel, creds *store.Credentials) error {
	body, err := (&loginBody{
		Identity:       creds.Identity.String(),
		RegistrationID: creds.RegistrationID,
	}).encode()
	if err != nil {
		return err
	}
	raw, err := (&transport.Packet{Type: transport.PacketLogin, Data: body}).Serialize()
	if err != nil {
		return err
	}
	if err := channel.Send(raw); err != nil {
		return err
	}

	loginCtx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()

	frame, err := channel.Receive(loginCtx)
	if err != nil {
		return err
	}
	pkt, err := transport.ParsePacket(frame)
	if err != nil {
		return err
	}

	switch pkt.Type {
	case transport.PacketLoginOK:
		return nil
	case transport.PacketLoginFail:
		return &fatalAuthError{detail: string(pkt.Data)}
	default:
		return fmt.Errorf("unexpected packet type 0x%02x during login", byte(pkt.Type))
	}
}

// readLoop owns all reads from the secure channel while connected.
func (m *Manager) readLoop(ctx context.Context, channel *transport.SecureChannel, cipher *ratchet.Cipher) error {
	for {
		frame, err := channel.Receive(ctx)
		if err != nil {
			return err
		}
		pkt, err := transport.ParsePacket(frame)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"error":    err,
			}).Warn("Dropping malformed packet")
			continue
		}
		m.handlePacket(ctx, pkt, cipher)
	}
}

func (m *Manager) handlePacket(ctx context.Context, pkt *transport.Packet, cipher *ratchet.Cipher) {
	switch pkt.Type {
	case transport.PacketMessage:
		m.handleMessage(ctx, pkt.Data, cipher)

	case transport.PacketMessageAck:
		ack, err := decodeAckBody(pkt.Data)
		if err != nil {
			m.publish(event.Error{Err: err})
			return
		}
		peer, err := identity.Parse(ack.From)
		if err != nil {
			m.publish(event.Error{Err: err})
			return
		}
		m.publish(event.MessageAckReceived{To: peer, ID: ack.ID, Status: event.AckStatus(ack.Status)})

	case transport.PacketPing:
		if raw, err := (&transport.Packet{Type: transport.PacketPong}).Serialize(); err == nil {
			m.enqueue(raw)
		}

	case transport.PacketPong:
		atomic.StoreInt32(&m.missedPongs, 0)

	case transport.PacketLogout:
		// Server-side session termination.
		m.mu.Lock()
		m.loggedOut = true
		channel := m.channel
		m.mu.Unlock()
		if channel != nil {
			channel.Close()
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
			"type":     fmt.Sprintf("0x%02x", byte(pkt.Type)),
		}).Debug("Ignoring unexpected packet")
	}
}

// handleMessage decrypts one inbound envelope and dispatches it.
// Undecryptable messages are dropped and reported; they never end the
// connection.
func (m *Manager) handleMessage(ctx context.Context, data []byte, cipher *ratchet.Cipher) {
	env, err := ratchet.DecodeEnvelope(data)
	if err != nil {
		m.publish(event.Error{Err: err})
		return
	}

	sender, plaintext, err := cipher.Decrypt(ctx, env)
	if err != nil {
		m.publish(event.Error{Err: err})
		return
	}

	msg, err := decodeMessageBody(plaintext)
	if err != nil {
		m.publish(event.Error{Err: err})
		return
	}

	m.publish(event.MessageReceived{
		From:      sender,
		ID:        msg.ID,
		Timestamp: msg.time(),
		PushName:  msg.PushName,
		Body:      msg.Body,
	})

	// Delivery receipt.
	ack, err := (&ackBody{ID: msg.ID, From: m.Identity().String(), Status: string(event.AckDelivered)}).encode()
	if err != nil {
		return
	}
	if raw, err := (&transport.Packet{Type: transport.PacketMessageAck, Data: ack}).Serialize(); err == nil {
		m.enqueue(raw)
	}
}

// writeLoop serializes every outbound frame through one goroutine so
// channel sends never interleave.
func (m *Manager) writeLoop(ctx context.Context, channel *transport.SecureChannel, outbound <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-outbound:
			if !ok {
				return
			}
			if err := channel.Send(frame); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "writeLoop",
					"error":    err,
				}).Debug("Outbound send failed")
				return
			}
		}
	}
}

// keepaliveLoop pings the relay and declares the connection dead after
// consecutive missed pongs.
func (m *Manager) keepaliveLoop(ctx context.Context, channel *transport.SecureChannel) {
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if atomic.AddInt32(&m.missedPongs, 1) > maxMissedPongs {
			logrus.WithFields(logrus.Fields{
				"function": "keepaliveLoop",
			}).Warn("Keepalive timed out, closing connection")
			channel.Close()
			return
		}
		if raw, err := (&transport.Packet{Type: transport.PacketPing}).Serialize(); err == nil {
			m.enqueue(raw)
		}
	}
}

// enqueue places a serialized packet on the outbound queue. It returns
// false when not connected.
func (m *Manager) enqueue(frame []byte) bool {
	m.mu.Lock()
	outbound := m.outbound
	m.mu.Unlock()
	if outbound == nil {
		return false
	}

	select {
	case outbound <- frame:
		return true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueue",
		}).Warn("Outbound queue full, dropping frame")
		return false
	}
}

// ensureCipher builds the message cipher on first use after pairing.
func (m *Manager) ensureCipher(creds *store.Credentials) (*ratchet.Cipher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cipher != nil {
		return m.cipher, nil
	}
	cipher, err := m.cfg.NewCipher(creds)
	if err != nil {
		return nil, err
	}
	m.cipher = cipher
	return cipher, nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	old := m.state
	m.state = s
	m.mu.Unlock()
	if old != s {
		logrus.WithFields(logrus.Fields{
			"function": "setState",
			"from":     old.String(),
			"to":       s.String(),
		}).Debug("Connection state changed")
	}
}

// fail reports the terminal Disconnected event for one attempt. A
// cancellation that raced the failure is reported as requested.
func (m *Manager) fail(ctx context.Context, reason event.DisconnectReason) {
	if ctx.Err() != nil {
		reason = event.ReasonRequested
	}
	m.publish(event.Disconnected{Reason: reason})
}

func (m *Manager) publish(e event.Event) {
	if m.cfg.Bus != nil {
		m.cfg.Bus.Publish(e)
	}
}
