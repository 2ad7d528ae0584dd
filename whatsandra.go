// Package whatsandra implements a multi-device messaging client:
// end-to-end encrypted sessions over an authenticated relay connection,
// with QR-code device pairing.
//
// Example:
//
//	options := whatsandra.NewOptions()
//	options.StorePath = "whatsandra.db"
//	options.PushName = "Laptop"
//
//	client, err := whatsandra.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnQRCode(func(code string, expiresAt time.Time) {
//	    fmt.Println("Scan to pair:", code)
//	})
//
//	client.OnMessage(func(msg whatsandra.Message) {
//	    fmt.Printf("%s: %s\n", msg.From, msg.Body)
//	})
//
//	if err := client.Connect(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package whatsandra

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/w33ladalah/whatsandra/connection"
	"github.com/w33ladalah/whatsandra/event"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/pairing"
	"github.com/w33ladalah/whatsandra/prekey"
	"github.com/w33ladalah/whatsandra/ratchet"
	"github.com/w33ladalah/whatsandra/store"
	"github.com/w33ladalah/whatsandra/transport"
)

// Options contains configuration for creating a Client.
type Options struct {
	// ServerURL is the relay websocket endpoint. Ignored when Dial is
	// set.
	ServerURL string
	// Dial overrides the transport used to reach the relay. Tests and
	// embedded relays use it with in-memory pipes.
	Dial func(ctx context.Context) (transport.Transport, error)

	// StorePath is the on-disk state location. Empty keeps all state in
	// memory. A path ending in ".db" opens a SQLite store, anything
	// else a JSON file store.
	StorePath string
	// Passphrase, when non-empty, encrypts every stored value at rest.
	Passphrase string

	// Directory resolves peers' prekey bundles for session bootstrap.
	// Defaults to an empty in-process directory.
	Directory prekey.Directory

	// PushName is the display name attached to outbound messages.
	PushName string

	QRTimeout         time.Duration
	KeepaliveInterval time.Duration
	HandshakeTimeout  time.Duration
}

// NewOptions returns an Options with usable defaults.
func NewOptions() *Options {
	return &Options{
		ServerURL:         "wss://relay.example.net/v1/ws",
		QRTimeout:         pairing.DefaultTicketTTL,
		KeepaliveInterval: connection.DefaultKeepaliveInterval,
	}
}

// Message is a decrypted inbound message delivered to OnMessage.
type Message struct {
	From      identity.DeviceIdentity
	ID        string
	Timestamp time.Time
	PushName  string
	Body      []byte
}

// Ack reports a peer's acknowledgement of a message we sent.
type Ack struct {
	To     identity.DeviceIdentity
	ID     string
	Status event.AckStatus
}

// Callback types for client notifications.
type (
	MessageCallback        func(msg Message)
	AckCallback            func(ack Ack)
	ConnectedCallback      func(self identity.DeviceIdentity)
	DisconnectedCallback   func(reason event.DisconnectReason)
	QRCodeCallback         func(code string, expiresAt time.Time)
	PairingSuccessCallback func(self identity.DeviceIdentity)
	PairingFailureCallback func(reason string)
	ErrorCallback          func(err error)
)

// Client is a messaging client instance. All methods are safe for
// concurrent use.
type Client struct {
	opts *Options

	backend   store.Store
	creds     *store.CredentialStore
	sessions  *store.SessionStore
	prekeys   *store.PreKeyStore
	directory prekey.Directory

	bus  *event.Bus
	conn *connection.Manager

	callbackMu             sync.RWMutex
	messageCallback        MessageCallback
	ackCallback            AckCallback
	connectedCallback      ConnectedCallback
	disconnectedCallback   DisconnectedCallback
	qrCodeCallback         QRCodeCallback
	pairingSuccessCallback PairingSuccessCallback
	pairingFailureCallback PairingFailureCallback
	errorCallback          ErrorCallback
}

// New creates a Client from options. State is loaded from the
// configured store; a device with saved credentials reconnects without
// pairing again.
func New(options *Options) (*Client, error) {
	if options == nil {
		options = NewOptions()
	}

	backend, err := openBackend(options)
	if err != nil {
		return nil, err
	}

	directory := options.Directory
	if directory == nil {
		directory = prekey.NewStaticDirectory()
	}

	c := &Client{
		opts:      options,
		backend:   backend,
		creds:     store.NewCredentialStore(backend),
		sessions:  store.NewSessionStore(backend),
		prekeys:   store.NewPreKeyStore(backend),
		directory: directory,
		bus:       event.NewBus(),
	}

	dial := options.Dial
	if dial == nil {
		url := options.ServerURL
		dial = func(ctx context.Context) (transport.Transport, error) {
			ws := transport.NewWebSocket(url, nil)
			if err := ws.Connect(ctx); err != nil {
				return nil, err
			}
			return ws, nil
		}
	}

	conn, err := connection.NewManager(connection.Config{
		Dial:              dial,
		Credentials:       c.creds,
		Sessions:          c.sessions,
		Pairer:            pairing.NewManager(c.creds, c.bus, options.QRTimeout),
		NewCipher:         c.newCipher,
		Bus:               c.bus,
		PushName:          options.PushName,
		KeepaliveInterval: options.KeepaliveInterval,
		HandshakeTimeout:  options.HandshakeTimeout,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	c.conn = conn

	c.bus.Subscribe(c.dispatch)
	return c, nil
}

func openBackend(options *Options) (store.Store, error) {
	var backend store.Store
	if options.StorePath == "" {
		backend = store.NewMemoryStore()
	} else if strings.HasSuffix(options.StorePath, ".db") {
		s, err := store.NewSQLiteStore(options.StorePath)
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
		backend = s
	} else {
		s, err := store.NewFileStore(options.StorePath)
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
		backend = s
	}

	if options.Passphrase != "" {
		enc, err := store.NewEncryptedStore(backend, options.Passphrase)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("unlocking state store: %w", err)
		}
		backend = enc
	}
	return backend, nil
}

// newCipher wires the ratchet cipher once credentials exist, seeding
// the local prekey inventory on first use.
func (c *Client) newCipher(creds *store.Credentials) (*ratchet.Cipher, error) {
	if _, err := c.prekeys.Initialize(&creds.SigningKey); err != nil {
		return nil, err
	}
	return ratchet.NewCipher(creds.Identity, creds.NoiseKey, c.sessions, c.directory, c.prekeys)
}

// Connect starts the connection lifecycle. An unpaired device emits a
// QR code through OnQRCode; a paired one logs straight in. Connect
// returns immediately and reports progress through callbacks.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// Disconnect closes the connection and stops automatic reconnection.
// Credentials and sessions are kept; Connect resumes without pairing.
func (c *Client) Disconnect() {
	c.conn.Disconnect()
}

// Logout unlinks this device: the relay is notified, credentials and
// all ratchet sessions are destroyed. The next Connect pairs afresh.
func (c *Client) Logout() error {
	return c.conn.Logout()
}

// Close releases the client's resources. It does not log out.
func (c *Client) Close() error {
	c.conn.Disconnect()
	c.bus.Close()
	return c.backend.Close()
}

// IsConnected reports whether the client is in the Connected state.
func (c *Client) IsConnected() bool {
	return c.conn.State() == connection.StateConnected
}

// State returns the connection lifecycle state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Identity returns this device's identity, zero until paired.
func (c *Client) Identity() identity.DeviceIdentity {
	return c.conn.Identity()
}

// SendText encrypts text for the peer and queues it for delivery,
// returning the message ID used in acknowledgements.
func (c *Client) SendText(ctx context.Context, to identity.DeviceIdentity, text string) (string, error) {
	return c.conn.SendText(ctx, to, []byte(text))
}

// PreKeyBundle returns this device's bundle for publication to a prekey
// directory so peers can open sessions to it.
func (c *Client) PreKeyBundle() (*prekey.Bundle, error) {
	creds, err := c.creds.Load()
	if err != nil {
		return nil, err
	}
	if _, err := c.prekeys.Initialize(&creds.SigningKey); err != nil {
		return nil, err
	}
	return c.prekeys.Bundle(creds.Identity, creds.NoiseKey.Public, &creds.SigningKey)
}

// OnMessage sets the callback for decrypted inbound messages.
func (c *Client) OnMessage(callback MessageCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.messageCallback = callback
}

// OnAck sets the callback for message acknowledgements.
func (c *Client) OnAck(callback AckCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.ackCallback = callback
}

// OnConnected sets the callback for reaching the Connected state.
func (c *Client) OnConnected(callback ConnectedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.connectedCallback = callback
}

// OnDisconnected sets the callback for connection loss or shutdown.
func (c *Client) OnDisconnected(callback DisconnectedCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.disconnectedCallback = callback
}

// OnQRCode sets the callback for pairing QR payloads, including
// refreshes after expiry.
func (c *Client) OnQRCode(callback QRCodeCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.qrCodeCallback = callback
}

// OnPairingSuccess sets the callback for completed pairing.
func (c *Client) OnPairingSuccess(callback PairingSuccessCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.pairingSuccessCallback = callback
}

// OnPairingFailure sets the callback for failed pairing attempts.
func (c *Client) OnPairingFailure(callback PairingFailureCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.pairingFailureCallback = callback
}

// OnError sets the callback for recoverable errors, such as an
// undecryptable message being dropped.
func (c *Client) OnError(callback ErrorCallback) {
	c.callbackMu.Lock()
	defer c.callbackMu.Unlock()
	c.errorCallback = callback
}

// dispatch fans bus events out to the registered callbacks.
func (c *Client) dispatch(e event.Event) {
	c.callbackMu.RLock()
	defer c.callbackMu.RUnlock()

	switch ev := e.(type) {
	case event.MessageReceived:
		if c.messageCallback != nil {
			c.messageCallback(Message{
				From:      ev.From,
				ID:        ev.ID,
				Timestamp: ev.Timestamp,
				PushName:  ev.PushName,
				Body:      ev.Body,
			})
		}
	case event.MessageAckReceived:
		if c.ackCallback != nil {
			c.ackCallback(Ack{To: ev.To, ID: ev.ID, Status: ev.Status})
		}
	case event.Connected:
		if c.connectedCallback != nil {
			c.connectedCallback(ev.Identity)
		}
	case event.Disconnected:
		if c.disconnectedCallback != nil {
			c.disconnectedCallback(ev.Reason)
		}
	case event.QRCodeGenerated:
		if c.qrCodeCallback != nil {
			c.qrCodeCallback(ev.Code, ev.ExpiresAt)
		}
	case event.PairingSuccess:
		if c.pairingSuccessCallback != nil {
			c.pairingSuccessCallback(ev.Identity)
		}
	case event.PairingFailure:
		if c.pairingFailureCallback != nil {
			c.pairingFailureCallback(ev.Reason)
		}
	case event.Error:
		if c.errorCallback != nil {
			c.errorCallback(ev.Err)
		}
	}
}
