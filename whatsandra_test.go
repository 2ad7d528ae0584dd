package whatsandra

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w33ladalah/whatsandra/connection"
	"github.com/w33ladalah/whatsandra/crypto"
	"github.com/w33ladalah/whatsandra/event"
	"github.com/w33ladalah/whatsandra/identity"
	"github.com/w33ladalah/whatsandra/noise"
	"github.com/w33ladalah/whatsandra/store"
	"github.com/w33ladalah/whatsandra/transport"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()
	assert.NotEmpty(t, opts.ServerURL)
	assert.Greater(t, opts.QRTimeout, time.Duration(0))
	assert.Equal(t, connection.DefaultKeepaliveInterval, opts.KeepaliveInterval)
	assert.Empty(t, opts.StorePath)
}

func TestNewClientInMemory(t *testing.T) {
	opts := NewOptions()
	client, err := New(opts)
	require.NoError(t, err)
	defer client.Close()

	assert.False(t, client.IsConnected())
	assert.Equal(t, connection.StateDisconnected, client.State())
	assert.True(t, client.Identity().IsZero())

	_, err = client.SendText(context.Background(), identity.New("x", 1, identity.ServerUser), "hi")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestNewClientFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	opts := NewOptions()
	opts.StorePath = path
	client, err := New(opts)
	require.NoError(t, err)

	dev := identity.New("15551112222", 1, identity.ServerUser)
	saveTestCredentials(t, client, dev)
	require.NoError(t, client.Close())

	// A fresh client over the same path sees the credentials.
	reopened, err := New(opts)
	require.NoError(t, err)
	defer reopened.Close()

	creds, err := reopened.creds.Load()
	require.NoError(t, err)
	assert.Equal(t, dev, creds.Identity)
}

func TestNewClientEncryptedStoreRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	opts := NewOptions()
	opts.StorePath = path
	opts.Passphrase = "correct horse"
	client, err := New(opts)
	require.NoError(t, err)
	saveTestCredentials(t, client, identity.New("15551112222", 1, identity.ServerUser))
	require.NoError(t, client.Close())

	opts.Passphrase = "wrong"
	reopened, err := New(opts)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.creds.Load()
	assert.Error(t, err)
}

func TestClientCallbackDispatch(t *testing.T) {
	client, err := New(NewOptions())
	require.NoError(t, err)
	defer client.Close()

	dev := identity.New("15553334444", 1, identity.ServerUser)

	var mu sync.Mutex
	var messages []Message
	var reasons []event.DisconnectReason
	var connected []identity.DeviceIdentity
	client.OnMessage(func(msg Message) {
		mu.Lock()
		messages = append(messages, msg)
		mu.Unlock()
	})
	client.OnDisconnected(func(reason event.DisconnectReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	client.OnConnected(func(self identity.DeviceIdentity) {
		mu.Lock()
		connected = append(connected, self)
		mu.Unlock()
	})

	client.bus.Publish(event.Connected{Identity: dev})
	client.bus.Publish(event.MessageReceived{From: dev, ID: "m1", Body: []byte("hello")})
	client.bus.Publish(event.Disconnected{Reason: event.ReasonNetworkError})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && len(reasons) == 1 && len(connected) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", messages[0].ID)
	assert.Equal(t, []byte("hello"), messages[0].Body)
	assert.Equal(t, event.ReasonNetworkError, reasons[0])
	assert.Equal(t, dev, connected[0])
}

func TestClientPreKeyBundle(t *testing.T) {
	client, err := New(NewOptions())
	require.NoError(t, err)
	defer client.Close()

	dev := identity.New("15555556666", 1, identity.ServerUser)
	saveTestCredentials(t, client, dev)

	bundle, err := client.PreKeyBundle()
	require.NoError(t, err)
	assert.Equal(t, dev, bundle.Identity)
	assert.NoError(t, bundle.Verify())
}

// TestClientConnectsOverLoopback runs the full stack against a minimal
// in-process relay: pipe transport, Noise responder, login acceptance.
func TestClientConnectsOverLoopback(t *testing.T) {
	relayKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	dial := func(_ context.Context) (transport.Transport, error) {
		client, server := transport.Pipe()
		go func() {
			defer server.Close()
			keys, err := noise.RunServer(context.Background(), server, relayKey.Private, 5*time.Second)
			if err != nil {
				return
			}
			ch, err := transport.NewSecureChannel(server, keys.Send, keys.Recv)
			if err != nil {
				return
			}
			// Accept any login, then answer pings until the client hangs up.
			frame, err := ch.Receive(context.Background())
			if err != nil {
				return
			}
			pkt, err := transport.ParsePacket(frame)
			if err != nil || pkt.Type != transport.PacketLogin {
				return
			}
			ok, _ := (&transport.Packet{Type: transport.PacketLoginOK}).Serialize()
			if err := ch.Send(ok); err != nil {
				return
			}
			for {
				frame, err := ch.Receive(context.Background())
				if err != nil {
					return
				}
				if pkt, err := transport.ParsePacket(frame); err == nil && pkt.Type == transport.PacketPing {
					pong, _ := (&transport.Packet{Type: transport.PacketPong}).Serialize()
					if err := ch.Send(pong); err != nil {
						return
					}
				}
			}
		}()
		return client, nil
	}

	opts := NewOptions()
	opts.Dial = dial
	client, err := New(opts)
	require.NoError(t, err)
	defer client.Close()

	dev := identity.New("15557778888", 2, identity.ServerUser)
	saveTestCredentialsWithServerKey(t, client, dev, relayKey.Public[:])

	require.NoError(t, client.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return client.IsConnected()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, dev, client.Identity())

	client.Disconnect()
	assert.Equal(t, connection.StateDisconnected, client.State())
}

func saveTestCredentials(t *testing.T, client *Client, dev identity.DeviceIdentity) {
	t.Helper()
	saveTestCredentialsWithServerKey(t, client, dev, nil)
}

func saveTestCredentialsWithServerKey(t *testing.T, client *Client, dev identity.DeviceIdentity, serverKey []byte) {
	t.Helper()
	noiseKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	signing, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	require.NoError(t, client.creds.Save(&store.Credentials{
		Identity:       dev,
		NoiseKey:       *noiseKey,
		SigningKey:     *signing,
		RegistrationID: 99,
		ServerKey:      serverKey,
	}))
}
