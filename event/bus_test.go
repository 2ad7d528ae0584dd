package event

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w33ladalah/whatsandra/identity"
)

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	dev := identity.New("alice", 1, identity.ServerUser)
	published := []Event{
		Connected{Identity: dev},
		MessageReceived{From: dev, ID: "m1", Body: []byte("hi")},
		MessageAckReceived{To: dev, ID: "m1", Status: AckDelivered},
		Disconnected{Reason: ReasonRequested},
	}
	for _, e := range published {
		bus.Publish(e)
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, published, got)
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	counts := make(map[int]int)
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(func(Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}

	for i := 0; i < 10; i++ {
		bus.Publish(Error{Err: errors.New("x")})
	}
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 3; i++ {
		assert.Equal(t, 10, counts[i])
	}
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(Event) {
		panic("handler bug")
	})

	delivered := make(chan Event, 1)
	bus.Subscribe(func(e Event) {
		delivered <- e
	})

	bus.Publish(PairingFailure{Reason: "expired"})

	select {
	case e := <-delivered:
		assert.Equal(t, PairingFailure{Reason: "expired"}, e)
	case <-time.After(2 * time.Second):
		t.Fatal("second handler never ran")
	}
	bus.Close()
}

func TestBusPublishAfterClose(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(Connected{})
	bus.Close()
	bus.Publish(Connected{}) // dropped
	bus.Close()              // idempotent

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBusDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(func(Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		// Fewer events than the queue buffer: publishing must not wait
		// on the stalled handler.
		for i := 0; i < 10; i++ {
			bus.Publish(Error{Err: errors.New("queued")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow handler")
	}
	close(release)
}
