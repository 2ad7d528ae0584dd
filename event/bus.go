package event

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultQueueSize buffers published events so the I/O path never
// blocks on slow handlers.
const defaultQueueSize = 64

// Handler consumes one event. Handlers run on the bus's dispatch
// goroutine; a slow handler delays later events but never the
// connection itself.
type Handler func(Event)

// Bus delivers events to subscribed handlers in publish order. Dispatch
// runs on a single goroutine so ordering is preserved across handlers;
// a panicking handler is logged and isolated from the others.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	queue    chan Event
	done     chan struct{}
	closed   bool
}

// NewBus creates a bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		queue: make(chan Event, defaultQueueSize),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for all subsequent events.
func (b *Bus) Subscribe(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event for dispatch. Events published after Close
// are dropped.
func (b *Bus) Publish(e Event) {
	// The read lock spans the send so Close cannot close the queue
	// under a publisher.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.queue <- e:
	case <-b.done:
	}
}

// Close stops dispatch after draining already-published events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.queue {
		b.mu.RLock()
		handlers := make([]Handler, len(b.handlers))
		copy(handlers, b.handlers)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, e)
		}
	}
}

// deliver invokes one handler, containing any panic.
func (b *Bus) deliver(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "deliver",
				"event":    e.eventName(),
				"panic":    r,
			}).Error("Event handler panicked")
		}
	}()
	h(e)
}
