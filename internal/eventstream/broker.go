// Package eventstream fans detection events out to live subscribers and
// serves them over a server-streaming gRPC method.
package eventstream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/speed-camera/internal/camera/l5events"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 16

// Broker is an l5events.Sink that copies every event to all current
// subscribers. Publishing never blocks on a subscriber.
type Broker struct {
	mu          sync.Mutex
	subscribers map[string]chan *l5events.DetectionEvent
	closed      bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[string]chan *l5events.DetectionEvent)}
}

// Subscribe registers a new subscriber. The channel is closed by
// Unsubscribe or Close.
func (b *Broker) Subscribe() (string, <-chan *l5events.DetectionEvent) {
	id := uuid.NewString()
	ch := make(chan *l5events.DetectionEvent, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish hands ev to every subscriber with room for it.
func (b *Broker) Publish(ev *l5events.DetectionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit implements l5events.Sink.
func (b *Broker) Emit(_ context.Context, ev *l5events.DetectionEvent) error {
	b.Publish(ev)
	return nil
}

// Counts returns events published and per-subscriber drops.
func (b *Broker) Counts() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close ends every subscription. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

var _ l5events.Sink = (*Broker)(nil)
