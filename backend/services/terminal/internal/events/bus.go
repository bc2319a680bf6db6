package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published to the attendant UI.
const (
	TypeDeviceState    = "device.state"
	TypeDeviceFound    = "device.found"
	TypeDeviceStatus   = "device.status"
	TypeDeviceError    = "device.error"
	TypeVolume         = "sale.volume"
	TypeDraft          = "sale.draft"
	TypeWarning        = "sale.warning"
	TypeSubmitted      = "sale.submitted"
	TypeQueued         = "sale.queued"
	TypeRejected       = "sale.rejected"
	TypeFailed         = "sale.failed"
	TypeConnectivity   = "connectivity"
	TypeSyncResult     = "sync.result"
	TypeQueueDiscarded = "queue.discarded"
)

const defaultSubscriberBuf = 64

// Event is one UI notification.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Publisher is the narrow interface components publish through.
type Publisher interface {
	Publish(eventType string, data any)
}

// Bus fans events out to subscribers. A subscriber whose buffer is full loses
// the event instead of stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
	logger *zap.Logger
	now    func() time.Time
}

// NewBus builds an event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]chan Event),
		logger: logger,
		now:    time.Now,
	}
}

// Publish delivers event to every subscriber without blocking.
func (b *Bus) Publish(eventType string, data any) {
	evt := Event{Type: eventType, At: b.now().UTC(), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("dropping ui event, subscriber buffer full", zap.Uint64("subscriber", id), zap.String("type", eventType))
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func closes the channel.
// After Close the channel is returned already closed.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, defaultSubscriberBuf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
