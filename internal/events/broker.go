// Package events fans installation lifecycle events out to subscribers
// and streams them to operators over a websocket.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
	"github.com/google/uuid"
)

// DefaultBuffer is the per-subscriber channel size.
const DefaultBuffer = 32

// Broker is an in-process publish/subscribe hub. Publish never blocks:
// a subscriber whose buffer is full misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]chan models.Event
	nextID int
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[int]chan models.Event),
		logger: logger,
		now:    time.Now,
	}
}

// Publish delivers e to every subscriber. ID and At are filled in when
// empty.
func (b *Broker) Publish(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if e.At.IsZero() {
		e.At = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				slog.Int("subscriber", id),
				slog.String("type", string(e.Type)),
				slog.String("installation_id", e.InstallationID),
			)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// unregisters it and closes the channel; it is safe to call twice.
func (b *Broker) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
