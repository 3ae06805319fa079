package order

import (
	"context"
	"sync"
)

// Feed streams order-created notifications, whichever path wrote the
// order. The channel is closed when ctx is done or the feed fails.
type Feed interface {
	OrderEvents(ctx context.Context) (<-chan *Event, error)
}

// Backlog tracks events handed out and not yet settled, so polling feeds
// do not deliver an order twice while a handler still holds it.
type Backlog struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewBacklog returns an empty backlog.
func NewBacklog() *Backlog {
	return &Backlog{inflight: make(map[string]struct{})}
}

// Track marks key as in flight and returns the settle function, or nil if
// key is already in flight.
func (b *Backlog) Track(key string) func() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, busy := b.inflight[key]; busy {
		return nil
	}
	b.inflight[key] = struct{}{}
	return func() error {
		b.mu.Lock()
		delete(b.inflight, key)
		b.mu.Unlock()
		return nil
	}
}

// Settled wraps o in an event whose ack and nak release its backlog entry.
// It returns nil if o is already in flight.
func (b *Backlog) Settled(o *Order) *Event {
	settle := b.Track(o.ID.String())
	if settle == nil {
		return nil
	}
	ev := NewEvent(o)
	ev.AckFunc, ev.NakFunc = settle, settle
	return ev
}
