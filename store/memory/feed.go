package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xraph/tally/order"
)

// redeliverDelay is how long a nak'd event waits before it is queued again.
const redeliverDelay = 50 * time.Millisecond

type subscriber struct {
	mu     sync.Mutex
	queue  []*order.Event
	signal chan struct{}
}

func (sub *subscriber) push(ev *order.Event) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) drain() []*order.Event {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	q := sub.queue
	sub.queue = nil
	return q
}

// delivery copies ev for this subscriber with a nak that requeues it.
func (sub *subscriber) delivery(ev *order.Event) *order.Event {
	return &order.Event{
		OrderID:  ev.OrderID,
		TenantID: ev.TenantID,
		NakFunc: func() error {
			time.AfterFunc(redeliverDelay, func() { sub.push(ev) })
			return nil
		},
	}
}

// OrderEvents implements order.Feed. Every order committed after the call,
// by the enforcer or through InsertOrder, is delivered once per subscriber.
// A nak'd event is delivered again to the same subscriber. The channel is
// closed when ctx is done.
func (s *Store) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	sub := &subscriber{signal: make(chan struct{}, 1)}

	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()

	out := make(chan *order.Event)
	go func() {
		defer func() {
			s.subMu.Lock()
			delete(s.subs, sub)
			s.subMu.Unlock()
			close(out)
		}()

		for {
			for _, ev := range sub.drain() {
				select {
				case out <- sub.delivery(ev):
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.signal:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (s *Store) publish(ev *order.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for sub := range s.subs {
		sub.push(ev)
	}
}
