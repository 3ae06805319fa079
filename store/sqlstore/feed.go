package sqlstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/tally/order"
)

// backlogBatch bounds how many uncounted orders one poll delivers.
const backlogBatch = 100

// PollOrderEvents delivers an event for every uncounted order, polling every
// interval. An order is not redelivered while its event is unacknowledged;
// once acked or nacked it is delivered again on a later poll if it is still
// uncounted. The channel closes when ctx is done.
func (s *Store) PollOrderEvents(ctx context.Context, interval time.Duration) (<-chan *order.Event, error) {
	out := make(chan *order.Event)
	backlog := order.NewBacklog()

	go func() {
		defer close(out)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if !s.DeliverBacklog(ctx, backlog, out) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// DeliverBacklog sends one batch of uncounted orders to out. It returns
// false when ctx is done.
func (s *Store) DeliverBacklog(ctx context.Context, b *order.Backlog, out chan<- *order.Event) bool {
	orders, err := s.UncountedOrders(ctx, backlogBatch)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("order backlog poll failed", "dialect", s.dialect.Name, "error", err)
		return true
	}

	for _, o := range orders {
		ev := b.Settled(o)
		if ev == nil {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON[T any](raw string, dst *T) error {
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
