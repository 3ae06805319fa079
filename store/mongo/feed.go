package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tally/order"
)

// backlogBatch bounds how many uncounted orders one sweep delivers.
const backlogBatch = 100

type orderChange struct {
	FullDocument orderModel `bson:"fullDocument"`
}

// OrderEvents implements order.Feed with a change stream on uncounted order
// inserts. Orders already waiting when the stream opens are delivered
// first, and a sweep every poll interval delivers uncounted orders that are
// not in flight, so a nak'd event comes back on the next sweep.
func (s *Store) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.counted_in_usage", Value: false},
		}}},
	}
	stream, err := s.col(colOrders).Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: watch orders: %w", err)
	}

	inserted := make(chan orderModel)
	go func() {
		defer close(inserted)
		defer stream.Close(context.Background())

		for stream.Next(ctx) {
			var change orderChange
			if err := stream.Decode(&change); err != nil {
				s.logger.Warn("decode order change", "error", err)
				continue
			}
			select {
			case inserted <- change.FullDocument:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.logger.Error("order change stream stopped", "error", err)
		}
	}()

	out := make(chan *order.Event)
	backlog := order.NewBacklog()

	go func() {
		defer close(out)

		sweep := time.NewTicker(s.pollInterval)
		defer sweep.Stop()

		send := func(m *orderModel) bool {
			o, err := fromOrderModel(m)
			if err != nil {
				s.logger.Warn("skipping order with bad id", "id", m.ID, "error", err)
				return true
			}
			ev := backlog.Settled(o)
			if ev == nil {
				return true
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		deliverBacklog := func() bool {
			var pending []orderModel
			err := s.find(ctx, colOrders, bson.M{"counted_in_usage": false},
				options.Find().
					SetSort(bson.D{{Key: "created_at", Value: 1}}).
					SetLimit(backlogBatch), &pending)
			if err != nil {
				if ctx.Err() != nil {
					return false
				}
				s.logger.Warn("order backlog sweep failed", "error", err)
				return true
			}
			for i := range pending {
				if !send(&pending[i]) {
					return false
				}
			}
			return true
		}

		if !deliverBacklog() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-inserted:
				if !ok {
					return
				}
				if !send(&m) {
					return
				}
			case <-sweep.C:
				if !deliverBacklog() {
					return
				}
			}
		}
	}()
	return out, nil
}
