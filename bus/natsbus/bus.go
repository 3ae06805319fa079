// Package natsbus carries order-created notifications over NATS JetStream.
//
// Writers that insert orders outside the enforcer publish with
// PublishOrderCreated. Bus implements order.Feed with a durable push
// consumer: an event is acked after a successful reconcile and nak'd on
// failure, so JetStream redelivers it after RedeliverDelay. Events for
// orders that do not exist are terminated.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
)

var _ order.Feed = (*Bus)(nil)

// Config configures the bus.
type Config struct {
	Servers       []string      `json:"servers" yaml:"servers"`
	Name          string        `json:"name" yaml:"name"`
	Stream        string        `json:"stream" yaml:"stream"`
	Subject       string        `json:"subject" yaml:"subject"`
	Durable       string        `json:"durable" yaml:"durable"`
	AckWait       time.Duration `json:"ack_wait" yaml:"ack_wait"`
	MaxAckPending int           `json:"max_ack_pending" yaml:"max_ack_pending"`
	// RedeliverDelay is how long JetStream waits before redelivering a
	// nak'd message.
	RedeliverDelay time.Duration `json:"redeliver_delay" yaml:"redeliver_delay"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		Servers:        []string{nats.DefaultURL},
		Name:           "tally",
		Stream:         "TALLY_ORDERS",
		Subject:        "tally.orders.created",
		Durable:        "tally-reconciler",
		AckWait:        30 * time.Second,
		MaxAckPending:  1024,
		RedeliverDelay: 5 * time.Second,
	}
}

func (c *Config) defaults() {
	d := DefaultConfig()
	if len(c.Servers) == 0 {
		c.Servers = d.Servers
	}
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.Stream == "" {
		c.Stream = d.Stream
	}
	if c.Subject == "" {
		c.Subject = d.Subject
	}
	if c.Durable == "" {
		c.Durable = d.Durable
	}
	if c.AckWait == 0 {
		c.AckWait = d.AckWait
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = d.MaxAckPending
	}
	if c.RedeliverDelay == 0 {
		c.RedeliverDelay = d.RedeliverDelay
	}
}

// Bus publishes and consumes order notifications.
type Bus struct {
	cfg    Config
	nc     *nats.Conn
	js     nats.JetStreamContext
	logger *slog.Logger
}

// Connect dials the configured servers and makes sure the stream exists.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg.defaults()
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","),
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: connect: %w", err)
	}

	b, err := New(nc, cfg, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an open connection and makes sure the stream exists.
func New(nc *nats.Conn, cfg Config, logger *slog.Logger) (*Bus, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("natsbus: init jetstream: %w", err)
	}
	b := &Bus{cfg: cfg, nc: nc, js: js, logger: logger}
	if err := b.ensureStream(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("natsbus: stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      b.cfg.Stream,
		Subjects:  []string{b.cfg.Subject},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("natsbus: add stream: %w", err)
	}
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// orderCreated is the message payload.
type orderCreated struct {
	OrderID  string `json:"order_id"`
	TenantID string `json:"tenant_id"`
}

func encode(o *order.Order) ([]byte, error) {
	return json.Marshal(orderCreated{OrderID: o.ID.String(), TenantID: o.TenantID})
}

func decode(data []byte) (*order.Event, error) {
	var p orderCreated
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	orderID, err := id.ParseOrderID(p.OrderID)
	if err != nil {
		return nil, err
	}
	if p.TenantID == "" {
		return nil, errors.New("natsbus: message has no tenant_id")
	}
	return &order.Event{OrderID: orderID, TenantID: p.TenantID}, nil
}

// PublishOrderCreated announces an order written outside the enforcer. The
// order ID is the message ID, so JetStream drops duplicate publishes.
func (b *Bus) PublishOrderCreated(ctx context.Context, o *order.Order) error {
	data, err := encode(o)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(b.cfg.Subject, data, nats.Context(ctx), nats.MsgId(o.ID.String())); err != nil {
		return fmt.Errorf("natsbus: publish %s: %w", o.ID, err)
	}
	return nil
}

// OrderEvents implements order.Feed. The subscription is removed and the
// channel closed when ctx is done.
func (b *Bus) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	msgs := make(chan *nats.Msg, b.cfg.MaxAckPending)
	sub, err := b.js.ChanSubscribe(b.cfg.Subject, msgs,
		nats.Durable(b.cfg.Durable),
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.MaxAckPending(b.cfg.MaxAckPending),
	)
	if err != nil {
		return nil, fmt.Errorf("natsbus: subscribe: %w", err)
	}

	out := make(chan *order.Event)
	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()

		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				ev, err := decode(m.Data)
				if err != nil {
					b.logger.Warn("dropping malformed order message", "subject", m.Subject, "error", err)
					_ = m.Term()
					continue
				}
				ev.AckFunc = func() error { return m.Ack() }
				ev.NakFunc = func() error { return m.NakWithDelay(b.cfg.RedeliverDelay) }
				ev.TermFunc = func() error { return m.Term() }

				select {
				case out <- ev:
				case <-ctx.Done():
					_ = m.Nak()
					return
				}
			}
		}
	}()
	return out, nil
}
