// Package postgres implements the Tally store on PostgreSQL.
//
// RunInTx uses SERIALIZABLE transactions; serialization failures and
// deadlocks are reported as tally.ErrConflict. Uncounted order inserts fire a
// NOTIFY that OrderEvents turns into reconciler events.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/sqlstore"
)

// NotifyChannel is the LISTEN channel for uncounted order inserts.
const NotifyChannel = "tally_orders"

// compile-time interface checks
var (
	_ store.Store = (*Store)(nil)
	_ order.Feed  = (*Store)(nil)
)

// Dialect is the PostgreSQL dialect of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:         "postgres",
	Placeholders: sqlstore.Dollar,
	TxOptions:    &sql.TxOptions{Isolation: sql.LevelSerializable},
	IsConflict:   isConflict,
	IsDuplicate:  isDuplicate,
}

// Store implements store.Store using PostgreSQL.
type Store struct {
	*sqlstore.Store
	listenDSN    string
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	listenDSN    string
	pollInterval time.Duration
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithListener enables LISTEN/NOTIFY for OrderEvents using a dedicated
// connection to dsn. Without it OrderEvents polls.
func WithListener(dsn string) Option {
	return func(o *options) { o.listenDSN = dsn }
}

// WithPollInterval sets how often OrderEvents sweeps for uncounted orders.
// With a listener the sweep catches notifications lost while disconnected.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New wraps an open PostgreSQL database.
func New(db *sql.DB, opts ...Option) *Store {
	o := options{pollInterval: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		Store:        sqlstore.New(db, Dialect, Migrations, o.logger),
		listenDSN:    o.listenDSN,
		pollInterval: o.pollInterval,
	}
}

// Open connects to dsn and listens for order notifications on it.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: open: %w", err)
	}
	return New(db, append([]Option{WithListener(dsn)}, opts...)...), nil
}

type notifyPayload struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
}

// OrderEvents implements order.Feed. It delivers the current backlog of
// uncounted orders first, then one event per notification.
func (s *Store) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	if s.listenDSN == "" {
		return s.PollOrderEvents(ctx, s.pollInterval)
	}

	logger := s.Logger()
	l := pq.NewListener(s.listenDSN, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("order listener", "event", ev, "error", err)
		}
	})
	if err := l.Listen(NotifyChannel); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("tally/postgres: listen %s: %w", NotifyChannel, err)
	}

	out := make(chan *order.Event)
	backlog := order.NewBacklog()

	go func() {
		defer close(out)
		defer l.Close()

		sweep := time.NewTicker(s.pollInterval)
		defer sweep.Stop()

		if !s.DeliverBacklog(ctx, backlog, out) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return

			case n := <-l.Notify:
				// nil after a reconnect; anything sent meanwhile is in the backlog.
				if n == nil {
					if !s.DeliverBacklog(ctx, backlog, out) {
						return
					}
					continue
				}
				ev, err := decodeNotification(n.Extra)
				if err != nil {
					logger.Warn("bad order notification", "payload", n.Extra, "error", err)
					continue
				}
				settle := backlog.Track(ev.OrderID.String())
				if settle == nil {
					continue
				}
				ev.AckFunc, ev.NakFunc = settle, settle
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}

			case <-sweep.C:
				go func() { _ = l.Ping() }()
				if !s.DeliverBacklog(ctx, backlog, out) {
					return
				}
			}
		}
	}()
	return out, nil
}

func decodeNotification(extra string) (*order.Event, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(extra), &p); err != nil {
		return nil, err
	}
	orderID, err := id.ParseOrderID(p.ID)
	if err != nil {
		return nil, err
	}
	return &order.Event{OrderID: orderID, TenantID: p.TenantID}, nil
}

func isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return true
	}
	return false
}

func isDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
