// Package sqlite implements the Tally store on SQLite.
//
// Transactions take the write lock when they begin (_txlock=immediate), so
// writers are serialized and a busy database surfaces as tally.ErrConflict.
// SQLite has no change notifications; OrderEvents polls for uncounted
// orders.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xraph/tally/order"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/sqlstore"
)

// compile-time interface checks
var (
	_ store.Store = (*Store)(nil)
	_ order.Feed  = (*Store)(nil)
)

// Dialect is the SQLite dialect of the shared SQL store.
var Dialect = sqlstore.Dialect{
	Name:        "sqlite",
	IsConflict:  isBusy,
	IsDuplicate: isDuplicate,
}

// Store implements store.Store using SQLite.
type Store struct {
	*sqlstore.Store
	pollInterval time.Duration
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	pollInterval time.Duration
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPollInterval sets how often OrderEvents looks for uncounted orders.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// New wraps an open SQLite database. The database should be opened with
// DSN so writers take the lock up front.
func New(db *sql.DB, opts ...Option) *Store {
	o := options{pollInterval: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		Store:        sqlstore.New(db, Dialect, Migrations, o.logger),
		pollInterval: o.pollInterval,
	}
}

// Open opens the database file at path.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("tally/sqlite: open %s: %w", path, err)
	}
	return New(db, opts...), nil
}

// DSN returns the connection string for the database file at path.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL", path)
}

// OrderEvents implements order.Feed by polling.
func (s *Store) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	return s.PollOrderEvents(ctx, s.pollInterval)
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

func isDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}
