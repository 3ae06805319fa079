package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/identity"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/usage"
)

// Tally is the quota and usage accounting engine.
type Tally struct {
	store    store.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	identity identity.Provisioner
	cache    snapshot.Cache
	plans    *expirable.LRU[string, *plan.Plan]
	clock    func() time.Time

	// writes holds a *atomic.Uint64 per tenant, bumped after every
	// committed write, so a snapshot read that raced a write is not cached.
	writes sync.Map

	// Configuration
	retry          RetryPolicy
	seatLeaseTTL   time.Duration
	snapshotTTL    time.Duration
	planCacheSize  int
	planCacheTTL   time.Duration
	seedCatalog    bool
	compensateWait time.Duration
}

// RetryPolicy controls how conflicting transactions are retried.
type RetryPolicy struct {
	// MaxAttempts bounds the number of runs of a transaction. Zero means no
	// bound other than MaxElapsed and the context.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     25,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxElapsed:      30 * time.Second,
	}
}

// New creates a new Tally instance.
func New(s store.Store, opts ...Option) *Tally {
	t := &Tally{
		store:          s,
		plugins:        plugin.NewRegistry(),
		logger:         slog.Default(),
		clock:          time.Now,
		retry:          DefaultRetryPolicy(),
		seatLeaseTTL:   10 * time.Minute,
		snapshotTTL:    30 * time.Second,
		planCacheSize:  128,
		planCacheTTL:   5 * time.Minute,
		compensateWait: 10 * time.Second,
	}

	if c, ok := s.(snapshot.Cache); ok {
		t.cache = c
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.cache == nil {
		t.cache = nopCache{}
	}
	t.plans = expirable.NewLRU[string, *plan.Plan](t.planCacheSize, nil, t.planCacheTTL)

	return t
}

// Option configures a Tally instance.
type Option func(*Tally)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tally) {
		t.logger = logger
		t.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(t *Tally) {
		_ = t.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithIdentityProvisioner sets the identity system used by seat reservations.
func WithIdentityProvisioner(p identity.Provisioner) Option {
	return func(t *Tally) {
		t.identity = p
	}
}

// WithRetryPolicy sets the transaction retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(t *Tally) {
		t.retry = p
	}
}

// WithSeatLeaseTTL sets how long a reserved seat may stay unconfirmed before
// the sweeper releases it.
func WithSeatLeaseTTL(ttl time.Duration) Option {
	return func(t *Tally) {
		t.seatLeaseTTL = ttl
	}
}

// WithSnapshotCache sets the usage snapshot cache and its TTL.
func WithSnapshotCache(c snapshot.Cache, ttl time.Duration) Option {
	return func(t *Tally) {
		t.cache = c
		t.snapshotTTL = ttl
	}
}

// WithSnapshotTTL sets how long snapshots stay in the configured cache.
func WithSnapshotTTL(ttl time.Duration) Option {
	return func(t *Tally) {
		t.snapshotTTL = ttl
	}
}

// WithPlanCache sizes the in-process plan catalog cache.
func WithPlanCache(size int, ttl time.Duration) Option {
	return func(t *Tally) {
		t.planCacheSize = size
		t.planCacheTTL = ttl
	}
}

// WithDefaultCatalog seeds plan.DefaultCatalog on Start.
func WithDefaultCatalog() Option {
	return func(t *Tally) {
		t.seedCatalog = true
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tally) {
		t.clock = now
	}
}

// Start migrates the store, seeds the catalog if configured and initializes
// plugins.
func (t *Tally) Start(ctx context.Context) error {
	if err := t.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	if t.seedCatalog {
		if err := t.SeedPlans(ctx, plan.DefaultCatalog()); err != nil {
			return err
		}
	}

	t.plugins.EmitInit(ctx, t)

	t.logger.Info("tally started",
		"seat_lease_ttl", t.seatLeaseTTL,
		"snapshot_ttl", t.snapshotTTL,
		"max_attempts", t.retry.MaxAttempts,
	)

	return nil
}

// Stop shuts down plugins and closes the store.
func (t *Tally) Stop() error {
	t.plugins.EmitShutdown(context.Background())
	return t.store.Close()
}

// Store returns the underlying store.
func (t *Tally) Store() store.Store { return t.store }

// Plugins returns the plugin registry.
func (t *Tally) Plugins() *plugin.Registry { return t.plugins }

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// inTx runs fn in a store transaction, retrying on conflicts. Errors
// returned by fn are never retried.
func (t *Tally) inTx(ctx context.Context, op string, fn store.TxFunc) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.retry.InitialInterval
	b.MaxInterval = t.retry.MaxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(t.retry.MaxElapsed),
	}
	if t.retry.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(t.retry.MaxAttempts)))
	}

	attempt := 0
	opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
		t.plugins.EmitTxRetried(ctx, op, attempt)
		t.logger.Debug("transaction conflict, retrying",
			"op", op,
			"attempt", attempt,
			"backoff", next,
		)
	}))

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := t.store.RunInTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrConflict):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, opts...)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}

	if errors.Is(err, ErrConflict) {
		t.logger.Error("transaction retries exhausted",
			"op", op,
			"attempts", attempt,
		)
		return fmt.Errorf("%w: %s after %d attempts", ErrRetriesExhausted, op, attempt)
	}
	return err
}

// usageEntry loads the ledger entry for a month, or a fresh zero entry.
func (t *Tally) usageEntry(ctx context.Context, tx store.Tx, tenantID, monthKey string) (*usage.Entry, error) {
	e, err := tx.GetUsage(ctx, tenantID, monthKey)
	if errors.Is(err, ErrUsageNotFound) {
		return &usage.Entry{TenantID: tenantID, MonthKey: monthKey}, nil
	}
	return e, err
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (t *Tally) now() time.Time { return t.clock().UTC() }

func (t *Tally) auditEntry(ctx context.Context, tenantID, action, resource, resourceID string, changes []audit.FieldChange) *audit.Entry {
	c, _ := CallerFrom(ctx)
	return &audit.Entry{
		ID:         id.NewAuditID(),
		TenantID:   tenantID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Actor:      c.Subject,
		Changes:    changes,
		At:         t.now(),
	}
}

// invalidate drops the cached snapshot for a tenant after a write.
func (t *Tally) invalidate(ctx context.Context, tenantID string) {
	t.writeGen(tenantID).Add(1)
	if err := t.cache.Invalidate(ctx, tenantID); err != nil {
		t.logger.Warn("snapshot cache invalidation failed",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// writeGen returns the tenant's write generation counter.
func (t *Tally) writeGen(tenantID string) *atomic.Uint64 {
	if g, ok := t.writes.Load(tenantID); ok {
		return g.(*atomic.Uint64)
	}
	g, _ := t.writes.LoadOrStore(tenantID, new(atomic.Uint64))
	return g.(*atomic.Uint64)
}

// detached returns a context for compensating writes that must run even
// when the request context has been cancelled.
func (t *Tally) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.compensateWait)
}

type nopCache struct{}

func (nopCache) GetCached(context.Context, string, string) (*snapshot.Snapshot, error) {
	return nil, snapshot.ErrMiss
}

func (nopCache) SetCached(context.Context, *snapshot.Snapshot, time.Duration) error { return nil }

func (nopCache) Invalidate(context.Context, string) error { return nil }
