package extension

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/tally"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Option configures the Tally Forge extension.
type Option func(*Extension)

// WithStore sets the store for the tally engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithOrderFeed sets the feed the rescue reconciler consumes, such as a
// natsbus.Bus. Without it the store is used when it implements order.Feed.
func WithOrderFeed(f order.Feed) Option {
	return func(e *Extension) { e.feed = f }
}

// WithLogger sets the logger used by the engine, the API handlers and the
// background workers. It defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// WithRegisterer registers API request metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Extension) { e.registry = reg }
}

// WithTallyOption passes a tally.Option through to the underlying engine.
func WithTallyOption(opt tally.Option) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, opt)
	}
}

// WithPlugin registers a tally plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.tallyOpts = append(e.tallyOpts, tally.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableRoutes prevents the HTTP handler from being built.
func WithDisableRoutes() Option {
	return func(e *Extension) { e.config.DisableRoutes = true }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithBasePath sets the URL prefix for tally routes.
func WithBasePath(path string) Option {
	return func(e *Extension) { e.config.BasePath = path }
}

// WithAuth sets the bearer token secret and expected issuer.
func WithAuth(secret, issuer string) Option {
	return func(e *Extension) {
		e.config.AuthSecret = secret
		e.config.AuthIssuer = issuer
	}
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithSeatLeaseTTL sets how long a reserved seat may stay unconfirmed.
func WithSeatLeaseTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.SeatLeaseTTL = d }
}

// WithSnapshotCacheTTL sets how long usage snapshots are cached.
func WithSnapshotCacheTTL(d time.Duration) Option {
	return func(e *Extension) { e.config.SnapshotCacheTTL = d }
}

// WithLeaseSweep sets the cron spec of the expired lease sweep.
func WithLeaseSweep(spec string) Option {
	return func(e *Extension) { e.config.LeaseSweep = spec }
}

// WithSeedCatalog seeds the default plan catalog on start.
func WithSeedCatalog() Option {
	return func(e *Extension) { e.config.SeedCatalog = true }
}

// WithDisableReconciler stops Start from running the rescue reconciler.
func WithDisableReconciler() Option {
	return func(e *Extension) { e.config.DisableReconciler = true }
}
