// Package extension provides the Forge extension adapter for Tally.
//
// It implements the forge.Extension interface to integrate Tally
// into a Forge application with DI registration and lifecycle management.
// When an auth secret is configured it also provides the tenant API as an
// http.Handler for the host to mount under BasePath. Start runs the lease
// sweep and the rescue reconciler in the background.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.tally" or "tally" keys.
package extension

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/scheduler"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "tally"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Multi-tenant quota and usage accounting"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// sweepBatch is the lease sweep batch size.
const sweepBatch = 100

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Tally as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config    Config
	engine    *tally.Tally
	store     store.Store
	feed      order.Feed
	handler   http.Handler
	logger    *slog.Logger
	registry  prometheus.Registerer
	tallyOpts []tally.Option

	stopWorkers context.CancelFunc
	workers     sync.WaitGroup
}

// New creates a new Tally Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Engine returns the underlying Tally instance.
// This is nil until Register is called.
func (e *Extension) Engine() *tally.Tally { return e.engine }

// Handler returns the tenant API mounted under BasePath, or nil when routes
// are disabled or no auth secret is configured.
func (e *Extension) Handler() http.Handler { return e.handler }

// Register implements [forge.Extension]. It loads configuration,
// initializes the tally engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = tally.New(e.store, e.buildTallyOpts()...)
	e.handler = e.buildHandler()

	if err := vessel.Provide(fapp.Container(), func() (*tally.Tally, error) {
		return e.engine, nil
	}); err != nil {
		return err
	}
	if e.handler == nil {
		return nil
	}
	return vessel.Provide(fapp.Container(), func() (http.Handler, error) {
		return e.handler, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("tally: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	if err := e.startWorkers(); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// startWorkers runs the lease sweep and the rescue reconciler in the
// background until stopBackground is called.
func (e *Extension) startWorkers() error {
	var sched *scheduler.Scheduler
	if !e.config.DisableSweep && e.config.LeaseSweep != "" {
		sched = scheduler.New(e.logger)
		if err := sched.AddLeaseSweep(e.config.LeaseSweep, e.engine, sweepBatch); err != nil {
			return err
		}
	}
	feed := e.orderFeed()

	ctx, cancel := context.WithCancel(context.Background())
	e.stopWorkers = cancel

	if sched != nil {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			_ = sched.Run(ctx)
		}()
	}
	if feed != nil {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			if err := e.engine.RunReconciler(ctx, feed); err != nil {
				e.logger.Error("rescue reconciler stopped", "error", err)
			}
		}()
	}
	return nil
}

// stopBackground cancels the background workers and waits for them.
func (e *Extension) stopBackground() {
	if e.stopWorkers == nil {
		return
	}
	e.stopWorkers()
	e.workers.Wait()
	e.stopWorkers = nil
}

// orderFeed returns the feed the reconciler consumes: the one set with
// WithOrderFeed, else the store when it streams order events.
func (e *Extension) orderFeed() order.Feed {
	if e.config.DisableReconciler {
		return nil
	}
	if e.feed != nil {
		return e.feed
	}
	if f, ok := e.store.(order.Feed); ok {
		return f
	}
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	e.stopBackground()
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("tally: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildTallyOpts constructs tally.Option values from the resolved config.
func (e *Extension) buildTallyOpts() []tally.Option {
	opts := make([]tally.Option, 0, len(e.tallyOpts)+4)
	opts = append(opts, tally.WithLogger(e.logger))

	if e.config.SeatLeaseTTL > 0 {
		opts = append(opts, tally.WithSeatLeaseTTL(e.config.SeatLeaseTTL))
	}
	if e.config.SnapshotCacheTTL > 0 {
		opts = append(opts, tally.WithSnapshotTTL(e.config.SnapshotCacheTTL))
	}
	if e.config.SeedCatalog {
		opts = append(opts, tally.WithDefaultCatalog())
	}

	// Append any pass-through tally options.
	opts = append(opts, e.tallyOpts...)

	return opts
}

func (e *Extension) buildHandler() http.Handler {
	if e.config.DisableRoutes || e.config.AuthSecret == "" {
		return nil
	}
	auth := api.NewAuthenticator([]byte(e.config.AuthSecret), e.config.AuthIssuer)
	r := mux.NewRouter()
	hopts := []api.Option{api.WithLogger(e.logger)}
	if e.registry != nil {
		hopts = append(hopts, api.WithMetrics(api.NewMetrics(e.registry)))
	}
	api.NewHandlers(e.engine, auth, hopts...).RegisterRoutes(r.PathPrefix(e.config.BasePath).Subrouter())
	return r
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("tally: configuration is required but not found in config files; " +
				"ensure 'extensions.tally' or 'tally' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("tally: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("base_path", e.config.BasePath),
		forge.F("seat_lease_ttl", e.config.SeatLeaseTTL),
		forge.F("snapshot_cache_ttl", e.config.SnapshotCacheTTL),
		forge.F("lease_sweep", e.config.LeaseSweep),
		forge.F("disable_reconciler", e.config.DisableReconciler),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.tally", "tally"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("tally: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("tally: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.SeatLeaseTTL == 0 {
		cfg.SeatLeaseTTL = defaults.SeatLeaseTTL
	}
	if cfg.SnapshotCacheTTL == 0 {
		cfg.SnapshotCacheTTL = defaults.SnapshotCacheTTL
	}
	if cfg.LeaseSweep == "" {
		cfg.LeaseSweep = defaults.LeaseSweep
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableSweep {
		yamlConfig.DisableSweep = true
	}
	if programmaticConfig.DisableReconciler {
		yamlConfig.DisableReconciler = true
	}
	if programmaticConfig.SeedCatalog {
		yamlConfig.SeedCatalog = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.AuthSecret == "" {
		yamlConfig.AuthSecret = programmaticConfig.AuthSecret
	}
	if yamlConfig.AuthIssuer == "" {
		yamlConfig.AuthIssuer = programmaticConfig.AuthIssuer
	}
	if yamlConfig.LeaseSweep == "" {
		yamlConfig.LeaseSweep = programmaticConfig.LeaseSweep
	}

	// Duration fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.SeatLeaseTTL == 0 {
		yamlConfig.SeatLeaseTTL = programmaticConfig.SeatLeaseTTL
	}
	if yamlConfig.SnapshotCacheTTL == 0 {
		yamlConfig.SnapshotCacheTTL = programmaticConfig.SnapshotCacheTTL
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}
