// Command tallyd serves the Tally tenant API and runs the rescue
// reconciler and the expired seat lease sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/tally"
	"github.com/xraph/tally/api"
	audithook "github.com/xraph/tally/audit_hook"
	"github.com/xraph/tally/bus/natsbus"
	"github.com/xraph/tally/cache/rediscache"
	"github.com/xraph/tally/config"
	"github.com/xraph/tally/identity"
	"github.com/xraph/tally/observability"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/scheduler"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
)

func main() {
	configPath := flag.String("config", "tally.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tallyd stopped", "error", err)
		os.Exit(1)
	}
}

type orderFeedStore interface {
	store.Store
	order.Feed
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (orderFeedStore, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN, sqlite.WithLogger(logger), sqlite.WithPollInterval(cfg.PollInterval))
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN, postgres.WithLogger(logger), postgres.WithPollInterval(cfg.PollInterval))
	case config.DriverMongo:
		return mongo.Connect(cfg.MongoURI, cfg.MongoDatabase, logger, mongo.WithPollInterval(cfg.PollInterval))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := append(cfg.Engine.Options(),
		tally.WithLogger(logger),
		tally.WithIdentityProvisioner(identity.NewMemory(cfg.Engine.ResetURL)),
		tally.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg, nil))),
		tally.WithPlugin(audithook.New(audithook.LogRecorder(logger), audithook.WithLogger(logger))),
	)

	if cfg.Redis.URL != "" {
		var copts []rediscache.Option
		if cfg.Redis.Prefix != "" {
			copts = append(copts, rediscache.WithPrefix(cfg.Redis.Prefix))
		}
		cache, err := rediscache.Dial(ctx, cfg.Redis.URL, copts...)
		if err != nil {
			_ = st.Close()
			return err
		}
		defer cache.Close()
		opts = append(opts, tally.WithSnapshotCache(cache, cfg.Engine.SnapshotTTL))
	}

	var feed order.Feed = st
	if cfg.NATS.Enabled {
		bus, err := natsbus.Connect(cfg.NATS.Config, logger)
		if err != nil {
			_ = st.Close()
			return err
		}
		defer bus.Close()
		feed = bus
	}

	eng := tally.New(st, opts...)
	if err := eng.Start(ctx); err != nil {
		_ = st.Close()
		return err
	}
	defer eng.Stop()

	router := mux.NewRouter()
	api.NewHandlers(eng, api.NewAuthenticator([]byte(cfg.Auth.Secret), cfg.Auth.Issuer),
		api.WithLogger(logger),
		api.WithMetrics(api.NewMetrics(reg)),
	).RegisterRoutes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return eng.RunReconciler(gctx, feed)
	})

	if cfg.Scheduler.LeaseSweep != "" {
		sched := scheduler.New(logger)
		if err := sched.AddLeaseSweep(cfg.Scheduler.LeaseSweep, eng, cfg.Scheduler.LeaseSweepBatch); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	return g.Wait()
}
