// Package config loads the tallyd daemon configuration.
//
// Values come from an optional YAML file, then from TALLY_* environment
// variables. A .env file in the working directory is read first and never
// overrides variables already set.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/xraph/tally"
	"github.com/xraph/tally/bus/natsbus"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds the daemon configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	// DSN is the sqlite path or the postgres connection string.
	DSN string `yaml:"dsn"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	// PollInterval is how often the persistent backends sweep
	// for uncounted orders.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RedisConfig enables the shared snapshot cache when URL is set.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// NATSConfig makes the reconciler consume order events from JetStream
// instead of the store.
type NATSConfig struct {
	Enabled        bool `yaml:"enabled"`
	natsbus.Config `yaml:",inline"`
}

// EngineConfig tunes the engine.
type EngineConfig struct {
	RetryMaxAttempts     int           `yaml:"retry_max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`
	RetryMaxElapsed      time.Duration `yaml:"retry_max_elapsed"`
	SeatLeaseTTL         time.Duration `yaml:"seat_lease_ttl"`
	SnapshotTTL          time.Duration `yaml:"snapshot_ttl"`
	PlanCacheSize        int           `yaml:"plan_cache_size"`
	PlanCacheTTL         time.Duration `yaml:"plan_cache_ttl"`
	SeedCatalog          bool          `yaml:"seed_catalog"`
	ResetURL             string        `yaml:"reset_url"`
}

// SchedulerConfig holds the cron specs of background jobs. An empty spec
// disables the job.
type SchedulerConfig struct {
	LeaseSweep      string `yaml:"lease_sweep"`
	LeaseSweepBatch int    `yaml:"lease_sweep_batch"`
}

// LogConfig configures the daemon logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	retry := tally.DefaultRetryPolicy()
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{Issuer: "tally"},
		Store: StoreConfig{
			Driver:        DriverSQLite,
			DSN:           "tally.db",
			MongoDatabase: "tally",
			PollInterval:  2 * time.Second,
		},
		NATS: NATSConfig{Config: natsbus.DefaultConfig()},
		Engine: EngineConfig{
			RetryMaxAttempts:     retry.MaxAttempts,
			RetryInitialInterval: retry.InitialInterval,
			RetryMaxInterval:     retry.MaxInterval,
			RetryMaxElapsed:      retry.MaxElapsed,
			SeatLeaseTTL:         10 * time.Minute,
			SnapshotTTL:          30 * time.Second,
			PlanCacheSize:        128,
			PlanCacheTTL:         5 * time.Minute,
			SeedCatalog:          true,
		},
		Scheduler: SchedulerConfig{
			LeaseSweep:      "@every 1m",
			LeaseSweepBatch: 100,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path, if any, and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTP.Addr, "TALLY_HTTP_ADDR")
	setString(&c.Auth.Secret, "TALLY_AUTH_SECRET")
	setString(&c.Auth.Issuer, "TALLY_AUTH_ISSUER")
	setString(&c.Store.Driver, "TALLY_STORE_DRIVER")
	setString(&c.Store.DSN, "TALLY_STORE_DSN")
	setString(&c.Store.MongoURI, "TALLY_MONGO_URI")
	setString(&c.Store.MongoDatabase, "TALLY_MONGO_DATABASE")
	setString(&c.Redis.URL, "TALLY_REDIS_URL")
	setString(&c.Engine.ResetURL, "TALLY_RESET_URL")
	setString(&c.Scheduler.LeaseSweep, "TALLY_LEASE_SWEEP")
	setString(&c.Log.Level, "TALLY_LOG_LEVEL")
	setString(&c.Log.Format, "TALLY_LOG_FORMAT")

	if v, ok := os.LookupEnv("TALLY_NATS_URL"); ok && v != "" {
		c.NATS.Enabled = true
		c.NATS.Servers = strings.Split(v, ",")
	}

	durations := map[string]*time.Duration{
		"TALLY_SEAT_LEASE_TTL": &c.Engine.SeatLeaseTTL,
		"TALLY_SNAPSHOT_TTL":   &c.Engine.SnapshotTTL,
		"TALLY_POLL_INTERVAL":  &c.Store.PollInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("TALLY_SEED_CATALOG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: TALLY_SEED_CATALOG: %w", err)
		}
		c.Engine.SeedCatalog = b
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for %s", c.Store.Driver)
		}
	case DriverMongo:
		if c.Store.MongoURI == "" || c.Store.MongoDatabase == "" {
			return errors.New("store.mongo_uri and store.mongo_database are required for mongo")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.PollInterval <= 0 {
		return errors.New("store.poll_interval must be positive")
	}

	if c.Engine.SeatLeaseTTL <= 0 {
		return errors.New("engine.seat_lease_ttl must be positive")
	}
	if c.Engine.SnapshotTTL < 0 || c.Engine.PlanCacheTTL < 0 {
		return errors.New("engine cache TTLs must not be negative")
	}
	if c.Engine.PlanCacheSize <= 0 {
		return errors.New("engine.plan_cache_size must be positive")
	}
	if c.Engine.RetryMaxAttempts < 0 {
		return errors.New("engine.retry_max_attempts must not be negative")
	}

	if c.Scheduler.LeaseSweep != "" {
		if _, err := cron.ParseStandard(c.Scheduler.LeaseSweep); err != nil {
			return fmt.Errorf("scheduler.lease_sweep: %w", err)
		}
		if c.Scheduler.LeaseSweepBatch <= 0 {
			return errors.New("scheduler.lease_sweep_batch must be positive")
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Options returns the engine options the configuration selects.
func (e EngineConfig) Options() []tally.Option {
	opts := []tally.Option{
		tally.WithRetryPolicy(tally.RetryPolicy{
			MaxAttempts:     e.RetryMaxAttempts,
			InitialInterval: e.RetryInitialInterval,
			MaxInterval:     e.RetryMaxInterval,
			MaxElapsed:      e.RetryMaxElapsed,
		}),
		tally.WithSeatLeaseTTL(e.SeatLeaseTTL),
		tally.WithSnapshotTTL(e.SnapshotTTL),
		tally.WithPlanCache(e.PlanCacheSize, e.PlanCacheTTL),
	}
	if e.SeedCatalog {
		opts = append(opts, tally.WithDefaultCatalog())
	}
	return opts
}

// NewLogger builds the daemon logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(l.Level) //nolint:errcheck // checked by Validate
	hopts := &slog.HandlerOptions{Level: level}
	if l.Format == "text" {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", s)
	}
	return level, nil
}
