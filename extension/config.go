package extension

import "time"

// Config holds the Tally extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.tally" or "tally" keys).
type Config struct {
	// DisableRoutes prevents the HTTP handler from being built and provided.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// BasePath is the URL prefix for tally routes (default: "/tally").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// AuthSecret is the HS256 key bearer tokens are verified with. Routes
	// are not built without it.
	AuthSecret string `json:"auth_secret" mapstructure:"auth_secret" yaml:"auth_secret"`

	// AuthIssuer, when set, must match the token iss claim.
	AuthIssuer string `json:"auth_issuer" mapstructure:"auth_issuer" yaml:"auth_issuer"`

	// SeatLeaseTTL is how long a reserved seat may stay unconfirmed
	// (default: 10m).
	SeatLeaseTTL time.Duration `json:"seat_lease_ttl" mapstructure:"seat_lease_ttl" yaml:"seat_lease_ttl"`

	// SnapshotCacheTTL controls how long usage snapshots are served from
	// cache (default: 30s).
	SnapshotCacheTTL time.Duration `json:"snapshot_cache_ttl" mapstructure:"snapshot_cache_ttl" yaml:"snapshot_cache_ttl"`

	// LeaseSweep is the cron spec of the expired lease sweep
	// (default: "@every 1m"). Set DisableSweep to turn it off.
	LeaseSweep string `json:"lease_sweep" mapstructure:"lease_sweep" yaml:"lease_sweep"`

	// DisableSweep turns off the expired lease sweep.
	DisableSweep bool `json:"disable_sweep" mapstructure:"disable_sweep" yaml:"disable_sweep"`

	// DisableReconciler stops Start from consuming order events. Orders
	// written outside the enforcer are then not counted until another
	// process reconciles them.
	DisableReconciler bool `json:"disable_reconciler" mapstructure:"disable_reconciler" yaml:"disable_reconciler"`

	// SeedCatalog seeds the default plan catalog on start.
	SeedCatalog bool `json:"seed_catalog" mapstructure:"seed_catalog" yaml:"seed_catalog"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:         "/tally",
		SeatLeaseTTL:     10 * time.Minute,
		SnapshotCacheTTL: 30 * time.Second,
		LeaseSweep:       "@every 1m",
	}
}
