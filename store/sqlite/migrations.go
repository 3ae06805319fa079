package sqlite

import (
	"context"

	"github.com/xraph/tally/store/sqlstore"
)

// Migrations is the migration group for the Tally store (SQLite).
//
// Time columns are declared TIMESTAMP so the driver hands them back as
// time.Time.
var Migrations = sqlstore.NewGroup("tally")

func init() {
	Migrations.MustRegister(
		&sqlstore.Migration{
			Name:    "create_tally_plans",
			Version: "20260301000001",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_plans (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    orders_per_month      INTEGER NOT NULL DEFAULT 0,
    messenger_seats_max   INTEGER NOT NULL DEFAULT 0,
    operator_seats_max    INTEGER NOT NULL DEFAULT 0,
    admin_seats_max       INTEGER NOT NULL DEFAULT 0,
    concurrent_routes_max INTEGER NOT NULL DEFAULT 0,
    metadata              TEXT NOT NULL DEFAULT '{}',
    created_at            TIMESTAMP NOT NULL,
    updated_at            TIMESTAMP NOT NULL
);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "create_tally_tenants",
			Version: "20260301000002",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_tenants (
    tenant_id             TEXT PRIMARY KEY,
    plan_id               TEXT NOT NULL DEFAULT '',
    billing_cycle         TEXT NOT NULL DEFAULT '',
    has_limits            BOOLEAN NOT NULL DEFAULT 0,
    orders_per_month      INTEGER NOT NULL DEFAULT 0,
    messenger_seats_max   INTEGER NOT NULL DEFAULT 0,
    operator_seats_max    INTEGER NOT NULL DEFAULT 0,
    admin_seats_max       INTEGER NOT NULL DEFAULT 0,
    concurrent_routes_max INTEGER NOT NULL DEFAULT 0,
    seats_messengers      INTEGER NOT NULL DEFAULT 0,
    seats_operators       INTEGER NOT NULL DEFAULT 0,
    seats_admins          INTEGER NOT NULL DEFAULT 0,
    plan_activated_at     TIMESTAMP,
    plan_renewal_at       TIMESTAMP,
    created_at            TIMESTAMP NOT NULL,
    updated_at            TIMESTAMP NOT NULL,
    version               INTEGER NOT NULL DEFAULT 1
);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "create_tally_usage",
			Version: "20260301000003",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_usage (
    tenant_id    TEXT NOT NULL,
    month_key    TEXT NOT NULL,
    orders_count INTEGER NOT NULL DEFAULT 0,
    updated_at   TIMESTAMP NOT NULL,
    version      INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (tenant_id, month_key)
);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "create_tally_orders",
			Version: "20260301000004",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_orders (
    id               TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    created_at       TIMESTAMP NOT NULL,
    source           TEXT NOT NULL DEFAULT 'external',
    counted_in_usage BOOLEAN NOT NULL DEFAULT 0,
    over_limit       BOOLEAN NOT NULL DEFAULT 0,
    fields           TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tally_orders_tenant ON tally_orders (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_orders_uncounted ON tally_orders (counted_in_usage, created_at);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "create_tally_seats",
			Version: "20260301000005",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_seat_leases (
    id         TEXT PRIMARY KEY,
    tenant_id  TEXT NOT NULL,
    bucket     TEXT NOT NULL,
    role       TEXT NOT NULL DEFAULT '',
    email      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tally_leases_tenant ON tally_seat_leases (tenant_id);
CREATE INDEX IF NOT EXISTS idx_tally_leases_expiry ON tally_seat_leases (expires_at);

CREATE TABLE IF NOT EXISTS tally_members (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    identity_ref TEXT NOT NULL DEFAULT '',
    email        TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT '',
    bucket       TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tally_members_tenant ON tally_members (tenant_id);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "create_tally_audit",
			Version: "20260301000006",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_audit (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    resource    TEXT NOT NULL DEFAULT '',
    resource_id TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT '',
    changes     TEXT NOT NULL DEFAULT '[]',
    at          TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tally_audit_tenant ON tally_audit (tenant_id, at);
`)
				return err
			},
		},
	)
}
