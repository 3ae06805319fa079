package postgres

import (
	"context"

	"github.com/xraph/tally/store/sqlstore"
)

// Migrations is the migration group for the Tally store (PostgreSQL).
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
    orders_per_month      BIGINT NOT NULL DEFAULT 0,
    messenger_seats_max   BIGINT NOT NULL DEFAULT 0,
    operator_seats_max    BIGINT NOT NULL DEFAULT 0,
    admin_seats_max       BIGINT NOT NULL DEFAULT 0,
    concurrent_routes_max BIGINT NOT NULL DEFAULT 0,
    metadata              JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    has_limits            BOOLEAN NOT NULL DEFAULT FALSE,
    orders_per_month      BIGINT NOT NULL DEFAULT 0,
    messenger_seats_max   BIGINT NOT NULL DEFAULT 0,
    operator_seats_max    BIGINT NOT NULL DEFAULT 0,
    admin_seats_max       BIGINT NOT NULL DEFAULT 0,
    concurrent_routes_max BIGINT NOT NULL DEFAULT 0,
    seats_messengers      BIGINT NOT NULL DEFAULT 0 CHECK (seats_messengers >= 0),
    seats_operators       BIGINT NOT NULL DEFAULT 0 CHECK (seats_operators >= 0),
    seats_admins          BIGINT NOT NULL DEFAULT 0 CHECK (seats_admins >= 0),
    plan_activated_at     TIMESTAMPTZ,
    plan_renewal_at       TIMESTAMPTZ,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version               BIGINT NOT NULL DEFAULT 1
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
    orders_count BIGINT NOT NULL DEFAULT 0 CHECK (orders_count >= 0),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    version      BIGINT NOT NULL DEFAULT 1,
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
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    source           TEXT NOT NULL DEFAULT 'external',
    counted_in_usage BOOLEAN NOT NULL DEFAULT FALSE,
    over_limit       BOOLEAN NOT NULL DEFAULT FALSE,
    fields           JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tally_orders_tenant ON tally_orders (tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tally_orders_uncounted ON tally_orders (created_at) WHERE NOT counted_in_usage;
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
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tally_leases_tenant ON tally_seat_leases (tenant_id);
CREATE INDEX IF NOT EXISTS idx_tally_leases_expiry ON tally_seat_leases (expires_at) WHERE expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS tally_members (
    id           TEXT PRIMARY KEY,
    tenant_id    TEXT NOT NULL,
    identity_ref TEXT NOT NULL DEFAULT '',
    email        TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL DEFAULT '',
    bucket       TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    changes     JSONB NOT NULL DEFAULT '[]',
    at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_audit_tenant ON tally_audit (tenant_id, at);
CREATE INDEX IF NOT EXISTS idx_tally_audit_action ON tally_audit (tenant_id, action);
`)
				return err
			},
		},
		&sqlstore.Migration{
			Name:    "notify_tally_orders",
			Version: "20260301000007",
			Up: func(ctx context.Context, exec sqlstore.Executor) error {
				_, err := exec.ExecContext(ctx, `
CREATE OR REPLACE FUNCTION tally_notify_order() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('`+NotifyChannel+`', json_build_object('id', NEW.id, 'tenant_id', NEW.tenant_id)::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS tally_orders_notify ON tally_orders;
CREATE TRIGGER tally_orders_notify
    AFTER INSERT ON tally_orders
    FOR EACH ROW
    WHEN (NOT NEW.counted_in_usage)
    EXECUTE FUNCTION tally_notify_order();
`)
				return err
			},
		},
	)
}
