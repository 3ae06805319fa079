// Package plugin provides lifecycle hooks for the Tally engine. Plugins
// implement any subset of the hook interfaces below.
package plugin

import (
	"context"

	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *tally.Tally.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Catalog and plan hooks
// ──────────────────────────────────────────────────

type OnPlansSeeded interface {
	Plugin
	OnPlansSeeded(ctx context.Context, plans []*plan.Plan) error
}

type OnPlanActivated interface {
	Plugin
	OnPlanActivated(ctx context.Context, a *tenant.Activation) error
}

// ──────────────────────────────────────────────────
// Order hooks
// ──────────────────────────────────────────────────

// OnOrderReserved is called after an order slot commits. limit is -1 for
// unlimited plans.
type OnOrderReserved interface {
	Plugin
	OnOrderReserved(ctx context.Context, o *order.Order, count, limit int64) error
}

// OnQuotaExceeded is called when an order slot is refused.
type OnQuotaExceeded interface {
	Plugin
	OnQuotaExceeded(ctx context.Context, tenantID, monthKey string, used, limit int64) error
}

// OnOrderReconciled is called when an out-of-band order has been counted.
// The order's OverLimit flag tells whether it pushed the tenant past its cap.
type OnOrderReconciled interface {
	Plugin
	OnOrderReconciled(ctx context.Context, o *order.Order, count, limit int64) error
}

// ──────────────────────────────────────────────────
// Seat hooks
// ──────────────────────────────────────────────────

type OnSeatReserved interface {
	Plugin
	OnSeatReserved(ctx context.Context, g *seat.Grant) error
}

// OnSeatReleased is called for every decrement. reason is one of
// "deleted", "compensated" or "expired".
type OnSeatReleased interface {
	Plugin
	OnSeatReleased(ctx context.Context, tenantID string, bucket seat.Bucket, reason string) error
}

type OnSeatExhausted interface {
	Plugin
	OnSeatExhausted(ctx context.Context, tenantID string, bucket seat.Bucket, limit int64) error
}

type OnSeatsRecounted interface {
	Plugin
	OnSeatsRecounted(ctx context.Context, tenantID string, before, after tenant.SeatUsage) error
}

// ──────────────────────────────────────────────────
// Storage hooks
// ──────────────────────────────────────────────────

// OnTxRetried is called each time a transaction is retried after a
// conflict.
type OnTxRetried interface {
	Plugin
	OnTxRetried(ctx context.Context, op string, attempt int) error
}
