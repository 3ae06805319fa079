// Package observability provides a metrics extension for Tally that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin            = (*MetricsExtension)(nil)
	_ plugin.OnInit            = (*MetricsExtension)(nil)
	_ plugin.OnPlansSeeded     = (*MetricsExtension)(nil)
	_ plugin.OnPlanActivated   = (*MetricsExtension)(nil)
	_ plugin.OnOrderReserved   = (*MetricsExtension)(nil)
	_ plugin.OnQuotaExceeded   = (*MetricsExtension)(nil)
	_ plugin.OnOrderReconciled = (*MetricsExtension)(nil)
	_ plugin.OnSeatReserved    = (*MetricsExtension)(nil)
	_ plugin.OnSeatReleased    = (*MetricsExtension)(nil)
	_ plugin.OnSeatExhausted   = (*MetricsExtension)(nil)
	_ plugin.OnSeatsRecounted  = (*MetricsExtension)(nil)
	_ plugin.OnTxRetried       = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Tally plugin to track quota and seat activity.
type MetricsExtension struct {
	factory MetricFactory

	// Catalog metrics
	PlansSeeded    Counter
	PlanActivated  Counter
	PlanRenewed    Counter
	PlanFirstStart Counter

	// Order metrics
	OrdersReserved   Counter
	QuotaExceeded    Counter
	OrdersReconciled Counter
	OrdersOverLimit  Counter
	QuotaUtilization Histogram

	// Seat metrics
	SeatsReserved     Counter
	SeatsReleased     Counter
	SeatsCompensated  Counter
	SeatsExpired      Counter
	SeatsExhausted    Counter
	SeatRecounts      Counter
	SeatDriftDetected Counter

	// Store metrics
	TxRetries Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use app.Metrics() in forge extensions or NewPrometheusFactory elsewhere.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PlansSeeded:    factory.Counter("tally.plan.seeded"),
		PlanActivated:  factory.Counter("tally.plan.activated"),
		PlanRenewed:    factory.Counter("tally.plan.renewed"),
		PlanFirstStart: factory.Counter("tally.plan.first_activation"),

		OrdersReserved:   factory.Counter("tally.order.reserved"),
		QuotaExceeded:    factory.Counter("tally.order.quota_exceeded"),
		OrdersReconciled: factory.Counter("tally.order.reconciled"),
		OrdersOverLimit:  factory.Counter("tally.order.over_limit"),
		QuotaUtilization: factory.Histogram("tally.order.quota_utilization"),

		SeatsReserved:     factory.Counter("tally.seat.reserved"),
		SeatsReleased:     factory.Counter("tally.seat.released"),
		SeatsCompensated:  factory.Counter("tally.seat.compensated"),
		SeatsExpired:      factory.Counter("tally.seat.expired"),
		SeatsExhausted:    factory.Counter("tally.seat.exhausted"),
		SeatRecounts:      factory.Counter("tally.seat.recounts"),
		SeatDriftDetected: factory.Counter("tally.seat.drift_detected"),

		TxRetries: factory.Counter("tally.store.tx_retries"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

// OnPlansSeeded implements plugin.OnPlansSeeded.
func (m *MetricsExtension) OnPlansSeeded(_ context.Context, plans []*plan.Plan) error {
	m.PlansSeeded.Add(float64(len(plans)))
	return nil
}

// OnPlanActivated implements plugin.OnPlanActivated.
func (m *MetricsExtension) OnPlanActivated(_ context.Context, a *tenant.Activation) error {
	m.PlanActivated.Inc()
	if a.Created {
		m.PlanFirstStart.Inc()
	} else {
		m.PlanRenewed.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Order hooks
// ──────────────────────────────────────────────────

// OnOrderReserved implements plugin.OnOrderReserved. Utilization is only
// observed for bounded plans.
func (m *MetricsExtension) OnOrderReserved(_ context.Context, _ *order.Order, count, limit int64) error {
	m.OrdersReserved.Inc()
	if limit > 0 {
		m.QuotaUtilization.Observe(float64(count) / float64(limit))
	}
	return nil
}

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (m *MetricsExtension) OnQuotaExceeded(_ context.Context, _, _ string, _, _ int64) error {
	m.QuotaExceeded.Inc()
	return nil
}

// OnOrderReconciled implements plugin.OnOrderReconciled.
func (m *MetricsExtension) OnOrderReconciled(_ context.Context, o *order.Order, _, _ int64) error {
	m.OrdersReconciled.Inc()
	if o.OverLimit {
		m.OrdersOverLimit.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Seat hooks
// ──────────────────────────────────────────────────

// OnSeatReserved implements plugin.OnSeatReserved.
func (m *MetricsExtension) OnSeatReserved(_ context.Context, _ *seat.Grant) error {
	m.SeatsReserved.Inc()
	return nil
}

// OnSeatReleased implements plugin.OnSeatReleased.
func (m *MetricsExtension) OnSeatReleased(_ context.Context, _ string, _ seat.Bucket, reason string) error {
	switch reason {
	case "compensated":
		m.SeatsCompensated.Inc()
	case "expired":
		m.SeatsExpired.Inc()
	default:
		m.SeatsReleased.Inc()
	}
	return nil
}

// OnSeatExhausted implements plugin.OnSeatExhausted.
func (m *MetricsExtension) OnSeatExhausted(_ context.Context, _ string, _ seat.Bucket, _ int64) error {
	m.SeatsExhausted.Inc()
	return nil
}

// OnSeatsRecounted implements plugin.OnSeatsRecounted.
func (m *MetricsExtension) OnSeatsRecounted(_ context.Context, _ string, before, after tenant.SeatUsage) error {
	m.SeatRecounts.Inc()
	if before != after {
		m.SeatDriftDetected.Inc()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Store hooks
// ──────────────────────────────────────────────────

// OnTxRetried implements plugin.OnTxRetried.
func (m *MetricsExtension) OnTxRetried(_ context.Context, _ string, _ int) error {
	m.TxRetries.Inc()
	return nil
}
