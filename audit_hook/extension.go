// Package audithook bridges Tally lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any audit product. Callers inject a RecorderFunc adapter at wiring time;
// LogRecorder writes events to a slog.Logger.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin            = (*Extension)(nil)
	_ plugin.OnPlansSeeded     = (*Extension)(nil)
	_ plugin.OnPlanActivated   = (*Extension)(nil)
	_ plugin.OnQuotaExceeded   = (*Extension)(nil)
	_ plugin.OnOrderReconciled = (*Extension)(nil)
	_ plugin.OnSeatReserved    = (*Extension)(nil)
	_ plugin.OnSeatReleased    = (*Extension)(nil)
	_ plugin.OnSeatExhausted   = (*Extension)(nil)
	_ plugin.OnSeatsRecounted  = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audited lifecycle event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// LogRecorder returns a Recorder that logs each event at info level, or
// warn for failures.
func LogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, ev *AuditEvent) error {
		level := slog.LevelInfo
		if ev.Outcome == OutcomeFailure {
			level = slog.LevelWarn
		}
		logger.Log(ctx, level, "audit",
			"action", ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"tenant_id", ev.TenantID,
			"severity", ev.Severity,
			"metadata", ev.Metadata,
		)
		return nil
	})
}

// Extension bridges Tally lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Catalog hooks
// ──────────────────────────────────────────────────

// OnPlansSeeded implements plugin.OnPlansSeeded.
func (e *Extension) OnPlansSeeded(ctx context.Context, plans []*plan.Plan) error {
	ids := make([]string, len(plans))
	for i, p := range plans {
		ids[i] = p.ID
	}
	return e.record(ctx, ActionPlansSeeded, SeverityInfo, OutcomeSuccess,
		ResourcePlan, "", "", CategoryBilling,
		"plans", ids,
	)
}

// OnPlanActivated implements plugin.OnPlanActivated.
func (e *Extension) OnPlanActivated(ctx context.Context, a *tenant.Activation) error {
	return e.record(ctx, ActionPlanActivated, SeverityInfo, OutcomeSuccess,
		ResourceTenant, a.TenantID, a.TenantID, CategoryBilling,
		"plan_id", a.PlanID,
		"billing_cycle", string(a.BillingCycle),
		"next_renewal_at", a.NextRenewalAt,
		"created", a.Created,
	)
}

// ──────────────────────────────────────────────────
// Order hooks
// ──────────────────────────────────────────────────

// OnQuotaExceeded implements plugin.OnQuotaExceeded.
func (e *Extension) OnQuotaExceeded(ctx context.Context, tenantID, monthKey string, used, limit int64) error {
	return e.record(ctx, ActionQuotaExceeded, SeverityWarning, OutcomeFailure,
		ResourceTenant, tenantID, tenantID, CategoryUsage,
		"month_key", monthKey,
		"used", used,
		"limit", limit,
	)
}

// OnOrderReconciled implements plugin.OnOrderReconciled. Orders that pushed
// the tenant past its cap are recorded as critical.
func (e *Extension) OnOrderReconciled(ctx context.Context, o *order.Order, count, limit int64) error {
	action, severity := ActionOrderReconciled, SeverityInfo
	if o.OverLimit {
		action, severity = ActionOrderOverLimit, SeverityCritical
	}
	return e.record(ctx, action, severity, OutcomeSuccess,
		ResourceOrder, o.ID.String(), o.TenantID, CategoryUsage,
		"count", count,
		"limit", limit,
	)
}

// ──────────────────────────────────────────────────
// Seat hooks
// ──────────────────────────────────────────────────

// OnSeatReserved implements plugin.OnSeatReserved.
func (e *Extension) OnSeatReserved(ctx context.Context, g *seat.Grant) error {
	return e.record(ctx, ActionSeatReserved, SeverityInfo, OutcomeSuccess,
		ResourceSeat, g.SeatID.String(), g.TenantID, CategoryAccess,
		"role", g.Role.Name,
		"bucket", string(g.Role.Bucket),
		"member_id", g.MemberID.String(),
	)
}

// OnSeatReleased implements plugin.OnSeatReleased.
func (e *Extension) OnSeatReleased(ctx context.Context, tenantID string, bucket seat.Bucket, reason string) error {
	return e.record(ctx, ActionSeatReleased, SeverityInfo, OutcomeSuccess,
		ResourceSeat, "", tenantID, CategoryAccess,
		"bucket", string(bucket),
		"reason", reason,
	)
}

// OnSeatExhausted implements plugin.OnSeatExhausted.
func (e *Extension) OnSeatExhausted(ctx context.Context, tenantID string, bucket seat.Bucket, limit int64) error {
	return e.record(ctx, ActionSeatExhausted, SeverityWarning, OutcomeFailure,
		ResourceSeat, "", tenantID, CategoryAccess,
		"bucket", string(bucket),
		"limit", limit,
	)
}

// OnSeatsRecounted implements plugin.OnSeatsRecounted. Only recounts that
// corrected a counter are recorded.
func (e *Extension) OnSeatsRecounted(ctx context.Context, tenantID string, before, after tenant.SeatUsage) error {
	if before == after {
		return nil
	}
	return e.record(ctx, ActionSeatsRecounted, SeverityWarning, OutcomeSuccess,
		ResourceTenant, tenantID, tenantID, CategoryAccess,
		"before", before,
		"after", after,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, tenantID, category string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		TenantID:   tenantID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
