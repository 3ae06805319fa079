package tally

import (
	"context"
	"errors"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/usage"
)

// ReconcileResult describes what ReconcileOrder did.
type ReconcileResult struct {
	OrderID  id.OrderID
	TenantID string
	MonthKey string

	// Counted is false when the order had already been counted.
	Counted   bool
	OverLimit bool
	Count     int64
	Limit     int64
}

// ReconcileOrder counts an order that was written without going through the
// enforcer. The ledger is incremented unconditionally; an order that pushes
// the month past its limit is kept and flagged OverLimit. Orders that are
// already counted are left untouched, so redelivered notifications are
// harmless.
func (t *Tally) ReconcileOrder(ctx context.Context, orderID id.OrderID) (*ReconcileResult, error) {
	var res *ReconcileResult
	err := t.inTx(ctx, "reconcile_order", func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}

		monthKey := usage.MonthKey(o.CreatedAt)
		res = &ReconcileResult{OrderID: o.ID, TenantID: o.TenantID, MonthKey: monthKey}
		if o.CountedInUsage {
			return nil
		}

		limit := plan.FallbackOrdersPerMonth("")
		acct, err := tx.GetTenant(ctx, o.TenantID)
		switch {
		case err == nil:
			limit = acct.OrdersPerMonth()
		case !errors.Is(err, ErrTenantNotFound):
			return err
		}

		entry, err := t.usageEntry(ctx, tx, o.TenantID, monthKey)
		if err != nil {
			return err
		}
		entry.OrdersCount++
		entry.UpdatedAt = t.now()
		if err := tx.PutUsage(ctx, entry); err != nil {
			return err
		}

		before := map[string]any{"counted_in_usage": o.CountedInUsage, "over_limit": o.OverLimit}
		o.CountedInUsage = true
		if plan.Exceeds(limit, entry.OrdersCount) {
			o.OverLimit = true
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return err
		}

		after := map[string]any{"counted_in_usage": o.CountedInUsage, "over_limit": o.OverLimit}
		if err := tx.AppendAudit(ctx, t.auditEntry(ctx, o.TenantID, audit.ActionOrderReconciled, "order", o.ID.String(), audit.Diff(before, after))); err != nil {
			return err
		}

		res.Counted = true
		res.OverLimit = o.OverLimit
		res.Count = entry.OrdersCount
		res.Limit = limit
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Counted {
		t.invalidate(ctx, res.TenantID)
		t.plugins.EmitOrderReconciled(ctx, &order.Order{
			ID:             res.OrderID,
			TenantID:       res.TenantID,
			CountedInUsage: true,
			OverLimit:      res.OverLimit,
		}, res.Count, res.Limit)

		if res.OverLimit {
			t.logger.Warn("reconciled order exceeds monthly limit",
				"tenant_id", res.TenantID,
				"order_id", res.OrderID.String(),
				"month_key", res.MonthKey,
				"count", res.Count,
				"limit", res.Limit,
			)
		}
	}

	return res, nil
}

// RunReconciler consumes order notifications from feed and reconciles each
// one until ctx is done. Events are acknowledged after a successful
// reconcile and negatively acknowledged otherwise, so feeds with redelivery
// retry them.
func (t *Tally) RunReconciler(ctx context.Context, feed order.Feed) error {
	events, err := feed.OrderEvents(ctx)
	if err != nil {
		return err
	}

	ctx = WithCaller(ctx, SystemCaller("rescue-reconciler"))
	t.logger.Info("rescue reconciler started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrFeedClosed
			}
			t.handleOrderEvent(ctx, ev)
		}
	}
}

func (t *Tally) handleOrderEvent(ctx context.Context, ev *order.Event) {
	_, err := t.ReconcileOrder(ctx, ev.OrderID)
	if errors.Is(err, ErrOrderNotFound) {
		// Nothing to count, and redelivery will not make the order appear.
		t.logger.Warn("dropping event for unknown order",
			"tenant_id", ev.TenantID,
			"order_id", ev.OrderID.String(),
		)
		if terr := ev.Term(); terr != nil {
			t.logger.Warn("order event term failed", "order_id", ev.OrderID.String(), "error", terr)
		}
		return
	}
	if err != nil {
		t.logger.Error("order reconcile failed",
			"tenant_id", ev.TenantID,
			"order_id", ev.OrderID.String(),
			"error", err,
		)
		if nerr := ev.Nak(); nerr != nil {
			t.logger.Warn("order event nak failed", "order_id", ev.OrderID.String(), "error", nerr)
		}
		return
	}
	if err := ev.Ack(); err != nil {
		t.logger.Warn("order event ack failed", "order_id", ev.OrderID.String(), "error", err)
	}
}
