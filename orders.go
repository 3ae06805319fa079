package tally

import (
	"context"
	"errors"
	"maps"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/usage"
)

// ReserveOrderSlot admits one order for the tenant in the month of req.At
// (now when zero). The ledger increment, the order record and its audit
// entry commit together. A full month yields *QuotaExceededError and writes
// nothing.
func (t *Tally) ReserveOrderSlot(ctx context.Context, req *order.Request) (*order.Order, error) {
	if _, err := authorize(ctx, req.TenantID, false); err != nil {
		return nil, err
	}

	at := req.At
	if at.IsZero() {
		at = t.now()
	}
	at = at.UTC()
	monthKey := usage.MonthKey(at)

	var (
		created      *order.Order
		count, limit int64
	)
	err := t.inTx(ctx, "reserve_order_slot", func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.GetTenant(ctx, req.TenantID)
		if err != nil {
			return err
		}
		limit = acct.OrdersPerMonth()

		entry, err := t.usageEntry(ctx, tx, req.TenantID, monthKey)
		if err != nil {
			return err
		}
		if !plan.Admits(limit, entry.OrdersCount) {
			return &QuotaExceededError{
				TenantID: req.TenantID,
				MonthKey: monthKey,
				Used:     entry.OrdersCount,
				Limit:    limit,
			}
		}

		entry.OrdersCount++
		entry.UpdatedAt = t.now()
		if err := tx.PutUsage(ctx, entry); err != nil {
			return err
		}

		o := &order.Order{
			ID:             id.NewOrderID(),
			TenantID:       req.TenantID,
			CreatedAt:      at,
			Source:         order.SourceEnforcer,
			CountedInUsage: true,
			Fields:         maps.Clone(req.Fields),
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			return err
		}

		changes := audit.Diff(nil, o.AuditFields())
		if err := tx.AppendAudit(ctx, t.auditEntry(ctx, req.TenantID, audit.ActionOrderCreated, "order", o.ID.String(), changes)); err != nil {
			return err
		}

		created, count = o, entry.OrdersCount
		return nil
	})
	if err != nil {
		var q *QuotaExceededError
		if errors.As(err, &q) {
			t.plugins.EmitQuotaExceeded(ctx, q.TenantID, q.MonthKey, q.Used, q.Limit)
			t.logger.Info("order quota exceeded",
				"tenant_id", q.TenantID,
				"month_key", q.MonthKey,
				"limit", q.Limit,
			)
		}
		return nil, err
	}

	t.invalidate(ctx, req.TenantID)
	t.plugins.EmitOrderReserved(ctx, created, count, limit)
	t.logger.Debug("order slot reserved",
		"tenant_id", req.TenantID,
		"order_id", created.ID.String(),
		"month_key", monthKey,
		"count", count,
		"limit", limit,
	)

	return created, nil
}

// ListOrders returns a tenant's orders.
func (t *Tally) ListOrders(ctx context.Context, tenantID string, opts order.ListOpts) ([]*order.Order, error) {
	if _, err := authorize(ctx, tenantID, false); err != nil {
		return nil, err
	}
	return t.store.ListOrders(ctx, tenantID, opts)
}

// ListAudit returns a tenant's audit trail. Only admins may read it.
func (t *Tally) ListAudit(ctx context.Context, tenantID string, opts audit.ListOpts) ([]*audit.Entry, error) {
	if _, err := authorize(ctx, tenantID, true); err != nil {
		return nil, err
	}
	return t.store.ListAudit(ctx, tenantID, opts)
}
