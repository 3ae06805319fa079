package tally

import (
	"context"
	"errors"

	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/usage"
)

// GetUsageSnapshot returns the tenant's plan, effective limits, current
// month usage and seat usage. Results are cached until the next write for
// the tenant or the cache TTL, whichever comes first. Writes made by other
// processes sharing the cache are only seen once the TTL runs out.
func (t *Tally) GetUsageSnapshot(ctx context.Context, tenantID string) (*snapshot.Snapshot, error) {
	if _, err := authorize(ctx, tenantID, false); err != nil {
		return nil, err
	}

	now := t.now()
	monthKey := usage.MonthKey(now)

	if cached, err := t.cache.GetCached(ctx, tenantID, monthKey); err == nil {
		return cached, nil
	} else if !errors.Is(err, snapshot.ErrMiss) {
		t.logger.Warn("snapshot cache read failed", "tenant_id", tenantID, "error", err)
	}

	gen := t.writeGen(tenantID)
	seen := gen.Load()

	acct, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var used int64
	entry, err := t.store.GetUsage(ctx, tenantID, monthKey)
	switch {
	case err == nil:
		used = entry.OrdersCount
	case !errors.Is(err, ErrUsageNotFound):
		return nil, err
	}

	limits := acct.EffectiveLimits()
	s := &snapshot.Snapshot{
		TenantID:   tenantID,
		PlanID:     acct.PlanID,
		Limits:     limits,
		HasLimits:  acct.Limits != nil,
		MonthKey:   monthKey,
		OrdersUsed: used,
		Remaining:  snapshot.Remaining(limits.OrdersPerMonth, used),
		SeatUsage:  acct.SeatUsage,
		RenewalAt:  acct.PlanRenewalAt,
		TakenAt:    now,
	}

	if gen.Load() != seen {
		return s, nil
	}
	if err := t.cache.SetCached(ctx, s, t.snapshotTTL); err != nil {
		t.logger.Warn("snapshot cache write failed", "tenant_id", tenantID, "error", err)
		return s, nil
	}
	// A write that committed while we were caching may have invalidated
	// before SetCached landed.
	if gen.Load() != seen {
		if err := t.cache.Invalidate(ctx, tenantID); err != nil {
			t.logger.Warn("snapshot cache invalidation failed", "tenant_id", tenantID, "error", err)
		}
	}
	return s, nil
}
