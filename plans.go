package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/types"
)

// ──────────────────────────────────────────────────
// Plan catalog
// ──────────────────────────────────────────────────

// SeedPlans merges plans into the catalog. Existing entries with the same ID
// are replaced; entries not listed are left alone.
func (t *Tally) SeedPlans(ctx context.Context, plans []*plan.Plan) error {
	for _, p := range plans {
		if strings.TrimSpace(p.ID) == "" {
			return ValidationError{Field: "id", Message: "plan id is required"}
		}
	}

	now := t.now()
	for _, p := range plans {
		if p.CreatedAt.IsZero() {
			p.Entity = types.NewEntityAt(now)
		} else {
			p.TouchAt(now)
		}
		if err := t.store.UpsertPlan(ctx, p); err != nil {
			return fmt.Errorf("tally: seed plan %q: %w", p.ID, err)
		}
	}
	t.plans.Purge()

	t.plugins.EmitPlansSeeded(ctx, plans)
	t.logger.Info("plan catalog seeded", "plans", len(plans))
	return nil
}

// GetPlan returns a catalog entry. Lookups are served from an expiring LRU.
func (t *Tally) GetPlan(ctx context.Context, planID string) (*plan.Plan, error) {
	if p, ok := t.plans.Get(planID); ok {
		return p.Clone(), nil
	}
	p, err := t.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	t.plans.Add(planID, p.Clone())
	return p, nil
}

// ListPlans returns the whole catalog.
func (t *Tally) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	return t.store.ListPlans(ctx)
}

// ──────────────────────────────────────────────────
// Plan transition
// ──────────────────────────────────────────────────

// ActivatePlan switches a tenant to a plan. The account is created on first
// activation. The limits snapshot is replaced, seat usage is kept, and the
// order ledger is not touched.
func (t *Tally) ActivatePlan(ctx context.Context, req *tenant.ActivateRequest) (*tenant.Activation, error) {
	if _, err := authorize(ctx, req.TenantID, true); err != nil {
		return nil, err
	}

	cycle, ok := plan.ParseBillingCycle(req.BillingCycle)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBillingCycle, req.BillingCycle)
	}
	if strings.TrimSpace(req.PlanID) == "" {
		return nil, ValidationError{Field: "plan_id", Message: "plan id is required"}
	}

	p, err := t.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	var act *tenant.Activation
	err = t.inTx(ctx, "activate_plan", func(ctx context.Context, tx store.Tx) error {
		now := t.now()
		created := false

		acct, err := tx.GetTenant(ctx, req.TenantID)
		switch {
		case errors.Is(err, ErrTenantNotFound):
			observed, _, err := countSeats(ctx, tx, req.TenantID, now, false)
			if err != nil {
				return err
			}
			acct = tenant.NewAccount(req.TenantID, observed)
			acct.Entity = types.NewEntityAt(now)
			created = true
		case err != nil:
			return err
		}

		before := planFields(acct)
		limits := p.Limits
		acct.PlanID = p.ID
		acct.Limits = &limits
		acct.BillingCycle = cycle
		acct.PlanActivatedAt = now
		acct.PlanRenewalAt = cycle.Next(now)
		acct.TouchAt(now)

		if err := tx.PutTenant(ctx, acct); err != nil {
			return err
		}

		changes := audit.Diff(before, planFields(acct))
		if err := tx.AppendAudit(ctx, t.auditEntry(ctx, req.TenantID, audit.ActionPlanActivated, "tenant", req.TenantID, changes)); err != nil {
			return err
		}

		act = &tenant.Activation{
			TenantID:      req.TenantID,
			PlanID:        p.ID,
			BillingCycle:  cycle,
			ActivatedAt:   acct.PlanActivatedAt,
			NextRenewalAt: acct.PlanRenewalAt,
			Created:       created,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	t.invalidate(ctx, req.TenantID)
	t.plugins.EmitPlanActivated(ctx, act)
	t.logger.Info("plan activated",
		"tenant_id", act.TenantID,
		"plan_id", act.PlanID,
		"billing_cycle", act.BillingCycle,
		"created", act.Created,
	)

	return act, nil
}

// planFields flattens the plan-related part of an account for audit diffs.
// A brand-new account has no prior values.
func planFields(a *tenant.Account) map[string]any {
	if a.PlanID == "" && a.Limits == nil {
		return nil
	}
	out := map[string]any{
		"plan_id":       a.PlanID,
		"billing_cycle": string(a.BillingCycle),
	}
	if a.Limits != nil {
		for k, v := range a.Limits.Fields() {
			out[k] = v
		}
	}
	return out
}
