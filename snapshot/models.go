// Package snapshot holds the read model returned by usage snapshot queries
// and the cache contract used to serve it.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/tenant"
)

// ErrMiss is returned by caches when no fresh entry exists.
var ErrMiss = errors.New("snapshot: cache miss")

type Snapshot struct {
	TenantID   string           `json:"tenant_id"`
	PlanID     string           `json:"plan_id"`
	Limits     plan.Limits      `json:"limits"`
	HasLimits  bool             `json:"has_limits"`
	MonthKey   string           `json:"month_key"`
	OrdersUsed int64            `json:"orders_used"`
	Remaining  int64            `json:"orders_remaining"`
	SeatUsage  tenant.SeatUsage `json:"seat_usage"`
	RenewalAt  time.Time        `json:"renewal_at,omitzero"`
	TakenAt    time.Time        `json:"taken_at"`
}

// Cache stores snapshots per tenant. Implementations must treat a snapshot
// for a different month as a miss.
type Cache interface {
	GetCached(ctx context.Context, tenantID, monthKey string) (*Snapshot, error)
	SetCached(ctx context.Context, s *Snapshot, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID string) error
}

// Remaining computes how many more orders fit, or -1 when unlimited.
func Remaining(limit, used int64) int64 {
	if limit == plan.Unlimited {
		return plan.Unlimited
	}
	return max(0, limit-used)
}
