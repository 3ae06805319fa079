package tenant

import (
	"time"

	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/types"
)

// Account is the per-tenant quota state. Version is maintained by the
// store and guards concurrent writers.
type Account struct {
	types.Entity
	TenantID        string            `json:"tenant_id"`
	PlanID          string            `json:"plan_id"`
	BillingCycle    plan.BillingCycle `json:"billing_cycle,omitempty"`
	Limits          *plan.Limits      `json:"limits,omitempty"`
	SeatUsage       SeatUsage         `json:"seat_usage"`
	PlanActivatedAt time.Time         `json:"plan_activated_at"`
	PlanRenewalAt   time.Time         `json:"plan_renewal_at"`
	Version         int64             `json:"version"`
}

// NewAccount returns an initialized account for tenantID with the given
// observed seat usage.
func NewAccount(tenantID string, observed SeatUsage) *Account {
	return &Account{
		Entity:    types.NewEntity(),
		TenantID:  tenantID,
		SeatUsage: observed,
	}
}

// OrdersPerMonth resolves the monthly order cap, falling back to the
// per-plan default table when the account has no snapshot.
func (a *Account) OrdersPerMonth() int64 {
	if a.Limits != nil {
		return a.Limits.OrdersPerMonth
	}
	return plan.FallbackOrdersPerMonth(a.PlanID)
}

// SeatsMax resolves the seat cap for a bucket. Without a snapshot no seats
// are available.
func (a *Account) SeatsMax(b seat.Bucket) int64 {
	if a.Limits == nil {
		return 0
	}
	return a.Limits.Seats(b)
}

// EffectiveLimits returns the limits enforcement would apply right now.
func (a *Account) EffectiveLimits() plan.Limits {
	if a.Limits != nil {
		return *a.Limits
	}
	return plan.Limits{OrdersPerMonth: plan.FallbackOrdersPerMonth(a.PlanID)}
}

// SeatUsage counts occupied seats per bucket.
type SeatUsage struct {
	Messengers int64 `json:"messengers" bson:"messengers"`
	Operators  int64 `json:"operators" bson:"operators"`
	Admins     int64 `json:"admins" bson:"admins"`
}

func (u SeatUsage) Get(b seat.Bucket) int64 {
	switch b {
	case seat.Messengers:
		return u.Messengers
	case seat.Operators:
		return u.Operators
	case seat.Admins:
		return u.Admins
	default:
		return 0
	}
}

// Add adjusts the bucket by delta. Counters never go below zero.
func (u *SeatUsage) Add(b seat.Bucket, delta int64) {
	p := u.ptr(b)
	if p == nil {
		return
	}
	*p = max(0, *p+delta)
}

func (u *SeatUsage) ptr(b seat.Bucket) *int64 {
	switch b {
	case seat.Messengers:
		return &u.Messengers
	case seat.Operators:
		return &u.Operators
	case seat.Admins:
		return &u.Admins
	default:
		return nil
	}
}

type ActivateRequest struct {
	TenantID     string `json:"tenant_id"`
	PlanID       string `json:"plan_id"`
	BillingCycle string `json:"billing_cycle"`
}

type Activation struct {
	TenantID      string            `json:"tenant_id"`
	PlanID        string            `json:"plan_id"`
	BillingCycle  plan.BillingCycle `json:"billing_cycle"`
	ActivatedAt   time.Time         `json:"activated_at"`
	NextRenewalAt time.Time         `json:"next_renewal_at"`
	Created       bool              `json:"created"`
}
