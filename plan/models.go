package plan

import (
	"maps"
	"strings"
	"time"

	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/types"
)

// Unlimited marks a limit that is never enforced.
const Unlimited int64 = -1

// Seeded catalog plan IDs.
const (
	Free       = "free"
	Basic      = "basic"
	Pro        = "pro"
	Enterprise = "enterprise"
)

type Plan struct {
	types.Entity
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Limits      Limits            `json:"limits"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type Limits struct {
	OrdersPerMonth      int64 `json:"orders_per_month" bson:"orders_per_month"`
	MessengerSeatsMax   int64 `json:"messenger_seats_max" bson:"messenger_seats_max"`
	OperatorSeatsMax    int64 `json:"operator_seats_max" bson:"operator_seats_max"`
	AdminSeatsMax       int64 `json:"admin_seats_max" bson:"admin_seats_max"`
	ConcurrentRoutesMax int64 `json:"concurrent_routes_max" bson:"concurrent_routes_max"`
}

// Seats returns the seat cap for a bucket. Unknown buckets get zero seats.
func (l Limits) Seats(b seat.Bucket) int64 {
	switch b {
	case seat.Messengers:
		return l.MessengerSeatsMax
	case seat.Operators:
		return l.OperatorSeatsMax
	case seat.Admins:
		return l.AdminSeatsMax
	default:
		return 0
	}
}

// Fields flattens the limits for audit diffs.
func (l Limits) Fields() map[string]any {
	return map[string]any{
		"orders_per_month":      l.OrdersPerMonth,
		"messenger_seats_max":   l.MessengerSeatsMax,
		"operator_seats_max":    l.OperatorSeatsMax,
		"admin_seats_max":       l.AdminSeatsMax,
		"concurrent_routes_max": l.ConcurrentRoutesMax,
	}
}

// Clone returns a copy that shares no memory with l.
func (p *Plan) Clone() *Plan {
	c := *p
	c.Metadata = maps.Clone(p.Metadata)
	return &c
}

// Admits reports whether one more unit fits under limit given the current
// usage.
func Admits(limit, used int64) bool {
	return limit == Unlimited || used < limit
}

// Exceeds reports whether count is over limit.
func Exceeds(limit, count int64) bool {
	return limit != Unlimited && count > limit
}

// ──────────────────────────────────────────────────
// Billing cycles
// ──────────────────────────────────────────────────

type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// ParseBillingCycle accepts the English and Spanish spellings. An empty
// string selects the monthly cycle.
func ParseBillingCycle(raw string) (BillingCycle, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "monthly", "mensual":
		return CycleMonthly, true
	case "annual", "anual", "yearly":
		return CycleAnnual, true
	default:
		return "", false
	}
}

// Next returns the renewal time one cycle after t.
func (c BillingCycle) Next(t time.Time) time.Time {
	if c == CycleAnnual {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// ──────────────────────────────────────────────────
// Seeded catalog
// ──────────────────────────────────────────────────

// DefaultCatalog returns the plans seeded into a fresh catalog.
func DefaultCatalog() []*Plan {
	return []*Plan{
		{
			ID:   Free,
			Name: "Free",
			Limits: Limits{
				OrdersPerMonth:      30,
				MessengerSeatsMax:   2,
				OperatorSeatsMax:    1,
				AdminSeatsMax:       1,
				ConcurrentRoutesMax: 1,
			},
		},
		{
			ID:   Basic,
			Name: "Basic",
			Limits: Limits{
				OrdersPerMonth:      300,
				MessengerSeatsMax:   5,
				OperatorSeatsMax:    2,
				AdminSeatsMax:       1,
				ConcurrentRoutesMax: 3,
			},
		},
		{
			ID:   Pro,
			Name: "Pro",
			Limits: Limits{
				OrdersPerMonth:      3000,
				MessengerSeatsMax:   25,
				OperatorSeatsMax:    10,
				AdminSeatsMax:       3,
				ConcurrentRoutesMax: 10,
			},
		},
		{
			ID:   Enterprise,
			Name: "Enterprise",
			Limits: Limits{
				OrdersPerMonth:      Unlimited,
				MessengerSeatsMax:   Unlimited,
				OperatorSeatsMax:    Unlimited,
				AdminSeatsMax:       Unlimited,
				ConcurrentRoutesMax: Unlimited,
			},
		},
	}
}

// fallbackOrders is consulted only for tenants whose account carries no
// limits snapshot.
var fallbackOrders = map[string]int64{
	Free:       30,
	Basic:      300,
	Pro:        3000,
	Enterprise: Unlimited,
}

// FallbackOrdersPerMonth returns the monthly order cap for planID when no
// snapshot is available. Unknown plans get the free cap.
func FallbackOrdersPerMonth(planID string) int64 {
	if v, ok := fallbackOrders[planID]; ok {
		return v
	}
	return fallbackOrders[Free]
}
