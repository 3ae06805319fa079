package tally

import (
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/types"
)

// Re-export common types for convenience so users don't have to import the
// model packages for everyday use.

// Entity is re-exported from types package.
type Entity = types.Entity

// Limits is re-exported from plan package.
type Limits = plan.Limits

// SeatUsage is re-exported from tenant package.
type SeatUsage = tenant.SeatUsage

// Unlimited marks a limit that is never enforced.
const Unlimited = plan.Unlimited

// Re-export Entity constructor
var NewEntity = types.NewEntity
