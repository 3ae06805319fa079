package audithook

// Action constants for audit events.
const (
	// Catalog actions
	ActionPlansSeeded   = "plans.seeded"
	ActionPlanActivated = "plan.activated"

	// Order actions
	ActionQuotaExceeded   = "quota.exceeded"
	ActionOrderReconciled = "order.reconciled"
	ActionOrderOverLimit  = "order.over_limit"

	// Seat actions
	ActionSeatReserved   = "seat.reserved"
	ActionSeatReleased   = "seat.released"
	ActionSeatExhausted  = "seat.exhausted"
	ActionSeatsRecounted = "seats.recounted"
)

// Resource constants for audit events.
const (
	ResourcePlan   = "plan"
	ResourceTenant = "tenant"
	ResourceOrder  = "order"
	ResourceSeat   = "seat"
)

// Category constants for audit events.
const (
	CategoryBilling = "billing"
	CategoryUsage   = "usage"
	CategoryAccess  = "access"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
