package tally

import (
	"errors"
	"fmt"

	"github.com/xraph/tally/seat"
)

// Sentinel errors for common failure scenarios.
var (
	// Caller errors
	ErrUnauthenticated  = errors.New("tally: unauthenticated")
	ErrPermissionDenied = errors.New("tally: permission denied")

	// Validation errors
	ErrInvalidArgument     = errors.New("tally: invalid argument")
	ErrInvalidRole         = errors.New("tally: invalid role")
	ErrInvalidBillingCycle = errors.New("tally: invalid billing cycle")
	ErrFailedPrecondition  = errors.New("tally: failed precondition")
	ErrMissingTenant       = errors.New("tally: tenant id is required")

	// Lookup errors
	ErrNotFound       = errors.New("tally: not found")
	ErrTenantNotFound = errors.New("tally: tenant has no account")
	ErrPlanNotFound   = errors.New("tally: plan not found")
	ErrUsageNotFound  = errors.New("tally: usage entry not found")
	ErrOrderNotFound  = errors.New("tally: order not found")
	ErrLeaseNotFound  = errors.New("tally: seat lease not found")
	ErrMemberNotFound = errors.New("tally: member not found")

	// Conflict errors
	ErrAlreadyExists = errors.New("tally: already exists")
	ErrLeaseExpired  = errors.New("tally: seat reservation expired before it was confirmed")

	// Store errors
	ErrConflict         = errors.New("tally: transaction conflict")
	ErrRetriesExhausted = errors.New("tally: transaction retries exhausted")
	ErrStoreClosed      = errors.New("tally: store is closed")
	ErrFeedClosed       = errors.New("tally: order feed closed")
	ErrMigrationFailed  = errors.New("tally: migration failed")
)

// QuotaExceededError is returned when a tenant has used its monthly order
// allowance.
type QuotaExceededError struct {
	TenantID string
	MonthKey string
	Used     int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tally: monthly limit of %d orders reached", e.Limit)
}

// SeatExhaustedError is returned when a seat bucket is full.
type SeatExhaustedError struct {
	TenantID string
	Bucket   seat.Bucket
	Limit    int64
}

func (e *SeatExhaustedError) Error() string {
	return fmt.Sprintf("tally: %s seat limit of %d reached", e.Bucket, e.Limit)
}

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tally: validation failed for %s: %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidArgument }

// ──────────────────────────────────────────────────
// Classification
// ──────────────────────────────────────────────────

// Code is the error taxonomy exposed at the RPC boundary.
type Code string

const (
	CodeOK                 Code = "OK"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeQuotaExceeded      Code = "QUOTA_EXCEEDED"
	CodeSeatExhausted      Code = "SEAT_EXHAUSTED"
	CodeInternal           Code = "INTERNAL"
)

// ErrorCode classifies err. Unknown errors are Internal.
func ErrorCode(err error) Code {
	var (
		quota *QuotaExceededError
		seats *SeatExhaustedError
	)

	switch {
	case err == nil:
		return CodeOK
	case errors.As(err, &quota):
		return CodeQuotaExceeded
	case errors.As(err, &seats):
		return CodeSeatExhausted
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidRole),
		errors.Is(err, ErrInvalidBillingCycle):
		return CodeInvalidArgument
	case errors.Is(err, ErrFailedPrecondition),
		errors.Is(err, ErrMissingTenant),
		errors.Is(err, ErrTenantNotFound),
		errors.Is(err, ErrLeaseExpired):
		return CodeFailedPrecondition
	case IsNotFound(err):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	default:
		return CodeInternal
	}
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPlanNotFound) ||
		errors.Is(err, ErrUsageNotFound) ||
		errors.Is(err, ErrOrderNotFound) ||
		errors.Is(err, ErrLeaseNotFound) ||
		errors.Is(err, ErrMemberNotFound)
}

// IsQuotaExceeded reports whether err refused an order slot.
func IsQuotaExceeded(err error) bool {
	var q *QuotaExceededError
	return errors.As(err, &q)
}

// IsSeatExhausted reports whether err refused a seat.
func IsSeatExhausted(err error) bool {
	var s *SeatExhaustedError
	return errors.As(err, &s)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRetriesExhausted)
}
