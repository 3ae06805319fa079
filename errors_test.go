package tally

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xraph/tally/seat"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"quota", &QuotaExceededError{Limit: 30}, CodeQuotaExceeded},
		{"wrapped quota", fmt.Errorf("reserve: %w", &QuotaExceededError{Limit: 30}), CodeQuotaExceeded},
		{"seats", &SeatExhaustedError{Bucket: seat.Operators, Limit: 4}, CodeSeatExhausted},
		{"unauthenticated", ErrUnauthenticated, CodeUnauthenticated},
		{"permission", ErrPermissionDenied, CodePermissionDenied},
		{"validation", ValidationError{Field: "email", Message: "required"}, CodeInvalidArgument},
		{"role", fmt.Errorf("%w: %q", ErrInvalidRole, "boss"), CodeInvalidArgument},
		{"cycle", ErrInvalidBillingCycle, CodeInvalidArgument},
		{"missing tenant", ErrMissingTenant, CodeFailedPrecondition},
		{"no account", ErrTenantNotFound, CodeFailedPrecondition},
		{"lease expired", ErrLeaseExpired, CodeFailedPrecondition},
		{"plan", ErrPlanNotFound, CodeNotFound},
		{"order", ErrOrderNotFound, CodeNotFound},
		{"exists", fmt.Errorf("%w: bound", ErrAlreadyExists), CodeAlreadyExists},
		{"retries", fmt.Errorf("%w: reserve_order_slot", ErrRetriesExhausted), CodeInternal},
		{"unknown", errors.New("disk on fire"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestLimitMessagesCarryTheLimit(t *testing.T) {
	assert.Equal(t, "tally: monthly limit of 30 orders reached", (&QuotaExceededError{Limit: 30}).Error())
	assert.Equal(t, "tally: admins seat limit of 1 reached", (&SeatExhaustedError{Bucket: seat.Admins, Limit: 1}).Error())
}

func TestRetriesExhaustedIsNotQuota(t *testing.T) {
	err := fmt.Errorf("%w: reserve_order_slot after 25 attempts", ErrRetriesExhausted)
	assert.False(t, IsQuotaExceeded(err))
	assert.True(t, IsRetryable(err))
}
