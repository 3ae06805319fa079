package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

func TestTenantModelOptionalFields(t *testing.T) {
	a := tenant.NewAccount("t1", tenant.SeatUsage{Operators: 2})
	a.PlanID = plan.Basic
	a.Version = 4

	m := toTenantModel(a)
	assert.Nil(t, m.Limits)
	assert.Nil(t, m.PlanActivatedAt)
	assert.Equal(t, "t1", m.TenantID)

	back := fromTenantModel(m)
	assert.Nil(t, back.Limits)
	assert.True(t, back.PlanRenewalAt.IsZero())
	assert.Equal(t, int64(2), back.SeatUsage.Operators)
	assert.Equal(t, int64(4), back.Version)

	renewal := time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)
	a.PlanRenewalAt = renewal
	a.Limits = &plan.Limits{OrdersPerMonth: 300}
	back = fromTenantModel(toTenantModel(a))
	require.NotNil(t, back.Limits)
	assert.Equal(t, int64(300), back.Limits.OrdersPerMonth)
	assert.True(t, back.PlanRenewalAt.Equal(renewal))
}

func TestLeaseModelWithoutExpiry(t *testing.T) {
	l := &seat.Lease{ID: id.NewSeatID(), TenantID: "t1", Bucket: seat.Admins, Role: "admin", CreatedAt: time.Now()}

	m := toLeaseModel(l)
	assert.Nil(t, m.ExpiresAt)

	back, err := fromLeaseModel(m)
	require.NoError(t, err)
	assert.Equal(t, l.ID, back.ID)
	assert.True(t, back.ExpiresAt.IsZero())

	m.ID = "not-a-seat-id"
	_, err = fromLeaseModel(m)
	assert.Error(t, err)
}

func TestUsageKey(t *testing.T) {
	assert.Equal(t, "t1/2026-03", usageKey("t1", "2026-03"))
}
