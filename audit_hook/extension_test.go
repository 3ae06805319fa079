package audithook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/tenant"
)

type capture struct {
	mu     sync.Mutex
	events []*AuditEvent
	err    error
}

func (c *capture) Record(_ context.Context, ev *AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return c.err
}

func TestQuotaExceededEvent(t *testing.T) {
	rec := &capture{}
	ext := New(rec)

	require.NoError(t, ext.OnQuotaExceeded(context.Background(), "t1", "2026-03", 30, 30))
	require.Len(t, rec.events, 1)

	ev := rec.events[0]
	assert.Equal(t, ActionQuotaExceeded, ev.Action)
	assert.Equal(t, OutcomeFailure, ev.Outcome)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "2026-03", ev.Metadata["month_key"])
	assert.EqualValues(t, 30, ev.Metadata["limit"])
}

func TestOverLimitOrderIsCritical(t *testing.T) {
	rec := &capture{}
	ext := New(rec)
	o := &order.Order{ID: id.NewOrderID(), TenantID: "t1"}

	require.NoError(t, ext.OnOrderReconciled(context.Background(), o, 10, 30))
	o.OverLimit = true
	require.NoError(t, ext.OnOrderReconciled(context.Background(), o, 31, 30))

	require.Len(t, rec.events, 2)
	assert.Equal(t, ActionOrderReconciled, rec.events[0].Action)
	assert.Equal(t, ActionOrderOverLimit, rec.events[1].Action)
	assert.Equal(t, SeverityCritical, rec.events[1].Severity)
	assert.Equal(t, o.ID.String(), rec.events[1].ResourceID)
}

func TestUnchangedRecountIsNotRecorded(t *testing.T) {
	rec := &capture{}
	ext := New(rec)
	u := tenant.SeatUsage{Messengers: 2}

	require.NoError(t, ext.OnSeatsRecounted(context.Background(), "t1", u, u))
	assert.Empty(t, rec.events)

	require.NoError(t, ext.OnSeatsRecounted(context.Background(), "t1", tenant.SeatUsage{Messengers: 3}, u))
	assert.Len(t, rec.events, 1)
}

func TestEnabledActions(t *testing.T) {
	rec := &capture{}
	ext := New(rec, WithEnabledActions(ActionSeatExhausted))
	ctx := context.Background()

	require.NoError(t, ext.OnSeatReleased(ctx, "t1", seat.Messengers, "deleted"))
	require.NoError(t, ext.OnSeatExhausted(ctx, "t1", seat.Messengers, 2))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "messengers", rec.events[0].Metadata["bucket"])
}

func TestDisabledActions(t *testing.T) {
	rec := &capture{}
	ext := New(rec, WithDisabledActions(ActionPlansSeeded))
	ctx := context.Background()

	require.NoError(t, ext.OnPlansSeeded(ctx, plan.DefaultCatalog()))
	require.NoError(t, ext.OnPlanActivated(ctx, &tenant.Activation{TenantID: "t1", PlanID: plan.Pro}))
	require.Len(t, rec.events, 1)
	assert.Equal(t, ActionPlanActivated, rec.events[0].Action)
}

func TestRecorderErrorIsSwallowed(t *testing.T) {
	rec := &capture{err: errors.New("backend down")}
	ext := New(rec)

	g := &seat.Grant{SeatID: id.NewSeatID(), MemberID: id.NewMemberID(), TenantID: "t1"}
	g.Role, _ = seat.ParseRole("gerente")
	assert.NoError(t, ext.OnSeatReserved(context.Background(), g))
	require.Len(t, rec.events, 1)
	assert.Equal(t, "manager", rec.events[0].Metadata["role"])
	assert.Equal(t, "operators", rec.events[0].Metadata["bucket"])
}
