// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/audit"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/member"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/plan"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

// Factory returns a fresh, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run exercises s against the store.Store contract.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Plans", testPlans},
		{"TenantRoundTrip", testTenantRoundTrip},
		{"RollbackOnError", testRollbackOnError},
		{"ReadYourWrites", testReadYourWrites},
		{"Usage", testUsage},
		{"Orders", testOrders},
		{"Leases", testLeases},
		{"Members", testMembers},
		{"Audit", testAudit},
		{"ConcurrentIncrements", testConcurrentIncrements},
		{"FeedRedeliversNak", testFeedRedeliversNak},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

func tenantID(t *testing.T) string {
	return fmt.Sprintf("t-%s-%d", t.Name(), time.Now().UnixNano())
}

func at(day int) time.Time {
	return time.Date(2026, time.March, day, 12, 0, 0, 0, time.UTC)
}

func testPlans(t *testing.T, s store.Store) {
	ctx := context.Background()

	for _, p := range plan.DefaultCatalog() {
		p.Entity = tally.NewEntity()
		require.NoError(t, s.UpsertPlan(ctx, p))
	}

	got, err := s.GetPlan(ctx, plan.Pro)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.Limits.OrdersPerMonth)
	assert.Equal(t, int64(25), got.Limits.MessengerSeatsMax)

	got.Limits.OrdersPerMonth = 4000
	require.NoError(t, s.UpsertPlan(ctx, got))
	got, err = s.GetPlan(ctx, plan.Pro)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), got.Limits.OrdersPerMonth)

	plans, err := s.ListPlans(ctx)
	require.NoError(t, err)
	assert.Len(t, plans, 4)

	_, err = s.GetPlan(ctx, "platinum")
	assert.ErrorIs(t, err, tally.ErrPlanNotFound)
}

func testTenantRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	_, err := s.GetTenant(ctx, tid)
	require.ErrorIs(t, err, tally.ErrTenantNotFound)

	limits := plan.Limits{OrdersPerMonth: 300, MessengerSeatsMax: 5, OperatorSeatsMax: 2, AdminSeatsMax: 1, ConcurrentRoutesMax: 3}
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a := tenant.NewAccount(tid, tally.SeatUsage{Admins: 1})
		a.PlanID = plan.Basic
		a.BillingCycle = plan.CycleMonthly
		a.Limits = &limits
		a.PlanActivatedAt = at(1)
		a.PlanRenewalAt = at(1).AddDate(0, 1, 0)
		return tx.PutTenant(ctx, a)
	})
	require.NoError(t, err)

	got, err := s.GetTenant(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, plan.Basic, got.PlanID)
	assert.Equal(t, plan.CycleMonthly, got.BillingCycle)
	require.NotNil(t, got.Limits)
	assert.Equal(t, limits, *got.Limits)
	assert.Equal(t, int64(1), got.SeatUsage.Admins)
	assert.True(t, got.PlanRenewalAt.Equal(at(1).AddDate(0, 1, 0)))

	// Second write goes through an update.
	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err := tx.GetTenant(ctx, tid)
		if err != nil {
			return err
		}
		a.SeatUsage.Messengers = 3
		a.Limits = nil
		return tx.PutTenant(ctx, a)
	})
	require.NoError(t, err)

	got, err = s.GetTenant(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.SeatUsage.Messengers)
	assert.Nil(t, got.Limits)
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutTenant(ctx, tenant.NewAccount(tid, tally.SeatUsage{})); err != nil {
			return err
		}
		if err := tx.PutUsage(ctx, &usage.Entry{TenantID: tid, MonthKey: "2026-03", OrdersCount: 1, UpdatedAt: at(1)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetTenant(ctx, tid)
	assert.ErrorIs(t, err, tally.ErrTenantNotFound)
	_, err = s.GetUsage(ctx, tid, "2026-03")
	assert.ErrorIs(t, err, tally.ErrUsageNotFound)
}

func testReadYourWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.PutTenant(ctx, tenant.NewAccount(tid, tally.SeatUsage{Operators: 2})); err != nil {
			return err
		}
		a, err := tx.GetTenant(ctx, tid)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), a.SeatUsage.Operators)

		l := &seat.Lease{ID: id.NewSeatID(), TenantID: tid, Bucket: seat.Operators, Role: "operator", CreatedAt: at(1), ExpiresAt: at(2)}
		if err := tx.CreateLease(ctx, l); err != nil {
			return err
		}
		leases, err := tx.ListLeases(ctx, tid)
		if err != nil {
			return err
		}
		assert.Len(t, leases, 1)
		return nil
	})
	require.NoError(t, err)
}

func testUsage(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	for i, month := range []string{"2026-02", "2026-03"} {
		err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.PutUsage(ctx, &usage.Entry{TenantID: tid, MonthKey: month, OrdersCount: int64(i + 1), UpdatedAt: at(1)})
		})
		require.NoError(t, err)
	}

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetUsage(ctx, tid, "2026-03")
		if err != nil {
			return err
		}
		e.OrdersCount++
		return tx.PutUsage(ctx, e)
	})
	require.NoError(t, err)

	e, err := s.GetUsage(ctx, tid, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(3), e.OrdersCount)

	entries, err := s.ListUsage(ctx, tid)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func testOrders(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	counted := &order.Order{ID: id.NewOrderID(), TenantID: tid, CreatedAt: at(2), Source: order.SourceEnforcer, CountedInUsage: true, Fields: map[string]any{"ref": "A-1"}}
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateOrder(ctx, counted)
	}))

	external := &order.Order{ID: id.NewOrderID(), TenantID: tid, CreatedAt: at(3), Source: order.SourceExternal}
	require.NoError(t, s.InsertOrder(ctx, external))

	got, err := s.GetOrder(ctx, counted.ID)
	require.NoError(t, err)
	assert.True(t, got.CountedInUsage)
	assert.Equal(t, "A-1", got.Fields["ref"])

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, external.ID)
		if err != nil {
			return err
		}
		o.CountedInUsage = true
		o.OverLimit = true
		return tx.UpdateOrder(ctx, o)
	}))

	all, err := s.ListOrders(ctx, tid, order.ListOpts{MonthKey: "2026-03"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	over, err := s.ListOrders(ctx, tid, order.ListOpts{OnlyOverLimit: true})
	require.NoError(t, err)
	require.Len(t, over, 1)
	assert.Equal(t, external.ID, over[0].ID)

	none, err := s.ListOrders(ctx, tid, order.ListOpts{MonthKey: "2026-04"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetOrder(ctx, id.NewOrderID())
	assert.ErrorIs(t, err, tally.ErrOrderNotFound)
}

func testLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	stale := &seat.Lease{ID: id.NewSeatID(), TenantID: tid, Bucket: seat.Messengers, Role: "messenger", CreatedAt: at(1), ExpiresAt: at(2)}
	live := &seat.Lease{ID: id.NewSeatID(), TenantID: tid, Bucket: seat.Admins, Role: "admin", CreatedAt: at(1), ExpiresAt: at(20)}

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateLease(ctx, stale); err != nil {
			return err
		}
		return tx.CreateLease(ctx, live)
	}))

	expired, err := s.ListExpiredLeases(ctx, at(10), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		l, err := tx.GetLease(ctx, live.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, seat.Admins, l.Bucket)
		return tx.DeleteLease(ctx, stale.ID)
	}))

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.GetLease(ctx, stale.ID)
		return err
	})
	assert.ErrorIs(t, err, tally.ErrLeaseNotFound)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		leases, err := tx.ListLeases(ctx, tid)
		if err != nil {
			return err
		}
		assert.Len(t, leases, 1)
		return nil
	}))
}

func testMembers(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	m := &member.Member{ID: id.NewMemberID(), TenantID: tid, IdentityRef: "ref-1", Email: "a@example.com", Role: "manager", Bucket: seat.Operators, CreatedAt: at(1)}
	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutMember(ctx, m)
	}))

	members, err := s.ListMembers(ctx, tid)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "manager", members[0].Role)
	assert.Equal(t, seat.Operators, members[0].Bucket)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteMember(ctx, tid, m.ID)
	}))

	err = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.DeleteMember(ctx, tid, m.ID)
	})
	assert.ErrorIs(t, err, tally.ErrMemberNotFound)

	members, err = s.ListMembers(ctx, tid)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for i, action := range []string{audit.ActionOrderCreated, audit.ActionSeatReserved, audit.ActionOrderCreated} {
			err := tx.AppendAudit(ctx, &audit.Entry{
				ID:         id.NewAuditID(),
				TenantID:   tid,
				Action:     action,
				Resource:   "order",
				ResourceID: fmt.Sprintf("r-%d", i),
				Actor:      "system",
				Changes:    []audit.FieldChange{{Field: "orders_count", Old: int64(i), New: int64(i + 1)}},
				At:         at(1).Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := s.ListAudit(ctx, tid, audit.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	orders, err := s.ListAudit(ctx, tid, audit.ListOpts{Action: audit.ActionOrderCreated})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Len(t, orders[0].Changes, 1)
	assert.Equal(t, "orders_count", orders[0].Changes[0].Field)

	page, err := s.ListAudit(ctx, tid, audit.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

// testConcurrentIncrements checks that conflicting transactions never lose
// updates when callers retry on tally.ErrConflict.
func testConcurrentIncrements(t *testing.T, s store.Store) {
	ctx := context.Background()
	tid := tenantID(t)
	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt < 200; attempt++ {
				err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
					e, err := tx.GetUsage(ctx, tid, "2026-03")
					if errors.Is(err, tally.ErrUsageNotFound) {
						e = &usage.Entry{TenantID: tid, MonthKey: "2026-03"}
					} else if err != nil {
						return err
					}
					e.OrdersCount++
					e.UpdatedAt = at(1)
					return tx.PutUsage(ctx, e)
				})
				if errors.Is(err, tally.ErrConflict) {
					time.Sleep(time.Millisecond)
					continue
				}
				errs <- err
				return
			}
			errs <- errors.New("too many conflicts")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	e, err := s.GetUsage(ctx, tid, "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), e.OrdersCount)
}

// testFeedRedeliversNak checks that an order whose event was nak'd is
// delivered again while it stays uncounted.
func testFeedRedeliversNak(t *testing.T, s store.Store) {
	feed, ok := s.(order.Feed)
	if !ok {
		t.Skip("store has no order feed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	events, err := feed.OrderEvents(ctx)
	require.NoError(t, err)

	o := &order.Order{ID: id.NewOrderID(), TenantID: tenantID(t), CreatedAt: time.Now().UTC(), Source: order.SourceExternal}
	require.NoError(t, s.InsertOrder(ctx, o))

	first := nextEventFor(ctx, t, events, o.ID)
	require.NoError(t, first.Nak())

	again := nextEventFor(ctx, t, events, o.ID)
	assert.Equal(t, o.TenantID, again.TenantID)
	require.NoError(t, again.Ack())
}

// nextEventFor returns the next event for want, acking any others.
func nextEventFor(ctx context.Context, t *testing.T, events <-chan *order.Event, want id.OrderID) *order.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "feed closed")
			if ev.OrderID.String() == want.String() {
				return ev
			}
			_ = ev.Ack()
		case <-ctx.Done():
			t.Fatalf("no event for order %s", want)
			return nil
		}
	}
}
