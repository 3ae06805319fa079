package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/seat"
	"github.com/xraph/tally/snapshot"
	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/storetest"
	"github.com/xraph/tally/tenant"
	"github.com/xraph/tally/usage"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return New() })
}

func TestConflictingWritersAbort(t *testing.T) {
	ctx := context.Background()
	s := New()

	seed := func(ctx context.Context, tx store.Tx) error {
		return tx.PutUsage(ctx, &usage.Entry{TenantID: "acme", MonthKey: "2026-03", OrdersCount: 1})
	}
	require.NoError(t, s.RunInTx(ctx, seed))

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		e, err := tx.GetUsage(ctx, "acme", "2026-03")
		if err != nil {
			return err
		}

		// A competing writer commits between our read and our commit.
		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
			e, err := other.GetUsage(ctx, "acme", "2026-03")
			if err != nil {
				return err
			}
			e.OrdersCount++
			return other.PutUsage(ctx, e)
		}))

		e.OrdersCount++
		return tx.PutUsage(ctx, e)
	})
	require.ErrorIs(t, err, tally.ErrConflict)

	e, err := s.GetUsage(ctx, "acme", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.OrdersCount)
}

func TestPhantomLeaseAborts(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		leases, err := tx.ListLeases(ctx, "acme")
		if err != nil {
			return err
		}
		assert.Empty(t, leases)

		require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, other store.Tx) error {
			return other.CreateLease(ctx, &seat.Lease{ID: id.NewSeatID(), TenantID: "acme", Bucket: seat.Messengers})
		}))

		return tx.PutTenant(ctx, tenant.NewAccount("acme", tenant.SeatUsage{}))
	})
	assert.ErrorIs(t, err, tally.ErrConflict)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutTenant(ctx, tenant.NewAccount("acme", tenant.SeatUsage{Admins: 1}))
	}))

	a, err := s.GetTenant(ctx, "acme")
	require.NoError(t, err)
	a.SeatUsage.Admins = 99

	again, err := s.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.SeatUsage.Admins)
	assert.Positive(t, again.Version)
}

func TestOrderEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New()

	events, err := s.OrderEvents(ctx)
	require.NoError(t, err)

	o := &order.Order{ID: id.NewOrderID(), TenantID: "acme", CreatedAt: time.Now(), Source: order.SourceExternal}
	require.NoError(t, s.InsertOrder(ctx, o))

	select {
	case ev := <-events:
		assert.Equal(t, o.ID, ev.OrderID)
		assert.Equal(t, "acme", ev.TenantID)
		assert.NoError(t, ev.Ack())
	case <-time.After(time.Second):
		t.Fatal("no order event delivered")
	}

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestAbortedTxPublishesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()

	events, err := s.OrderEvents(ctx)
	require.NoError(t, err)

	_ = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateOrder(ctx, &order.Order{ID: id.NewOrderID(), TenantID: "acme"}); err != nil {
			return err
		}
		return tally.ErrConflict
	})

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %s", ev.OrderID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetCached(ctx, "acme", "2026-03")
	require.ErrorIs(t, err, snapshot.ErrMiss)

	require.NoError(t, s.SetCached(ctx, &snapshot.Snapshot{TenantID: "acme", MonthKey: "2026-03", OrdersUsed: 4}, time.Minute))

	got, err := s.GetCached(ctx, "acme", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.OrdersUsed)

	_, err = s.GetCached(ctx, "acme", "2026-04")
	assert.ErrorIs(t, err, snapshot.ErrMiss, "another month is a miss")

	require.NoError(t, s.Invalidate(ctx, "acme"))
	_, err = s.GetCached(ctx, "acme", "2026-03")
	assert.ErrorIs(t, err, snapshot.ErrMiss)

	require.NoError(t, s.SetCached(ctx, &snapshot.Snapshot{TenantID: "acme", MonthKey: "2026-03"}, -time.Second))
	_, err = s.GetCached(ctx, "acme", "2026-03")
	assert.ErrorIs(t, err, snapshot.ErrMiss, "expired entries are misses")
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), tally.ErrStoreClosed)
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.PutTenant(ctx, tenant.NewAccount("acme", tenant.SeatUsage{}))
	})
	assert.ErrorIs(t, err, tally.ErrStoreClosed)
}
