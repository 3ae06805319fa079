package extension

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tally"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/order"
	"github.com/xraph/tally/store/memory"
)

// watchedFeed records the context the reconciler subscribed with.
type watchedFeed struct {
	order.Feed

	mu    sync.Mutex
	ctx   context.Context
	ready chan struct{}
}

func (f *watchedFeed) OrderEvents(ctx context.Context) (<-chan *order.Event, error) {
	f.mu.Lock()
	f.ctx = ctx
	f.mu.Unlock()
	ch, err := f.Feed.OrderEvents(ctx)
	close(f.ready)
	return ch, err
}

func (f *watchedFeed) subscribed() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx
}

func TestWorkersReconcileExternalOrders(t *testing.T) {
	mem := memory.New()
	feed := &watchedFeed{Feed: mem, ready: make(chan struct{})}

	var logs bytes.Buffer
	e := New(
		WithStore(mem),
		WithOrderFeed(feed),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
		WithConfig(mergeWithDefaults(Config{DisableSweep: true})),
	)
	e.engine = tally.New(mem, e.buildTallyOpts()...)
	require.NoError(t, e.engine.Start(context.Background()))

	require.NoError(t, e.startWorkers())
	<-feed.ready

	o := &order.Order{ID: id.NewOrderID(), TenantID: "acme", CreatedAt: time.Now().UTC(), Source: order.SourceExternal}
	require.NoError(t, mem.InsertOrder(context.Background(), o))

	require.Eventually(t, func() bool {
		got, err := mem.GetOrder(context.Background(), o.ID)
		return err == nil && got.CountedInUsage
	}, 5*time.Second, 10*time.Millisecond)

	e.stopBackground()
	assert.Error(t, feed.subscribed().Err(), "reconciler stopped with the extension")
	assert.Contains(t, logs.String(), "rescue reconciler started")
}

func TestOrderFeedSelection(t *testing.T) {
	mem := memory.New()

	e := New(WithStore(mem))
	assert.Equal(t, order.Feed(mem), e.orderFeed(), "store feed by default")

	other := memory.New()
	e = New(WithStore(mem), WithOrderFeed(other))
	assert.Equal(t, order.Feed(other), e.orderFeed())

	e = New(WithStore(mem), WithDisableReconciler())
	assert.Nil(t, e.orderFeed())
}

func TestStartWorkersRejectsBadSweepSpec(t *testing.T) {
	mem := memory.New()
	e := New(WithStore(mem), WithLeaseSweep("not a spec"), WithDisableReconciler())
	e.engine = tally.New(mem)

	assert.Error(t, e.startWorkers())
	e.stopBackground()
}

func TestMergeKeepsDisableReconciler(t *testing.T) {
	cfg := mergeConfigurations(Config{}, Config{DisableReconciler: true})
	assert.True(t, cfg.DisableReconciler)
}
