package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu      sync.Mutex
	results []int
	calls   int
	err     error
}

func (f *fakeSweeper) ReleaseExpiredLeases(_ context.Context, batch int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	if len(f.results) == 0 {
		return 0, nil
	}
	n := min(f.results[0], batch)
	f.results = f.results[1:]
	return n, nil
}

func (f *fakeSweeper) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLeaseSweepDrainsFullBatches(t *testing.T) {
	sw := &fakeSweeper{results: []int{10, 10, 3, 10}}
	job := &leaseSweep{sweeper: sw, batch: 10, logger: discard(), ctx: context.Background()}

	job.Run()
	assert.Equal(t, 3, sw.Calls(), "stops after the first short batch")
}

func TestLeaseSweepBounded(t *testing.T) {
	results := make([]int, 50)
	for i := range results {
		results[i] = 5
	}
	sw := &fakeSweeper{results: results}
	job := &leaseSweep{sweeper: sw, batch: 5, logger: discard(), ctx: context.Background()}

	job.Run()
	assert.Equal(t, maxSweepRounds, sw.Calls())
}

func TestLeaseSweepStopsOnError(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("store down")}
	job := &leaseSweep{sweeper: sw, batch: 5, logger: discard(), ctx: context.Background()}

	job.Run()
	assert.Equal(t, 1, sw.Calls())
}

func TestAddLeaseSweepRejectsBadSpec(t *testing.T) {
	s := New(discard())
	assert.Error(t, s.AddLeaseSweep("whenever", &fakeSweeper{}, 10))
}

func TestRunFiresJobs(t *testing.T) {
	s := New(discard())
	sw := &fakeSweeper{}
	require.NoError(t, s.AddLeaseSweep("@every 1s", sw, 10))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return sw.Calls() > 0 }, 5*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
