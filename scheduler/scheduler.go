// Package scheduler runs the engine's periodic maintenance jobs on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/xraph/tally"
)

// maxSweepRounds bounds how many full batches one sweep run drains.
const maxSweepRounds = 10

// LeaseSweeper releases seat leases that expired unconfirmed.
type LeaseSweeper interface {
	ReleaseExpiredLeases(ctx context.Context, batch int) (int, error)
}

var _ LeaseSweeper = (*tally.Tally)(nil)

// Scheduler owns a cron runner. Jobs run in UTC and a job still running
// when its next tick arrives is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler that logs through logger.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AddLeaseSweep schedules sw to release expired leases in batches of batch.
func (s *Scheduler) AddLeaseSweep(spec string, sw LeaseSweeper, batch int) error {
	job := &leaseSweep{sweeper: sw, batch: batch, logger: s.logger, ctx: s.ctx}
	if _, err := s.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("scheduler: lease sweep %q: %w", spec, err)
	}
	s.logger.Info("lease sweep scheduled", "spec", spec, "batch", batch)
	return nil
}

// Run starts the jobs and blocks until ctx is done. Running jobs are
// cancelled and waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

type leaseSweep struct {
	sweeper LeaseSweeper
	batch   int
	logger  *slog.Logger
	ctx     context.Context
}

func (j *leaseSweep) Run() {
	total := 0
	for range maxSweepRounds {
		n, err := j.sweeper.ReleaseExpiredLeases(j.ctx, j.batch)
		total += n
		if err != nil {
			j.logger.Error("lease sweep failed", "released", total, "error", err)
			return
		}
		if n < j.batch {
			break
		}
	}
	if total > 0 {
		j.logger.Debug("lease sweep done", "released", total)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
