// Package scheduler runs the periodic billing sweeps on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep is one periodic job. Run returns the number of rows it changed.
type Sweep struct {
	Name string
	Spec string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs sweeps on their cron specs in UTC. A sweep that is still
// running when its next tick arrives skips that tick.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	base    context.Context
}

// New registers the sweeps. Sweeps with an empty schedule are disabled. An
// invalid schedule is an error.
func New(logger *slog.Logger, timeout time.Duration, sweeps ...Sweep) (*Scheduler, error) {
	cl := cronLogger{logger: logger.With("component", "scheduler")}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		timeout: timeout,
		base:    context.Background(),
	}

	for _, sw := range sweeps {
		if sw.Spec == "" {
			logger.Info("sweep disabled", "sweep", sw.Name)
			continue
		}
		sw := sw
		if _, err := s.cron.AddFunc(sw.Spec, func() { s.run(sw) }); err != nil {
			return nil, fmt.Errorf("schedule %s (%q): %w", sw.Name, sw.Spec, err)
		}
		logger.Info("sweep scheduled", "sweep", sw.Name, "spec", sw.Spec)
	}
	return s, nil
}

// Start begins running sweeps. Sweep contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
}

// Stop prevents new runs and waits for running sweeps, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries is the number of scheduled sweeps.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) run(sw Sweep) {
	ctx := s.base
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := sw.Run(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "sweep", sw.Name, "processed", n, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Info("sweep completed", "sweep", sw.Name, "processed", n, "duration", time.Since(start))
}

// cronLogger routes cron's own messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
