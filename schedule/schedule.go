// Package schedule fires digest runs on a fixed interval.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"bounty-digest/digest"
	"bounty-digest/pkg/notifier"
)

const jobName = "digest-run"

// Runner executes one digest run.
type Runner interface {
	Run(ctx context.Context, now time.Time, opts digest.RunOptions) (*notifier.RunSummary, error)
}

// Scheduler ticks the digest runner. The hour gate lives in the runner, so a
// tick outside the dispatch window is cheap and a missed window simply waits
// for the next tick.
type Scheduler struct {
	sched    gocron.Scheduler
	runner   Runner
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration
}

// New creates a scheduler that ticks every interval.
func New(runner Runner, interval time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid check interval %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		sched:    sched,
		runner:   runner,
		logger:   logger,
		now:      time.Now,
		interval: interval,
	}, nil
}

// Start registers the digest job and starts ticking. The first tick fires
// immediately. Overlapping ticks are rescheduled rather than run concurrently.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithName(jobName),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule digest job: %w", err)
	}
	s.sched.Start()
	s.logger.Info("Digest scheduler started", "interval", s.interval.String())
	return nil
}

// Stop waits for a running tick to finish and stops the scheduler.
func (s *Scheduler) Stop() error {
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	s.logger.Info("Digest scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	summary, err := s.runner.Run(ctx, s.now(), digest.RunOptions{})
	switch {
	case errors.Is(err, digest.ErrRunInProgress):
		s.logger.Info("Digest tick dropped, a run is already in progress")
	case errors.Is(err, digest.ErrFetch):
		s.logger.Warn("Digest tick aborted, will retry next tick", "error", err)
	case err != nil:
		s.logger.Error("Digest tick failed", "error", err)
	case summary != nil && summary.State == notifier.RunSkipped:
		s.logger.Debug("Digest tick skipped", "reason", summary.SkipReason)
	case summary != nil && summary.PersistError != "":
		s.logger.Error("Digest tick completed with persistence errors",
			"daily_sent", summary.DailySent,
			"weekly_sent", summary.WeeklySent,
			"error", summary.PersistError)
	}
}
