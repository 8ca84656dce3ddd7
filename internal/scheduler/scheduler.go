package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/elonfeng/ringrank/pkg/batch"
	"github.com/elonfeng/ringrank/pkg/logger"
)

// Runner performs one batch update.
type Runner interface {
	Run(ctx context.Context) (*batch.Summary, error)
}

// Scheduler triggers batch runs on a fixed interval.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runOnStart bool
	log        logger.Logger
}

// New creates a new scheduler.
func New(r Runner, interval time.Duration, runOnStart bool, log logger.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		runner:     r,
		interval:   interval,
		runOnStart: runOnStart,
		log:        log.Named("scheduler"),
	}
}

// Run starts the scheduler loop. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.runOnStart {
		s.log.Info(ctx, "initial run")
		s.tick(ctx)
	}

	s.log.Info(ctx, "running", logger.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one update. A run already in progress (e.g. started through the
// API) means this tick is skipped.
func (s *Scheduler) tick(ctx context.Context) {
	sum, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, batch.ErrRunInProgress):
		s.log.Warn(ctx, "previous run still active, skipping")
	case err != nil:
		s.log.Error(ctx, "scheduled run failed", logger.Error(err))
	default:
		s.log.Info(ctx, "scheduled run done",
			logger.String("run_id", sum.RunID),
			logger.Int("updated", sum.Updated),
			logger.Int("failed", sum.Failed),
		)
	}
}
