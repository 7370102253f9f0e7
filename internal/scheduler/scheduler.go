package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/station-readings/internal/readings"
	"github.com/i474232898/station-readings/internal/readings/ecowitt"
	"github.com/i474232898/station-readings/internal/refresh"
)

// Refresher runs one refresh cycle for a category.
type Refresher interface {
	Refresh(ctx context.Context, cat readings.Category, force bool) (refresh.Result, error)
}

// Scheduler periodically refreshes the configured categories, one after the
// other. Runs never overlap.
type Scheduler struct {
	scheduler  *gocron.Scheduler
	refresher  Refresher
	categories []readings.Category
	interval   time.Duration
	logger     *slog.Logger

	// onAuthFailure is called once when the station rejects the credentials;
	// no further runs happen after that.
	onAuthFailure func(error)
	halted        atomic.Bool
}

// New creates a new Scheduler.
func New(categories []readings.Category, interval time.Duration, refresher Refresher, logger *slog.Logger, onAuthFailure func(error)) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if onAuthFailure == nil {
		onAuthFailure = func(error) {}
	}
	return &Scheduler{
		scheduler:     gocron.NewScheduler(time.UTC),
		refresher:     refresher,
		categories:    categories,
		interval:      interval,
		logger:        logger,
		onAuthFailure: onAuthFailure,
	}
}

// Start schedules the periodic job and starts the underlying scheduler. The
// first run happens immediately. Runs use ctx and stop early once it is done.
func (s *Scheduler) Start(ctx context.Context) error {
	if len(s.categories) == 0 {
		s.logger.Info("scheduler: no categories configured; nothing to schedule")
		return nil
	}

	interval := s.interval
	if interval <= 0 {
		interval = time.Hour
	}

	_, err := s.scheduler.Every(interval).SingletonMode().Do(func() {
		s.RunOnce(ctx)
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	s.logger.Info("scheduler started", "interval", interval, "categories", len(s.categories))
	return nil
}

// RunOnce refreshes every category in order. A category that is not due is
// skipped quietly; other failures are logged and do not stop the remaining
// categories, except an authentication failure, which halts the scheduler.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.halted.Load() {
		return
	}
	s.logger.Info("scheduler: running refresh job")

	for _, cat := range s.categories {
		if ctx.Err() != nil {
			return
		}

		res, err := s.refresher.Refresh(ctx, cat, false)
		switch {
		case err == nil:
			s.logger.Info("scheduler: category refreshed", "category", cat.Name, "stored", res.Stored)
		case errors.Is(err, refresh.ErrNotDue):
			s.logger.Debug("scheduler: category not due", "category", cat.Name)
		case ecowitt.IsAuthentication(err):
			if s.halted.CompareAndSwap(false, true) {
				s.logger.Error("scheduler: credentials rejected, halting", "error", err)
				s.onAuthFailure(err)
			}
			return
		default:
			s.logger.Error("scheduler: refresh failed", "category", cat.Name, "error", err)
		}
	}
	s.logger.Info("scheduler: completed refresh job")
}

// Halted reports whether the scheduler stopped after an authentication
// failure.
func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
