package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/agentworkforce/cardmirror/internal/config"
	"github.com/agentworkforce/cardmirror/internal/mirror"
	log "github.com/sirupsen/logrus"
)

const DefaultRunTimeout = 30 * time.Minute

// Sweeper is the part of the engine the runner drives.
type Sweeper interface {
	PerformDailyCardMovement(ctx context.Context) (mirror.SweepReport, error)
}

type Options struct {
	// Config is read before every wait so reloads change the cadence.
	Config     func() *config.Config
	RunTimeout time.Duration
	Logger     *log.Logger
	Now        func() time.Time
}

// Runner fires the daily sweep every SweepInterval, with fire times
// aligned to midnight in the configured timezone.
type Runner struct {
	sweeper    Sweeper
	config     func() *config.Config
	runTimeout time.Duration
	logger     *log.Logger
	now        func() time.Time
}

func NewRunner(sweeper Sweeper, opts Options) *Runner {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		sweeper:    sweeper,
		config:     opts.Config,
		runTimeout: opts.RunTimeout,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// NextRun returns the first instant after now of the form
// midnight(now, loc) + k*interval.
func NextRun(now time.Time, interval time.Duration, loc *time.Location) time.Time {
	if interval <= 0 {
		interval = config.DefaultSweepInterval
	}
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	elapsed := now.Sub(midnight)
	if elapsed < 0 {
		return midnight
	}
	return midnight.Add((elapsed/interval + 1) * interval)
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	next := r.nextRun()
	r.logger.WithField("next_run", next.Format(time.RFC3339)).Info("sweep schedule started")
	timer := time.NewTimer(r.until(next))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.WithError(ctx.Err()).Info("sweep schedule stopping")
			return nil
		case <-timer.C:
			r.RunOnce(ctx)
			next = r.nextRun()
			r.logger.WithField("next_run", next.Format(time.RFC3339)).Debug("next sweep scheduled")
			timer.Reset(r.until(next))
		}
	}
}

// RunOnce performs one sweep under the run timeout and logs its outcome.
func (r *Runner) RunOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()
	report, err := r.sweeper.PerformDailyCardMovement(ctx)
	switch {
	case errors.Is(err, mirror.ErrSweepInProgress):
		r.logger.Info("scheduled sweep skipped, previous sweep still running")
	case err != nil:
		r.logger.WithError(err).WithField("sweep", report.ID).Error("scheduled sweep failed")
	default:
		r.logger.WithFields(log.Fields{"sweep": report.ID, "moved": report.Moved, "failed": report.Failed}).Debug("scheduled sweep completed")
	}
}

func (r *Runner) nextRun() time.Time {
	interval := config.DefaultSweepInterval
	loc := time.UTC
	if r.config != nil {
		if cfg := r.config(); cfg != nil {
			interval = cfg.SweepInterval
			loc = cfg.Location()
		}
	}
	return NextRun(r.now(), interval, loc)
}

func (r *Runner) until(next time.Time) time.Duration {
	delay := next.Sub(r.now())
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
