// Package scheduler runs jobs on cron expressions until its context is canceled.
// A run that is still going when its next tick fires is skipped, and a panic in
// one run does not take down the scheduler.
package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

// JobFunc is one run of a scheduled job. ctx is canceled on shutdown.
type JobFunc func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	// ctx is handed to every job run; set by Run.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an idle Scheduler. Times are interpreted in the local time zone.
func New() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			// Recover must sit inside SkipIfStillRunning, or a panic loses the
			// running token and every later tick is skipped.
			cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers run under name on a standard 5-field cron expression or a
// descriptor such as "@daily" or "@every 1h".
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	_, err := s.cron.AddFunc(spec, func() {
		plog.Info("Scheduled job starting", "job", name)
		if err := run(s.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				plog.Info("Scheduled job canceled", "job", name)
				return
			}
			plog.Error("Scheduled job failed", "job", name, "error", err)
			return
		}
		plog.Info("Scheduled job finished", "job", name)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	plog.Info("Scheduled job", "job", name, "schedule", spec)
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is done. Running jobs are
// canceled and waited for before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Len() == 0 {
		return errors.New("no jobs scheduled")
	}
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		plog.Debug("Next run", "entry", e.ID, "at", e.Next)
	}

	<-ctx.Done()
	plog.Info("Stopping scheduler")
	s.cancel()
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger routes cron's own logging through plog. Its chatty Info output
// lands on DEBUG.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	plog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	plog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}

var _ cron.Logger = cronLogger{}
