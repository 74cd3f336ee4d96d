package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/engine"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/planner"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/scheduler"
)

// RunSchedule handles the logic for the 'schedule' command. It blocks until ctx
// is canceled.
func RunSchedule(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Schedule, flagMap)
	if err != nil {
		return err
	}

	s, err := newScheduler(runConfig)
	if err != nil {
		return err
	}
	plog.Info("Scheduler started, waiting for jobs", "jobs", s.Len())
	return s.Run(ctx)
}

// newScheduler registers every job with a non-empty schedule. Each job's
// configuration is validated up front so a bad setting fails at startup, not
// at 3am.
func newScheduler(runConfig config.Config) (*scheduler.Scheduler, error) {
	jobs := []struct {
		job     planner.Job
		command flagparse.Command
		spec    string
		run     scheduler.JobFunc
	}{
		{planner.Backup, flagparse.Backup, runConfig.Schedule.Backup, func(ctx context.Context) error {
			return runBackupJob(ctx, runConfig)
		}},
		{planner.Export, flagparse.Export, runConfig.Schedule.Export, func(ctx context.Context) error {
			return runExportJob(ctx, runConfig)
		}},
		{planner.Upgrade, flagparse.Upgrade, runConfig.Schedule.Upgrade, func(ctx context.Context) error {
			remaining, err := runUpgradeJob(ctx, runConfig)
			if err != nil {
				return err
			}
			if remaining > 0 {
				return fmt.Errorf("%d installable plugin updates remain", remaining)
			}
			return nil
		}},
	}

	s := scheduler.New()
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if err := runConfig.Validate(j.command); err != nil {
			return nil, fmt.Errorf("invalid configuration for scheduled %s job: %w", j.job, err)
		}
		if err := s.Add(j.job.String(), j.spec, ignoreSkipped(j.run)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ignoreSkipped drops ErrSkipped from a scheduled run. A run started by hand
// holding the lock is not a failure of the schedule, and the engine already
// warned about it.
func ignoreSkipped(run scheduler.JobFunc) scheduler.JobFunc {
	return func(ctx context.Context) error {
		if err := run(ctx); err != nil && !errors.Is(err, engine.ErrSkipped) {
			return err
		}
		return nil
	}
}
