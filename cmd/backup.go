package cmd

import (
	"context"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/dbdump"
	"github.com/paulschiretz/pgl-moodle/pkg/engine"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
	"github.com/paulschiretz/pgl-moodle/pkg/planner"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/preflight"
)

// RunBackup handles the logic for the 'backup' command. A failed dump is
// reported on stdout and does not make RunBackup return an error.
func RunBackup(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}
	return runBackupJob(ctx, runConfig)
}

func runBackupJob(ctx context.Context, runConfig config.Config) error {
	plan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(
		preflight.NewValidator(),
		hook.NewHookExecutor(exec.CommandContext),
	)

	startTime := time.Now()
	_, err = runner.ExecuteBackup(ctx, dbdump.NewDumper(exec.CommandContext), plan)
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" backup finished.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
