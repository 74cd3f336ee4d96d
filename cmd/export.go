package cmd

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/cfgexport"
	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/database"
	"github.com/paulschiretz/pgl-moodle/pkg/engine"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
	"github.com/paulschiretz/pgl-moodle/pkg/planner"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/preflight"
)

// RunExport handles the logic for the 'export' command.
func RunExport(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadRunConfig(flagparse.Export, flagMap)
	if err != nil {
		return err
	}
	return runExportJob(ctx, runConfig)
}

func runExportJob(ctx context.Context, runConfig config.Config) error {
	plan, err := planner.GenerateExportPlan(runConfig)
	if err != nil {
		return err
	}

	// The pool connects lazily, nothing touches the server before the lock is held.
	db, err := database.Open(plan.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	source, err := cfgexport.NewSQLSource(db, plan.Prefix)
	if err != nil {
		return err
	}

	runner := engine.NewRunner(
		preflight.NewValidator(),
		hook.NewHookExecutor(exec.CommandContext),
	)

	startTime := time.Now()
	if _, err := runner.ExecuteExport(ctx, cfgexport.NewExporter(source), plan); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" export finished.", "duration", time.Since(startTime).Round(time.Millisecond))
	return nil
}
