package cmd

import (
	"context"
	"os/exec"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/config"
	"github.com/paulschiretz/pgl-moodle/pkg/engine"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
	"github.com/paulschiretz/pgl-moodle/pkg/phpbridge"
	"github.com/paulschiretz/pgl-moodle/pkg/planner"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/preflight"
	"github.com/paulschiretz/pgl-moodle/pkg/upgrade"
)

// RunUpgrade handles the logic for the 'upgrade' command. It returns the
// number of installable plugin updates found by the final pass.
func RunUpgrade(ctx context.Context, flagMap map[string]any) (int, error) {
	runConfig, err := loadRunConfig(flagparse.Upgrade, flagMap)
	if err != nil {
		return 0, err
	}
	return runUpgradeJob(ctx, runConfig)
}

func runUpgradeJob(ctx context.Context, runConfig config.Config) (int, error) {
	plan, err := planner.GenerateUpgradePlan(runConfig)
	if err != nil {
		return 0, err
	}

	manager := phpbridge.NewManager(plan.PHPBinary, plan.MoodleDir, nil, exec.CommandContext)
	runner := engine.NewRunner(
		preflight.NewValidator(),
		hook.NewHookExecutor(exec.CommandContext),
	)

	startTime := time.Now()
	remaining, err := runner.ExecuteUpgrade(ctx, upgrade.NewUpgrader(manager), plan)
	if err != nil {
		return 0, err
	}
	plog.Info(buildinfo.Name+" upgrade finished.", "remaining", remaining, "duration", time.Since(startTime).Round(time.Millisecond))
	return remaining, nil
}
