package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-moodle/cmd"
	"github.com/paulschiretz/pgl-moodle/pkg/buildinfo"
	"github.com/paulschiretz/pgl-moodle/pkg/engine"
	"github.com/paulschiretz/pgl-moodle/pkg/flagparse"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

// Process exit codes.
const (
	exitOK    = 0
	exitError = 1
	// exitFatal marks an upgrade that aborted, so it can't be mistaken for a
	// remaining-updates count.
	exitFatal = 255
	// maxRemaining is the highest remaining-updates count reported as-is.
	maxRemaining = 254
)

// upgradeExitCode maps the number of remaining installable updates to an exit code.
func upgradeExitCode(remaining int) int {
	if remaining < 0 {
		return exitOK
	}
	if remaining > maxRemaining {
		return maxRemaining
	}
	return remaining
}

// upgradeErrorCode maps an upgrade error to an exit code. A run skipped over a
// held lock did nothing, which is an error but not an aborted upgrade.
func upgradeErrorCode(err error) int {
	if errors.Is(err, engine.ErrSkipped) {
		return exitError
	}
	return exitFatal
}

// run encapsulates the main application logic and returns the exit code, allowing
// the main function to stay free of control flow.
func run(ctx context.Context, args []string) int {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		plog.Error(buildinfo.Name+" failed to parse arguments", "error", err)
		return exitError
	}

	switch command {
	case flagparse.None:
		// Usage was printed.
		return exitOK
	case flagparse.Version:
		if err := cmd.RunVersion(buildinfo.Name, buildinfo.Version); err != nil {
			return exitError
		}
		return exitOK
	case flagparse.Upgrade:
		remaining, err := cmd.RunUpgrade(ctx, flagMap)
		if err != nil {
			plog.Error(buildinfo.Name+" upgrade failed", "error", err)
			return upgradeErrorCode(err)
		}
		return upgradeExitCode(remaining)
	}

	var runErr error
	switch command {
	case flagparse.Backup:
		runErr = cmd.RunBackup(ctx, flagMap)
	case flagparse.Export:
		runErr = cmd.RunExport(ctx, flagMap)
	case flagparse.Schedule:
		runErr = cmd.RunSchedule(ctx, flagMap)
	case flagparse.Init:
		runErr = cmd.RunInit(ctx, flagMap)
	default:
		runErr = fmt.Errorf("internal error: unknown command %s", command)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			plog.Warn(buildinfo.Name+" was canceled", "command", command)
		} else {
			plog.Error(buildinfo.Name+" exited with error", "command", command, "error", runErr)
		}
		return exitError
	}
	return exitOK
}

func main() {
	// Canceled on Ctrl+C or a service stop.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
