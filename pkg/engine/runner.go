// Package engine orchestrates one run of a job: preflight, lock, hooks and the
// leaf worker that does the actual work. The workers themselves (dbdump,
// cfgexport, upgrade) know nothing about each other or about locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/paulschiretz/pgl-moodle/pkg/cfgexport"
	"github.com/paulschiretz/pgl-moodle/pkg/dbdump"
	"github.com/paulschiretz/pgl-moodle/pkg/hints"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
	"github.com/paulschiretz/pgl-moodle/pkg/lockfile"
	"github.com/paulschiretz/pgl-moodle/pkg/planner"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
	"github.com/paulschiretz/pgl-moodle/pkg/preflight"
	"github.com/paulschiretz/pgl-moodle/pkg/upgrade"
)

// Environment variables handed to post hooks.
const (
	EnvBackupFile = "PGL_MOODLE_BACKUP_FILE"
	EnvExitCode   = "PGL_MOODLE_EXIT_CODE"
	EnvRemaining  = "PGL_MOODLE_REMAINING"
)

// ErrSkipped is returned when another run holds the job's lock. Nothing was
// done, so callers must not treat it as success.
var ErrSkipped = errors.New("another run holds the lock")

type Validator interface {
	Run(ctx context.Context, p *preflight.Plan) error
}

type HookExecutor interface {
	RunPreHook(ctx context.Context, job string, p *hook.Plan, env ...string) error
	RunPostHook(ctx context.Context, job string, p *hook.Plan, env ...string) error
}

type Dumper interface {
	Dump(ctx context.Context, p *dbdump.Plan, timestamp time.Time) (dbdump.Result, error)
}

type Exporter interface {
	Export(ctx context.Context, p *cfgexport.Plan) (cfgexport.Result, error)
}

type Upgrader interface {
	Run(ctx context.Context, p *upgrade.Plan) (upgrade.Result, error)
}

type Runner struct {
	validator Validator
	hooks     HookExecutor
	// stdout receives the backup report.
	stdout io.Writer
}

func NewRunner(v Validator, h HookExecutor) *Runner {
	return &Runner{
		validator: v,
		hooks:     h,
		stdout:    os.Stdout,
	}
}

// ExecuteBackup dumps the database. A failed dump is reported on stdout and
// returned as a Result with a non-zero exit code, not as an error.
func (r *Runner) ExecuteBackup(ctx context.Context, d Dumper, p *planner.BackupPlan) (dbdump.Result, error) {
	// Check for cancellation at the very beginning.
	select {
	case <-ctx.Done():
		return dbdump.Result{}, ctx.Err()
	default:
	}

	timestamp := time.Now()

	if err := r.validator.Run(ctx, p.Preflight); err != nil {
		return dbdump.Result{}, fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireLock(ctx, p.LockDir, planner.Backup, p.DryRun)
	if err != nil {
		if errors.Is(err, ErrSkipped) {
			fmt.Fprintf(r.stdout, "Error: Database dump skipped: %v\n", err)
		}
		return dbdump.Result{}, err
	}
	defer releaseLock()

	if err := r.runPreHook(ctx, planner.Backup, p.Hooks); err != nil {
		return dbdump.Result{}, err
	}

	result, err := d.Dump(ctx, p.Dump, timestamp)

	// Post hooks run even if the dump failed, e.g. to leave maintenance mode.
	postEnv := []string{EnvBackupFile + "=" + result.Path, EnvExitCode + "=" + strconv.Itoa(result.ExitCode)}
	if err != nil {
		postEnv = []string{EnvExitCode + "=" + strconv.Itoa(dbdump.ExitPipelineFailed)}
	}
	defer r.runPostHook(ctx, planner.Backup, p.Hooks, postEnv...)

	if err != nil {
		return dbdump.Result{}, fmt.Errorf("error during dump: %w", err)
	}
	if result.DryRun {
		return result, nil
	}

	fmt.Fprintln(r.stdout, result.Report())
	if result.Success() {
		plog.Notice("Backup completed", "file", result.Path)
	} else {
		plog.Warn("Backup failed", "exit_code", result.ExitCode)
	}
	return result, nil
}

// ExecuteExport writes the exported settings file.
func (r *Runner) ExecuteExport(ctx context.Context, e Exporter, p *planner.ExportPlan) (cfgexport.Result, error) {
	select {
	case <-ctx.Done():
		return cfgexport.Result{}, ctx.Err()
	default:
	}

	if err := r.validator.Run(ctx, p.Preflight); err != nil {
		return cfgexport.Result{}, fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireLock(ctx, p.LockDir, planner.Export, p.DryRun)
	if err != nil {
		return cfgexport.Result{}, err
	}
	defer releaseLock()

	result, err := e.Export(ctx, p.Export)
	if err != nil {
		return cfgexport.Result{}, fmt.Errorf("error during export: %w", err)
	}
	if !p.DryRun {
		plog.Notice("Export completed", "file", result.Path, "globals", result.Globals, "plugins", result.Plugins, "plugin_settings", result.PluginSettings, "excluded", result.Excluded)
	}
	return result, nil
}

// ExecuteUpgrade installs available plugin updates and returns the number of
// installable updates still found by the final pass.
func (r *Runner) ExecuteUpgrade(ctx context.Context, u Upgrader, p *planner.UpgradePlan) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	if err := r.validator.Run(ctx, p.Preflight); err != nil {
		return 0, fmt.Errorf("preflight failed: %w", err)
	}

	releaseLock, err := r.acquireLock(ctx, p.LockDir, planner.Upgrade, p.DryRun)
	if err != nil {
		return 0, err
	}
	defer releaseLock()

	if err := r.runPreHook(ctx, planner.Upgrade, p.Hooks); err != nil {
		return 0, err
	}

	result, err := u.Run(ctx, p.Upgrade)
	postEnv := []string{EnvRemaining + "=" + strconv.Itoa(result.Remaining)}
	defer r.runPostHook(ctx, planner.Upgrade, p.Hooks, postEnv...)
	if err != nil {
		return 0, fmt.Errorf("error during upgrade: %w", err)
	}

	if result.Remaining > 0 {
		plog.Warn("Installable plugin updates remain after upgrade", "remaining", result.Remaining)
	} else {
		plog.Notice("Upgrade completed", "passes", len(result.Passes))
	}
	return result.Remaining, nil
}

// acquireLock takes the lock file in dir. A lock held by another run yields an
// error wrapping ErrSkipped.
func (r *Runner) acquireLock(ctx context.Context, dir string, job planner.Job, dryRun bool) (func(), error) {
	if dryRun {
		plog.Info("[DRY RUN] Would acquire lock", "path", dir)
		return func() {}, nil
	}

	plog.Debug("Attempting to acquire lock", "path", dir)
	lock, err := lockfile.Acquire(ctx, dir, job.String())
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Job is already running for this directory, skipping run.", "job", job, "details", lockErr.Error())
			return nil, fmt.Errorf("%w: %w", ErrSkipped, lockErr)
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.", "run_id", lock.RunID())

	return lock.Release, nil
}

func (r *Runner) runPreHook(ctx context.Context, job planner.Job, p *hook.Plan) error {
	if err := r.hooks.RunPreHook(ctx, job.String(), p); err != nil && !hints.IsHint(err) {
		// All pre hook errors are fatal.
		errMsg := fmt.Sprintf("pre-%s hook failed", job)
		if errors.Is(err, context.Canceled) {
			errMsg = fmt.Sprintf("pre-%s hook canceled", job)
		}
		return fmt.Errorf("%s: %w", errMsg, err)
	}
	return nil
}

func (r *Runner) runPostHook(ctx context.Context, job planner.Job, p *hook.Plan, env ...string) {
	if err := r.hooks.RunPostHook(ctx, job.String(), p, env...); err != nil && !hints.IsHint(err) {
		if errors.Is(err, context.Canceled) {
			plog.Info(fmt.Sprintf("post-%s hooks skipped due to cancellation.", job))
		} else {
			plog.Warn(fmt.Sprintf("post-%s hook failed", job), "error", err)
		}
	}
}
