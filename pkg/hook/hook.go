// Package hook runs the operator's shell commands around a job, for example
// to put the site into maintenance mode before a dump and out of it afterwards.
package hook

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-moodle/pkg/hints"
	"github.com/paulschiretz/pgl-moodle/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Environment variables exported to every hook command.
const (
	EnvJob   = "PGL_MOODLE_JOB"
	EnvStage = "PGL_MOODLE_HOOK"
)

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	stdout         io.Writer
	stderr         io.Writer
}

// NewHookExecutor creates a new HookExecutor. Hook output goes to the process's stdout and stderr.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	return &HookExecutor{
		commandContext: commandContext,
		stdout:         os.Stdout,
		stderr:         os.Stderr,
	}
}

// RunPreHook runs p.PreHookCommands for job. Any failure aborts the remaining
// commands when p.FailFast is set.
func (e *HookExecutor) RunPreHook(ctx context.Context, job string, p *Plan, env ...string) error {
	return e.run(ctx, "pre", job, p.PreHookCommands, p, env)
}

// RunPostHook runs p.PostHookCommands for job. env carries the outcome of the job.
func (e *HookExecutor) RunPostHook(ctx context.Context, job string, p *Plan, env ...string) error {
	return e.run(ctx, "post", job, p.PostHookCommands, p, env)
}

func (e *HookExecutor) run(ctx context.Context, stage, job string, commands []string, p *Plan, env []string) error {
	if !p.Enabled {
		return ErrDisabled
	}
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info(fmt.Sprintf("Running %s-%s hook commands", stage, job))
	env = append([]string{EnvJob + "=" + job, EnvStage + "=" + stage}, env...)

	for _, hookCommand := range commands {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.DryRun {
			plog.Notice("[DRY RUN] Would execute command", "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		cmd.Env = append(cmd.Environ(), env...)
		cmd.Stdout = e.stdout
		cmd.Stderr = e.stderr

		if err := cmd.Run(); err != nil {
			// A canceled context makes Wait fail too, report the cancellation instead.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "command", hookCommand, "error", err)
		}
	}
	return nil
}
