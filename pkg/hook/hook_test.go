package hook_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/paulschiretz/pgl-moodle/pkg/hints"
	"github.com/paulschiretz/pgl-moodle/pkg/hook"
)

// TestHelperProcess is a helper for testing exec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		os.Exit(2)
	}
	switch {
	case strings.Contains(args[0], "fail"):
		os.Exit(1)
	case strings.Contains(args[0], "checkenv"):
		if os.Getenv(hook.EnvJob) != "backup" || os.Getenv(hook.EnvStage) != "post" || os.Getenv("PGL_MOODLE_BACKUP_FILE") != "/data/backup/x.sql.gz" {
			os.Exit(3)
		}
	}
	os.Exit(0)
}

func mockExecutor(ctx context.Context, name string, arg ...string) *exec.Cmd {
	// On Windows, the command is wrapped in `cmd /C`. We need to extract the actual command.
	var cmdLine string
	if len(arg) > 1 && (arg[0] == "/C" || arg[0] == "-c") {
		cmdLine = strings.Join(arg[1:], " ")
	} else {
		cmdLine = name + " " + strings.Join(arg, " ")
	}

	cs := []string{"-test.run=TestHelperProcess", "--", cmdLine}
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func TestHookExecutor(t *testing.T) {
	tests := []struct {
		name          string
		plan          *hook.Plan
		hookType      string // "pre" or "post"
		env           []string
		expectError   bool
		errorContains string
	}{
		{
			name:     "Pre-hook success",
			plan:     &hook.Plan{Enabled: true, PreHookCommands: []string{"php admin/cli/maintenance.php --enable"}},
			hookType: "pre",
		},
		{
			name:     "Post-hook success",
			plan:     &hook.Plan{Enabled: true, PostHookCommands: []string{"php admin/cli/maintenance.php --disable"}},
			hookType: "post",
		},
		{
			name:          "Pre-hook failure with FailFast",
			plan:          &hook.Plan{Enabled: true, PreHookCommands: []string{"fail this", "never reached"}, FailFast: true},
			hookType:      "pre",
			expectError:   true,
			errorContains: "command 'fail this' failed",
		},
		{
			name:     "Pre-hook failure without FailFast",
			plan:     &hook.Plan{Enabled: true, PreHookCommands: []string{"fail this"}},
			hookType: "pre",
		},
		{
			name:     "Post-hook failure without FailFast",
			plan:     &hook.Plan{Enabled: true, PostHookCommands: []string{"fail this"}},
			hookType: "post",
		},
		{
			name:     "Post-hook receives job environment",
			plan:     &hook.Plan{Enabled: true, PostHookCommands: []string{"checkenv"}, FailFast: true},
			hookType: "post",
			env:      []string{"PGL_MOODLE_BACKUP_FILE=/data/backup/x.sql.gz"},
		},
		{
			name:     "Dry run",
			plan:     &hook.Plan{Enabled: true, PreHookCommands: []string{"fail if run"}, DryRun: true, FailFast: true},
			hookType: "pre",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			executor := hook.NewHookExecutor(mockExecutor)
			var err error
			if tc.hookType == "pre" {
				err = executor.RunPreHook(context.Background(), "backup", tc.plan, tc.env...)
			} else {
				err = executor.RunPostHook(context.Background(), "backup", tc.plan, tc.env...)
			}

			if tc.expectError {
				if err == nil {
					t.Fatal("expected error, but got nil")
				}
				if tc.errorContains != "" && !strings.Contains(err.Error(), tc.errorContains) {
					t.Errorf("expected error to contain %q, but got: %v", tc.errorContains, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestHookExecutorSoftErrors(t *testing.T) {
	executor := hook.NewHookExecutor(mockExecutor)

	err := executor.RunPreHook(context.Background(), "upgrade", &hook.Plan{Enabled: false, PreHookCommands: []string{"x"}})
	if !errors.Is(err, hook.ErrDisabled) || !hints.IsHint(err) {
		t.Errorf("expected ErrDisabled hint, got %v", err)
	}

	err = executor.RunPostHook(context.Background(), "upgrade", &hook.Plan{Enabled: true})
	if !errors.Is(err, hook.ErrNothingToExecute) || !hints.IsHint(err) {
		t.Errorf("expected ErrNothingToExecute hint, got %v", err)
	}
}

func TestHookExecutorCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	executor := hook.NewHookExecutor(mockExecutor)
	err := executor.RunPreHook(ctx, "backup", &hook.Plan{Enabled: true, PreHookCommands: []string{"echo"}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
