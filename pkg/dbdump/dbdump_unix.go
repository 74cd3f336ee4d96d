//go:build !windows

package dbdump

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the dump tool in its own process group and makes
// cancellation signal the whole group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
