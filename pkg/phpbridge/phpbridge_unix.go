//go:build !windows

package phpbridge

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// setProcessGroup puts PHP and anything it spawns into one process group that
// is killed as a whole on cancellation.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
