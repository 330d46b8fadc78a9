//go:build unix

package execx

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killTree starts cmd in its own process group and makes cancellation
// SIGKILL the group rather than only the direct child.
func killTree(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
