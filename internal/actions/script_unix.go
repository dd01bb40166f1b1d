//go:build unix

package actions

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the shell in its own group and makes cancellation kill
// the group, so grandchildren cannot outlive the timeout or hold the pipes.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
