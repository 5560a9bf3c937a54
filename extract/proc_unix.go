//go:build unix

package extract

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup isolates the tool in its own process group so that
// cancellation kills the whole tree, not just the direct child.
func configureProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		// Negative PID signals the process group.
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
}
