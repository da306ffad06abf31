//go:build !windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// applyHiddenAttrs starts the child in a new session so it survives the
// daemon's controlling terminal being detached or closed.
func applyHiddenAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// signalGraceful sends SIGTERM, the POSIX graceful-shutdown signal. Errors
// are swallowed: if the process has already exited, the kernel returns
// ESRCH, which is an expected benign race.
func signalGraceful(proc *os.Process) error {
	return proc.Signal(syscall.SIGTERM)
}
