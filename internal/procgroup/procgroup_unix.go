//go:build unix

package procgroup

import (
	"errors"
	"os/exec"
	"syscall"
)

// Isolate makes cmd the leader of a new process group once started. The
// group id is then the leader's pid.
func Isolate(cmd *exec.Cmd) {
	attr := cmd.SysProcAttr
	if attr == nil {
		attr = new(syscall.SysProcAttr)
	}
	attr.Setpgid = true
	cmd.SysProcAttr = attr
}

// Signal delivers sig to every member of the group led by cmd. An empty
// group is not an error.
func Signal(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func interrupt(cmd *exec.Cmd) error { return Signal(cmd, syscall.SIGTERM) }
func kill(cmd *exec.Cmd) error      { return Signal(cmd, syscall.SIGKILL) }
