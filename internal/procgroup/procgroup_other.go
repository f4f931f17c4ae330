//go:build !unix

package procgroup

import (
	"os"
	"os/exec"
)

// Isolate is a no-op where process groups are unavailable.
func Isolate(cmd *exec.Cmd) {}

// Only the root process can be reached here.
func interrupt(cmd *exec.Cmd) error { return cmd.Process.Signal(os.Interrupt) }
func kill(cmd *exec.Cmd) error      { return cmd.Process.Kill() }
