// Package procgroup starts external tools in their own process group so a
// cancelled job can stop the tool and everything it spawned.
package procgroup

import (
	"os/exec"
	"time"
)

// Stop asks the group led by cmd to exit and gives it grace to do so
// before killing it. waitCh must deliver the result of cmd.Wait; Stop
// consumes it and returns that result.
func Stop(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = interrupt(cmd)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case err := <-waitCh:
			return err
		case <-timer.C:
			_ = kill(cmd)
		}
	}
}
