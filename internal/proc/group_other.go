//go:build !unix

package proc

import (
	"os"
	"os/exec"
)

// SetProcessGroup is a no-op where process groups are unavailable.
func SetProcessGroup(cmd *exec.Cmd) {}

// KillGroup kills only the process itself on platforms without process groups.
func KillGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

// GroupAlive is not observable without process groups.
func GroupAlive(pid int) bool {
	return false
}
