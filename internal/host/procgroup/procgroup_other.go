//go:build !unix

package procgroup

import (
	"os"
	"os/exec"
)

// Prepare is a no-op where process groups are unavailable.
func Prepare(cmd *exec.Cmd) {}

// Terminate kills the process; there is no graceful group signal here.
func Terminate(pid int) error {
	return Kill(pid)
}

// Kill kills the process led by pid.
func Kill(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
