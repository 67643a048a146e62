//go:build windows

package session

import (
	"fmt"
	"os"
)

// Windows has no signal-0 probe; FindProcess always succeeds, so fall back to
// opening the process handle.
func pidAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	defer p.Release()
	return true
}

func signalTerm(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	defer p.Release()
	return p.Kill()
}

func signalKill(pid int) error {
	return signalTerm(pid)
}
