//go:build unix

package session

import "syscall"

// pidAlive probes a process with signal 0.
func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func signalTerm(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func signalKill(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
