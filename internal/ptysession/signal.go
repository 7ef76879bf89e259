package ptysession

import "golang.org/x/sys/unix"

// signalHangup sends SIGHUP to pid, the first step of the kill sequence
// (SIGHUP, grace period, SIGKILL) spec.md's drop discipline requires.
func signalHangup(pid int) error {
	return unix.Kill(pid, unix.SIGHUP)
}
