//go:build unix

package lockfile

import "syscall"

// isProcessRunning checks whether a process with the given PID exists.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false // signal 0 to pid 0 would hit our process group
	}
	return syscall.Kill(pid, 0) == nil
}
