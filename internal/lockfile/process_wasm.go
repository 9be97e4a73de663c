//go:build js && wasm

package lockfile

// isProcessRunning always reports false in WASM; there is no process
// table to consult.
func isProcessRunning(pid int) bool {
	return false
}
