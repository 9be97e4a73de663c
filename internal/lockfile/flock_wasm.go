//go:build js && wasm

package lockfile

import "os"

// WASM has no file locking and is effectively single-process, so the
// lock operations are no-ops.

// FlockSharedNonBlock is a no-op in WASM.
func FlockSharedNonBlock(f *os.File) error {
	return nil
}

// FlockExclusiveNonBlock is a no-op in WASM.
func FlockExclusiveNonBlock(f *os.File) error {
	return nil
}

// FlockUnlock is a no-op in WASM.
func FlockUnlock(f *os.File) error {
	return nil
}
