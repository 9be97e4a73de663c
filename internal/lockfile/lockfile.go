// Package lockfile guards single-worker resources with an advisory
// file lock. A magpie worker daemon takes the exclusive lock next to
// its sqlite database so a second daemon on the same file fails fast
// instead of doubling the maintenance schedule.
package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// lockFileName is the lock file created inside the lock directory.
const lockFileName = "worker.lock"

// ErrLockBusy is returned when another process holds the lock.
var ErrLockBusy = errors.New("lock is held by another process")

// LockInfo describes the process holding a lock. Older releases wrote
// a bare PID; ReadLockInfo still accepts that form.
type LockInfo struct {
	PID       int       `json:"pid"`
	ParentPID int       `json:"parent_pid,omitempty"`
	Database  string    `json:"database,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held worker lock. Release it before process exit; the
// OS drops the flock on crash, and the stale info file is detected
// by PID liveness.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the exclusive worker lock in dir, creating the
// directory if needed, and records the holder. Returns ErrLockBusy
// when another live process holds it.
func Acquire(dir, database, version string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := FlockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	info := LockInfo{
		PID:       os.Getpid(),
		ParentPID: os.Getppid(),
		Database:  database,
		Version:   version,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(&info)
	if err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = FlockUnlock(f)
		_ = f.Close()
		return nil, err
	}
	_ = f.Sync()

	return &Lock{f: f, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := FlockUnlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// ReadLockInfo reads the holder record from dir. It understands both
// the JSON form and the legacy bare-PID form.
func ReadLockInfo(dir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, lockFileName))
	if err != nil {
		return nil, err
	}

	var info LockInfo
	if err := json.Unmarshal(data, &info); err == nil && info.PID > 0 {
		return &info, nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errors.New("lock file is neither JSON nor a PID")
	}
	return &LockInfo{PID: pid}, nil
}

// Running reports the live holder of the lock in dir, if any. A lock
// file whose PID no longer exists counts as not running.
func Running(dir string) (*LockInfo, bool) {
	info, err := ReadLockInfo(dir)
	if err != nil || info.PID <= 0 {
		return nil, false
	}
	if !isProcessRunning(info.PID) {
		return nil, false
	}
	return info, true
}
