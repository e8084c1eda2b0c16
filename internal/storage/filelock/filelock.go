// Package filelock provides an advisory exclusive lock on a file, used to
// serialise commits to the same tenant from separate processes sharing a
// data directory.
package filelock

import (
	"fmt"
	"os"
)

// Locker acquires advisory locks
type Locker interface {
	// Lock blocks until an exclusive lock on path is held and returns the
	// function that releases it.
	Lock(path string) (unlock func() error, err error)
}

// New returns the platform locker. On platforms without flock it returns
// a locker that only creates the lock file.
func New() Locker {
	return newLocker()
}

// Nop returns a locker that never blocks.
func Nop() Locker {
	return nopLocker{}
}

type nopLocker struct{}

func (nopLocker) Lock(string) (func() error, error) {
	return func() error { return nil }, nil
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	return f, nil
}
