//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package filelock

type fileOnlyLocker struct{}

func newLocker() Locker {
	return fileOnlyLocker{}
}

// TODO: use LockFileEx from golang.org/x/sys/windows so process_lock is
// honoured on Windows.
func (fileOnlyLocker) Lock(path string) (func() error, error) {
	f, err := openLockFile(path)
	if err != nil {
		return nil, err
	}
	return f.Close, nil
}
