package cache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockBusy is returned by tryLock when the lock is already held and
// non-blocking acquisition was requested.
var ErrLockBusy = errors.New("cache: lock is busy")

// fileLock wraps an advisory POSIX flock on a dedicated lock file under
// <cache>/locks/, one lock per cache entry.
type fileLock struct {
	file *os.File
	path string
}

// acquireLock opens (creating if needed) the lock file at path and takes
// an exclusive flock, retrying on contention up to retries times with
// exponential backoff starting at baseBackoff.
func acquireLock(path string, retries int, baseBackoff time.Duration) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, &IoError{Op: "open lock", Path: path, Err: err}
	}

	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{file: f, path: path}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, &IoError{Op: "flock", Path: path, Err: err}
		}
		lastErr = err
		if attempt < retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	f.Close()
	return nil, &LockContention{Path: path, Attempts: retries + 1, Err: lastErr}
}

// unlock releases the flock and closes the underlying file descriptor.
// The lock file itself is left on disk (cheap, and removing it would
// create a race with a concurrent acquirer that has already opened it).
func (l *fileLock) unlock() error {
	if l.file == nil {
		return nil
	}
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("cache: unlock %s: %w", l.path, err)
	}
	return closeErr
}
