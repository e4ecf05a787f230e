package fsx

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	lockTimeout    = 30 * time.Second
	lockRetry      = 10 * time.Millisecond
	lockStaleAfter = 2 * time.Minute
)

var ErrLockTimeout = errors.New("lock timeout")

// fileLock is an O_EXCL lock file shared by every process appending to the same
// journal. A lock older than lockStaleAfter is assumed abandoned by a crashed writer.
type fileLock struct {
	path string
}

func (l fileLock) run(fn func() error) error {
	if err := l.acquire(time.Now()); err != nil {
		return err
	}
	defer l.release()
	return fn()
}

func (l fileLock) acquire(start time.Time) error {
	for {
		// #nosec G304 -- lock path is derived from a validated append path.
		handle, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = fmt.Fprintf(handle, "%d\n", os.Getpid())
			return handle.Close()
		}
		if !l.contended(err) {
			return fmt.Errorf("acquire append lock: %w", err)
		}
		if l.stale(time.Now()) {
			_ = os.Remove(l.path)
			continue
		}
		if time.Since(start) >= lockTimeout {
			return fmt.Errorf("acquire append lock: %w", ErrLockTimeout)
		}
		time.Sleep(lockRetry)
	}
}

func (l fileLock) release() {
	_ = os.Remove(l.path)
}

// contended reports whether err means another writer holds the lock. Some platforms
// report a held lock as a permission error.
func (l fileLock) contended(err error) bool {
	if os.IsExist(err) {
		return true
	}
	if !os.IsPermission(err) {
		return false
	}
	_, statErr := os.Stat(l.path)
	return statErr == nil
}

func (l fileLock) stale(now time.Time) bool {
	info, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	return now.Sub(info.ModTime()) > lockStaleAfter
}
