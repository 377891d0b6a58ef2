package fsatomic

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// lockTimeout is the deadline for acquiring a file lock.
const lockTimeout = 5 * time.Second

var errLockTimeout = errors.New("lock timeout")

// WithLock runs handler while holding an exclusive flock on path's sidecar
// lock file. Lock files live in a .locks subdirectory so acquiring and
// releasing does not touch the parent directory's mtime.
func WithLock(path string, handler func() error) error {
	lock, err := acquireLock(path, lockTimeout)
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	defer lock.release()

	return handler()
}

type fileLock struct {
	path string
	file *os.File
}

// release order matters: remove while holding the lock, then unlock, then close.
func (l *fileLock) release() {
	if l.file != nil {
		_ = os.Remove(l.path)
		_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		_ = l.file.Close()
		l.file = nil
	}
}

func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	dir := filepath.Dir(path)
	locksDir := filepath.Join(dir, ".locks")
	lockPath := filepath.Join(locksDir, filepath.Base(path)+".lock")

	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}

		if err := os.MkdirAll(locksDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating locks dir: %w", err)
		}

		file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening lock file: %w", err)
		}

		var openStat syscall.Stat_t
		if err := syscall.Fstat(int(file.Fd()), &openStat); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("fstat lock file: %w", err)
		}

		fd := int(file.Fd())
		done := make(chan error, 1)
		go func() {
			done <- syscall.Flock(fd, syscall.LOCK_EX)
		}()

		select {
		case err := <-done:
			if err != nil {
				_ = file.Close()
				return nil, fmt.Errorf("flock: %w", err)
			}

			// Re-check the inode: if the lock file was removed and
			// recreated while we waited, the flock we hold is stale.
			var pathStat syscall.Stat_t
			if statErr := syscall.Stat(lockPath, &pathStat); statErr != nil || pathStat.Ino != openStat.Ino {
				_ = syscall.Flock(fd, syscall.LOCK_UN)
				_ = file.Close()
				continue
			}

			return &fileLock{path: lockPath, file: file}, nil
		case <-time.After(remaining):
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s", errLockTimeout, path)
		}
	}
}
