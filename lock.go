package pelican

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const lockSuffix = ".lock"

var (
	errWouldBlock    = errors.New("lock would block")
	errInodeMismatch = errors.New("inode mismatch")
)

// fileLock is a held advisory lock on a dedicated "<file>.lock" file.
type fileLock struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func (lk *fileLock) Close() error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.file == nil {
		return nil
	}
	unlockErr := unlockFile(lk.file)
	closeErr := lk.file.Close()
	lk.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("unlocking %s: %w", lk.path, unlockErr)
	}
	if closeErr != nil {
		closeErr = fmt.Errorf("closing %s: %w", lk.path, closeErr)
	}
	return errors.Join(unlockErr, closeErr)
}

// lockPath polls for the lock with a 1ms..25ms backoff until timeout expires.
// A zero timeout tries exactly once.
func lockPath(path string, exclusive bool, timeout time.Duration) (*fileLock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := time.Millisecond

	for {
		f, err := openLockFile(path, exclusive)
		if err != nil {
			return nil, fmt.Errorf("opening lockfile: %w", err)
		}

		err = tryLockFile(f, path, exclusive)
		if err == nil {
			return &fileLock{file: f, path: path}, nil
		}
		_ = f.Close()

		if !errors.Is(err, errWouldBlock) && !errors.Is(err, errInodeMismatch) {
			return nil, err
		}
		if timeout <= 0 {
			return nil, fmt.Errorf("%w: %s is locked", ErrLockTimeout, filepath.Base(path))
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s not acquired after %s", ErrLockTimeout, filepath.Base(path), timeout)
		}
		time.Sleep(min(backoff, remaining))
		if backoff < 25*time.Millisecond {
			backoff = min(backoff*2, 25*time.Millisecond)
		}
	}
}

func openLockFile(path string, exclusive bool) (*os.File, error) {
	flag := os.O_RDONLY
	if exclusive {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag|os.O_CREATE, 0o600)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag|os.O_CREATE, 0o600)
}

// removeStaleLocks deletes lock files in dir older than maxAge that nobody
// holds right now.
func removeStaleLocks(dir string, maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		path := filepath.Join(dir, e.Name())
		lk, err := lockPath(path, true, 0)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed = append(removed, e.Name())
		}
		_ = lk.Close()
	}
	return removed, nil
}
