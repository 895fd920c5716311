//go:build unix

package pelican

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile flocks f without blocking and verifies that f is still the
// file at path, since flock locks inodes rather than pathnames.
func tryLockFile(f *os.File, path string, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	fd := int(f.Fd())
	if err := flockRetryEINTR(fd, how|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return errWouldBlock
		}
		return fmt.Errorf("flock: %w", err)
	}

	var openStat, pathStat unix.Stat_t
	err := unix.Fstat(fd, &openStat)
	if err == nil {
		err = unix.Stat(path, &pathStat)
	}
	if err != nil {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)
		if errors.Is(err, unix.ENOENT) {
			return errInodeMismatch
		}
		return fmt.Errorf("verifying inode match: %w", err)
	}
	if openStat.Dev != pathStat.Dev || openStat.Ino != pathStat.Ino {
		_ = flockRetryEINTR(fd, unix.LOCK_UN)
		return errInodeMismatch
	}
	return nil
}

func unlockFile(f *os.File) error {
	return flockRetryEINTR(int(f.Fd()), unix.LOCK_UN)
}

func flockRetryEINTR(fd int, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = unix.Flock(fd, how)
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}
	return err
}
