//go:build !unix

package pelican

import (
	"os"
)

// Without flock, a lock is the exclusive creation of a marker file next to
// the lock file. Shared locks are treated as exclusive.
func tryLockFile(f *os.File, path string, exclusive bool) error {
	m, err := os.OpenFile(path+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return errWouldBlock
		}
		return err
	}
	return m.Close()
}

func unlockFile(f *os.File) error {
	return os.Remove(f.Name() + ".held")
}
