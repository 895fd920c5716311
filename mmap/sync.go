package mmap

import "os"

// Fdatasync flushes the data written to f to stable storage, skipping
// metadata like modification times where the OS allows it.
//
// Errors are not recoverable: after a failed sync the page cache may no
// longer reflect what is on disk.
func Fdatasync(f *os.File) error {
	return fdatasync(f)
}
