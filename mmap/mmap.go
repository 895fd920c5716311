// Package mmap maps data files into memory read-only for bulk scans.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 0

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Maps to MADV_RANDOM on Unix.
	RandomAccess Options = 1 << 1

	// Prefault requests the entire range to be loaded in memory up front.
	// Maps to MAP_POPULATE on Linux and is ignored elsewhere.
	Prefault Options = 1 << 2
)

var ErrTooLarge = errors.New("file too large to map")

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f read-only.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if size == 0 {
		return nil, nil
	}
	return mmap(f, size, opt)
}

// Unmap unmaps a slice returned by Map. Unmapping nil is a no-op.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// File is a read-only mapping of a whole file.
type File struct {
	Data []byte
	f    *os.File
}

// Open maps the file at path as it is right now. A missing file maps as
// empty data, since callers treat absent data files as empty.
func Open(path string, opt Options) (*File, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &File{}, nil
	} else if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() > MaxSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, fi.Size())
	}
	data, err := Map(f, int(fi.Size()), opt)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{Data: data, f: f}, nil
}

func (mf *File) Close() error {
	if mf.f == nil {
		return nil
	}
	err := Unmap(mf.Data)
	mf.Data = nil
	if cerr := mf.f.Close(); err == nil {
		err = cerr
	}
	mf.f = nil
	return err
}
