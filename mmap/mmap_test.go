//go:build unix

package mmap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOptionsHas(t *testing.T) {
	var o Options = SequentialAccess | Prefault
	if !o.Has(Prefault) || o.Has(RandomAccess) {
		t.Fatalf("Options.Has returned unexpected results for %v", o)
	}
}

func TestOpen_MapsFileContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coll.dat")
	if err := os.WriteFile(path, []byte("hello, mapped world"), 0o644); err != nil {
		t.Fatal(err)
	}

	mf, err := Open(path, SequentialAccess|Prefault)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if a, e := string(mf.Data), "hello, mapped world"; a != e {
		t.Errorf("Data = %q, wanted %q", a, e)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if mf.Data != nil {
		t.Errorf("Data not reset after Close")
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	mf := must(Open(filepath.Join(t.TempDir(), "nope.dat"), 0))
	if len(mf.Data) != 0 {
		t.Errorf("len(Data) = %d, wanted 0", len(mf.Data))
	}
	if err := mf.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.dat")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	mf := must(Open(path, RandomAccess))
	defer mf.Close()
	if len(mf.Data) != 0 {
		t.Errorf("len(Data) = %d, wanted 0", len(mf.Data))
	}
}

func TestFdatasync(t *testing.T) {
	f := must(os.Create(filepath.Join(t.TempDir(), "sync.dat")))
	defer f.Close()
	if _, err := f.WriteString("data"); err != nil {
		t.Fatal(err)
	}
	if err := Fdatasync(f); err != nil {
		t.Fatalf("Fdatasync: %v", err)
	}
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
